package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/models"
)

const indexColumns = `i.id, i.root_namespace_id, i.node_id, i.replica_id, i.state, i.watermark_level,
	i.reserved_bytes, i.used_bytes, i.used_updated_at, i.last_indexed_at, i.created_at`

func scanIndex(row scanner) (models.Index, error) {
	var idx models.Index
	var state, level string
	var used, usedAt, lastIndexed sql.NullInt64
	var created int64
	if err := row.Scan(&idx.ID, &idx.RootNamespaceID, &idx.NodeID, &idx.ReplicaID, &state, &level,
		&idx.ReservedStorageBytes, &used, &usedAt, &lastIndexed, &created); err != nil {
		return models.Index{}, err
	}
	idx.State = models.IndexState(state)
	idx.Watermark = models.WatermarkLevel(level)
	if used.Valid {
		v := used.Int64
		idx.UsedStorageBytes = &v
	}
	idx.UsedStorageUpdatedAt = nullTime(usedAt)
	idx.LastIndexedAt = nullTime(lastIndexed)
	idx.CreatedAt = fromNanos(created)
	return idx, nil
}

// ============================================================================
// Enabled namespaces
// ============================================================================

// EnableNamespace opts a root namespace in to search. Returns false if it already was.
func (s *DB) EnableNamespace(ctx context.Context, rootNamespaceID int64, replicas int) (bool, error) {
	if replicas <= 0 {
		replicas = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO enabled_namespaces (root_namespace_id, number_of_replicas, created_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING
	`, rootNamespaceID, replicas, toNanos(s.now()))
	if err != nil {
		return false, fmt.Errorf("store: enable namespace: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DisableNamespace removes the opt-in. Existing indices are left to the caller.
func (s *DB) DisableNamespace(ctx context.Context, rootNamespaceID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enabled_namespaces WHERE root_namespace_id = ?`, rootNamespaceID)
	if err != nil {
		return false, fmt.Errorf("store: disable namespace: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NamespacesMissingReplicas returns enabled namespaces with fewer live indices (pending,
// initializing or ready) than number_of_replicas. Namespaces with none come first, then
// oldest first. Replicas is set to the live count.
func (s *DB) NamespacesMissingReplicas(ctx context.Context, limit int) ([]models.EnabledNamespace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.root_namespace_id, e.number_of_replicas, e.created_at, COUNT(i.id) AS live
		FROM enabled_namespaces e
		LEFT JOIN indices i ON i.root_namespace_id = e.root_namespace_id
			AND i.state IN ('pending', 'initializing', 'ready')
		GROUP BY e.root_namespace_id, e.number_of_replicas, e.created_at
		HAVING COUNT(i.id) < MAX(e.number_of_replicas, 1)
		ORDER BY live, e.created_at, e.root_namespace_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: namespaces missing replicas: %w", err)
	}
	defer rows.Close()

	var out []models.EnabledNamespace
	for rows.Next() {
		var ns models.EnabledNamespace
		var created int64
		if err := rows.Scan(&ns.RootNamespaceID, &ns.NumberOfReplicas, &created, &ns.Replicas); err != nil {
			return nil, fmt.Errorf("store: scan namespace: %w", err)
		}
		ns.CreatedAt = fromNanos(created)
		out = append(out, ns)
	}
	return out, rows.Err()
}

// ============================================================================
// Replicas and indices
// ============================================================================

// CreateReplicaWithIndex creates a replica and its pending index on nodeID in one transaction
func (s *DB) CreateReplicaWithIndex(ctx context.Context, rootNamespaceID, nodeID, reservedBytes int64) (models.Index, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Index{}, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var replicaID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO replicas (root_namespace_id, state) VALUES (?, 'ready') RETURNING id`,
		rootNamespaceID).Scan(&replicaID); err != nil {
		return models.Index{}, fmt.Errorf("store: create replica: %w", err)
	}

	idx, err := scanIndex(tx.QueryRowContext(ctx, `
		INSERT INTO indices (root_namespace_id, node_id, replica_id, state, watermark_level, reserved_bytes, created_at)
		VALUES (?, ?, ?, 'pending', 'none', ?, ?)
		RETURNING `+unalias(indexColumns),
		rootNamespaceID, nodeID, replicaID, reservedBytes, toNanos(s.now())))
	if err != nil {
		return models.Index{}, fmt.Errorf("store: create index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Index{}, fmt.Errorf("store: commit: %w", err)
	}
	return idx, nil
}

// GetIndex returns the index with id or errs.ErrNotFound
func (s *DB) GetIndex(ctx context.Context, id int64) (models.Index, error) {
	idx, err := scanIndex(s.db.QueryRowContext(ctx,
		"SELECT "+indexColumns+" FROM indices i WHERE i.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Index{}, fmt.Errorf("index %d: %w", id, errs.ErrNotFound)
	}
	return idx, err
}

// FindIndices returns the indices matching scope
func (s *DB) FindIndices(ctx context.Context, scope IndexScope) ([]models.Index, error) {
	where, args := scope.sql()
	rows, err := s.db.QueryContext(ctx, "SELECT "+indexColumns+" FROM indices i"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find indices: %w", err)
	}
	defer rows.Close()

	var out []models.Index
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan index: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// CountIndices counts the indices matching scope. Ordering and limit are ignored.
func (s *DB) CountIndices(ctx context.Context, scope IndexScope) (int, error) {
	scope.order, scope.limit = "", 0
	where, args := scope.sql()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM indices i"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count indices: %w", err)
	}
	return n, nil
}

// updateIndices sets the given assignment on every index matching scope and returns their ids
func (s *DB) updateIndices(ctx context.Context, set string, setArgs []interface{}, scope IndexScope) ([]int64, error) {
	where, args := scope.sql()
	query := "UPDATE indices SET " + set + " WHERE id IN (SELECT i.id FROM indices i" + where + ") RETURNING id"
	rows, err := s.db.QueryContext(ctx, query, append(setArgs, args...)...)
	if err != nil {
		return nil, fmt.Errorf("store: update indices: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkIndicesReady moves up to limit initializing indices whose repositories have all finished
// to ready, in a single statement
func (s *DB) MarkIndicesReady(ctx context.Context, limit int) ([]int64, error) {
	return s.updateIndices(ctx, "state = ?", []interface{}{string(models.IndexReady)},
		Indices().Initializing().WithAllFinishedRepositories().Ordered().Limit(limit))
}

// MarkIndexInitializing moves a pending index to initializing
func (s *DB) MarkIndexInitializing(ctx context.Context, id int64) (bool, error) {
	ids, err := s.updateIndices(ctx, "state = ?", []interface{}{string(models.IndexInitializing)},
		Indices().WithIDs(id).WithState(models.IndexPending))
	return len(ids) > 0, err
}

// MarkIndicesOrphaned moves the named indices to orphaned
func (s *DB) MarkIndicesOrphaned(ctx context.Context, ids []int64) (int, error) {
	return s.updateIndicesByIDs(ctx, "state = ?", []interface{}{string(models.IndexOrphaned)}, ids, nil)
}

// MarkIndicesPendingDeletion moves the named indices to pending_deletion
func (s *DB) MarkIndicesPendingDeletion(ctx context.Context, ids []int64) (int, error) {
	return s.updateIndicesByIDs(ctx, "state = ?", []interface{}{string(models.IndexPendingDeletion)}, ids, nil)
}

// SetWatermarkLevel records level on the named indices. Indices already at critical keep it
// unless level is itself critical.
func (s *DB) SetWatermarkLevel(ctx context.Context, ids []int64, level models.WatermarkLevel) (int, error) {
	refine := func(sc IndexScope) IndexScope {
		if level == models.WatermarkCritical {
			return sc
		}
		return sc.NotCriticalWatermark()
	}
	return s.updateIndicesByIDs(ctx, "watermark_level = ?", []interface{}{string(level)}, ids, refine)
}

func (s *DB) updateIndicesByIDs(ctx context.Context, set string, setArgs []interface{}, ids []int64,
	refine func(IndexScope) IndexScope) (int, error) {
	total := 0
	for _, part := range chunk(ids, maxInClause) {
		scope := Indices().WithIDs(part...)
		if refine != nil {
			scope = refine(scope)
		}
		updated, err := s.updateIndices(ctx, set, setArgs, scope)
		if err != nil {
			return total, err
		}
		total += len(updated)
	}
	return total, nil
}

// DestroyIndex deletes the index's replica; the index and its repositories and tasks cascade.
// Returns false when the index no longer exists.
func (s *DB) DestroyIndex(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM replicas WHERE id = (SELECT replica_id FROM indices WHERE id = ?)`, id)
	if err != nil {
		return false, fmt.Errorf("store: destroy index %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IndexHasRepositories reports whether any repository still belongs to the index
func (s *DB) IndexHasRepositories(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM repositories WHERE index_id = ?)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: index repositories: %w", err)
	}
	return exists, nil
}

// IndexForNamespaceOnNode returns the live index of the namespace on the node
func (s *DB) IndexForNamespaceOnNode(ctx context.Context, rootNamespaceID, nodeID int64) (models.Index, error) {
	found, err := s.FindIndices(ctx, Indices().ForNamespace(rootNamespaceID).ForNode(nodeID).
		WithState(models.IndexPending, models.IndexInitializing, models.IndexReady).Ordered().Limit(1))
	if err != nil {
		return models.Index{}, err
	}
	if len(found) == 0 {
		return models.Index{}, fmt.Errorf("index for namespace %d on node %d: %w", rootNamespaceID, nodeID, errs.ErrNotFound)
	}
	return found[0], nil
}

// unalias strips the "i." prefix so column lists can be reused in RETURNING clauses
func unalias(cols string) string {
	return strings.ReplaceAll(cols, "i.", "")
}
