package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/models"
)

const repositoryColumns = `r.id, r.index_id, r.project_id, r.state, r.size_bytes, r.retries_left, r.indexed_at`

func scanRepository(row scanner) (models.Repository, error) {
	var r models.Repository
	var state string
	var indexedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.IndexID, &r.ProjectID, &state, &r.SizeBytes, &r.RetriesLeft, &indexedAt); err != nil {
		return models.Repository{}, err
	}
	r.State = models.RepositoryState(state)
	r.IndexedAt = nullTime(indexedAt)
	return r, nil
}

// EnsureRepository returns the repository of project within index, creating it in pending
// state with the given retry budget if it does not exist
func (s *DB) EnsureRepository(ctx context.Context, indexID, projectID int64, retries int) (models.Repository, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (index_id, project_id, state, retries_left)
		VALUES (?, ?, 'pending', ?)
		ON CONFLICT(index_id, project_id) DO NOTHING
	`, indexID, projectID, retries); err != nil {
		return models.Repository{}, fmt.Errorf("store: ensure repository: %w", err)
	}

	return scanRepository(s.db.QueryRowContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories r WHERE r.index_id = ? AND r.project_id = ?",
		indexID, projectID))
}

// GetRepository returns the repository with id or errs.ErrNotFound
func (s *DB) GetRepository(ctx context.Context, id int64) (models.Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		"SELECT "+repositoryColumns+" FROM repositories r WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Repository{}, fmt.Errorf("repository %d: %w", id, errs.ErrNotFound)
	}
	return r, err
}

// FindRepositories returns the repositories matching scope ordered by id
func (s *DB) FindRepositories(ctx context.Context, scope RepositoryScope) ([]models.Repository, error) {
	where, args := scope.sql()
	rows, err := s.db.QueryContext(ctx, "SELECT "+repositoryColumns+" FROM repositories r"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find repositories: %w", err)
	}
	defer rows.Close()

	var out []models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan repository: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RepositoryStateCounts groups an index's repositories by state
func (s *DB) RepositoryStateCounts(ctx context.Context, indexID int64) (map[models.RepositoryState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM repositories WHERE index_id = ? GROUP BY state`, indexID)
	if err != nil {
		return nil, fmt.Errorf("store: repository counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RepositoryState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[models.RepositoryState(state)] = n
	}
	return counts, rows.Err()
}

func (s *DB) setRepositoryState(ctx context.Context, state models.RepositoryState, scope RepositoryScope) ([]int64, error) {
	where, args := scope.sql()
	query := "UPDATE repositories SET state = ? WHERE id IN (SELECT r.id FROM repositories r" + where + ") RETURNING id"
	rows, err := s.db.QueryContext(ctx, query, append([]interface{}{string(state)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("store: set repository state: %w", err)
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

// MarkRepositoriesOrphaned moves the named repositories to orphaned
func (s *DB) MarkRepositoriesOrphaned(ctx context.Context, ids []int64) (int, error) {
	total := 0
	for _, part := range chunk(ids, maxInClause) {
		updated, err := s.setRepositoryState(ctx, models.RepositoryOrphaned, Repositories().WithIDs(part...))
		if err != nil {
			return total, err
		}
		total += len(updated)
	}
	return total, nil
}

// MarkRepositoriesPendingDeletion moves up to limit repositories of the index that are not yet
// pending deletion, returning their ids. Callers loop until it returns none.
func (s *DB) MarkRepositoriesPendingDeletion(ctx context.Context, indexID int64, limit int) ([]int64, error) {
	scope := Repositories().ForIndex(indexID).WithState(
		models.RepositoryPending, models.RepositoryInitializing, models.RepositoryReady,
		models.RepositoryFailed, models.RepositoryOrphaned,
	).Limit(limit)
	return s.setRepositoryState(ctx, models.RepositoryPendingDeletion, scope)
}

// DecrementRetries atomically takes one retry from the repository and fails it once the
// budget reaches zero. Only pending, initializing and ready repositories move to failed;
// orphaned and pending_deletion keep their state. decremented is false when the budget was already exhausted; the
// repository is returned either way.
func (s *DB) DecrementRetries(ctx context.Context, id int64) (repo models.Repository, decremented bool, err error) {
	repo, err = scanRepository(s.db.QueryRowContext(ctx, `
		UPDATE repositories
		SET retries_left = retries_left - 1,
			state = CASE WHEN retries_left - 1 <= 0 AND state IN ('pending', 'initializing', 'ready')
				THEN 'failed' ELSE state END
		WHERE id = ? AND retries_left > 0
		RETURNING id, index_id, project_id, state, size_bytes, retries_left, indexed_at
	`, id))
	if err == nil {
		return repo, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Repository{}, false, fmt.Errorf("store: decrement retries: %w", err)
	}

	repo, err = s.GetRepository(ctx, id)
	return repo, false, err
}
