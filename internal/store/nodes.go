package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/models"
)

// reserved storage is never stored on the node row; it is the live sum over its indices
const nodeReserved = `COALESCE((SELECT SUM(i.reserved_bytes) FROM indices i WHERE i.node_id = n.id), 0)`

const nodeSelect = `
	SELECT n.id, n.uuid, n.address, n.total_bytes, n.used_bytes, ` + nodeReserved + `,
		n.status, n.last_seen_at
	FROM nodes n`

func scanNode(row scanner) (models.Node, error) {
	var n models.Node
	var status string
	var lastSeen int64
	if err := row.Scan(&n.ID, &n.UUID, &n.Address, &n.TotalBytes, &n.UsedBytes,
		&n.ReservedBytes, &status, &lastSeen); err != nil {
		return models.Node{}, err
	}
	n.Status = models.NodeStatus(status)
	n.LastSeenAt = fromNanos(lastSeen)
	return n, nil
}

func (s *DB) queryNodes(ctx context.Context, tail string, args ...interface{}) ([]models.Node, error) {
	rows, err := s.db.QueryContext(ctx, nodeSelect+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpsertNode records a node announcement and marks the node online
func (s *DB) UpsertNode(ctx context.Context, ann models.NodeAnnouncement) (models.Node, error) {
	seen := ann.UpdatedAt
	if seen.IsZero() {
		seen = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (uuid, address, total_bytes, used_bytes, status, last_seen_at)
		VALUES (?, ?, ?, ?, 'online', ?)
		ON CONFLICT(uuid) DO UPDATE SET
			address = excluded.address,
			total_bytes = excluded.total_bytes,
			used_bytes = excluded.used_bytes,
			status = 'online',
			last_seen_at = excluded.last_seen_at
	`, ann.UUID, ann.Address, ann.TotalBytes, ann.UsedBytes, toNanos(seen)); err != nil {
		return models.Node{}, fmt.Errorf("store: upsert node %s: %w", ann.UUID, err)
	}
	return s.GetNodeByUUID(ctx, ann.UUID)
}

// GetNode returns the node with id or errs.ErrNotFound
func (s *DB) GetNode(ctx context.Context, id int64) (models.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, nodeSelect+" WHERE n.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Node{}, fmt.Errorf("node %d: %w", id, errs.ErrNotFound)
	}
	return n, err
}

// GetNodeByUUID returns the node with uuid or errs.ErrNotFound
func (s *DB) GetNodeByUUID(ctx context.Context, uuid string) (models.Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx, nodeSelect+" WHERE n.uuid = ?", uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Node{}, fmt.Errorf("node %s: %w", uuid, errs.ErrNotFound)
	}
	return n, err
}

// ListNodes returns every node ordered by id
func (s *DB) ListNodes(ctx context.Context) ([]models.Node, error) {
	return s.queryNodes(ctx, " ORDER BY n.id")
}

// OnlineNodes returns nodes eligible for placement
func (s *DB) OnlineNodes(ctx context.Context) ([]models.Node, error) {
	return s.queryNodes(ctx, " WHERE n.status = 'online' ORDER BY n.id")
}

// NodesWithNegativeUnclaimedStorage returns overcommitted nodes
func (s *DB) NodesWithNegativeUnclaimedStorage(ctx context.Context) ([]models.Node, error) {
	return s.queryNodes(ctx, " WHERE n.total_bytes - n.used_bytes - "+nodeReserved+" < 0 ORDER BY n.id")
}

// SetNodeStatus flips a node between online and offline. Returns false if nothing changed.
func (s *DB) SetNodeStatus(ctx context.Context, id int64, status models.NodeStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ? WHERE id = ? AND status != ?`, string(status), id, string(status))
	if err != nil {
		return false, fmt.Errorf("store: set node status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkNodesOfflineSeenBefore marks online nodes whose last announcement is older than cutoff
func (s *DB) MarkNodesOfflineSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = 'offline' WHERE status = 'online' AND last_seen_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: mark nodes offline: %w", err)
	}
	return res.RowsAffected()
}
