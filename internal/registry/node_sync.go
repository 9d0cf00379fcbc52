// Package registry keeps the coordinator's node table in step with the fleet announcements
// held in etcd.
package registry

import (
	"context"
	"time"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/jobs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metadata"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/store"
)

// Periodic is implemented by jobs.Runner
type Periodic interface {
	Every(name string, interval time.Duration, job jobs.Job)
}

// SyncResult summarises one sync pass
type SyncResult struct {
	Announced int
	Lost      int64
	Online    int
}

// NodeSync copies node announcements into the registry and marks silent nodes offline
type NodeSync struct {
	meta   metadata.Manager
	db     *store.DB
	cfg    config.NodesConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewNodeSync creates a node sync
func NewNodeSync(meta metadata.Manager, db *store.DB, cfg config.NodesConfig, logger *logging.Logger) *NodeSync {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Second
	}
	if cfg.LostTimeout <= 0 {
		cfg.LostTimeout = 2 * time.Minute
	}
	return &NodeSync{
		meta:   meta,
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "node_sync"),
		now:    time.Now,
	}
}

// Start syncs on runner every nodes.sync_interval
func (s *NodeSync) Start(runner Periodic) {
	runner.Every("nodes.sync", s.cfg.SyncInterval, func(ctx context.Context) error {
		_, err := s.Sync(ctx)
		return err
	})
}

// Sync runs one pass. A node whose last announcement is older than nodes.lost_timeout goes offline.
func (s *NodeSync) Sync(ctx context.Context) (SyncResult, error) {
	announcements, err := s.meta.ListNodes(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	var result SyncResult
	for _, ann := range announcements {
		if _, err := s.db.UpsertNode(ctx, ann); err != nil {
			return result, err
		}
		result.Announced++
	}

	lost, err := s.db.MarkNodesOfflineSeenBefore(ctx, s.now().Add(-s.cfg.LostTimeout))
	if err != nil {
		return result, err
	}
	result.Lost = lost
	if lost > 0 {
		s.logger.Warn("Nodes marked offline", "count", lost, "lost_timeout", s.cfg.LostTimeout)
	}

	online, err := s.db.OnlineNodes(ctx)
	if err != nil {
		return result, err
	}
	result.Online = len(online)
	metrics.NodesOnline.Set(float64(result.Online))

	s.logger.Debug("Nodes synced", "announced", result.Announced, "online", result.Online)
	return result, nil
}
