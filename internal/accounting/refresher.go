// Package accounting keeps each index's used-storage figure in step with its repositories.
package accounting

import (
	"context"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/store"
)

// Result summarizes one refresher run
type Result struct {
	Refreshed int
	Remaining int
}

// Refresher recomputes used storage for stale indices, one bounded batch per run
type Refresher struct {
	db        *store.DB
	publisher events.Publisher
	config    config.AccountingConfig
	logger    *logging.Logger
}

// NewRefresher creates a refresher
func NewRefresher(db *store.DB, publisher events.Publisher, cfg config.AccountingConfig, logger *logging.Logger) *Refresher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RepositoryBatchSize <= 0 {
		cfg.RepositoryBatchSize = 10000
	}
	return &Refresher{db: db, publisher: publisher, config: cfg, logger: logger}
}

// Run refreshes up to batch_size stale indices. A zero sum is stored as unknown rather than
// as an empty index. When stale indices remain, UpdateIndexUsedStorageBytes is published
// again so the next run continues the drain.
func (r *Refresher) Run(ctx context.Context) (Result, error) {
	var result Result

	stale, err := r.db.FindIndices(ctx, store.Indices().Stale().Ordered().Limit(r.config.BatchSize))
	if err != nil {
		return result, err
	}

	for _, idx := range stale {
		sum, err := r.db.SumRepositorySizes(ctx, idx.ID, r.config.RepositoryBatchSize)
		if err != nil {
			return result, err
		}

		var used *int64
		if sum > 0 {
			used = &sum
		}
		if err := r.db.UpdateIndexUsedStorage(ctx, idx.ID, used); err != nil {
			return result, err
		}
		result.Refreshed++
		metrics.StorageRefreshed.Inc()
	}

	result.Remaining, err = r.db.CountIndices(ctx, store.Indices().Stale())
	if err != nil {
		return result, err
	}

	if result.Refreshed > 0 {
		r.logger.Debug("Index storage refreshed", "refreshed", result.Refreshed, "remaining", result.Remaining)
	}

	if result.Remaining > 0 {
		if err := r.publisher.Publish(ctx, events.UpdateIndexUsedStorageBytes, nil); err != nil {
			return result, err
		}
	}
	return result, nil
}
