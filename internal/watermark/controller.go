// Package watermark persists storage-pressure classifications and selects indices to evict
// from overcommitted nodes.
package watermark

import (
	"context"
	"fmt"

	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
)

// Controller applies watermark levels and drives eviction
type Controller struct {
	db        *store.DB
	publisher events.Publisher
	batchSize int
	logger    *logging.Logger
}

// NewController creates a controller. batchSize caps how many indices are escalated to
// critical (and announced for eviction) per statement.
func NewController(db *store.DB, publisher events.Publisher, batchSize int, logger *logging.Logger) *Controller {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Controller{db: db, publisher: publisher, batchSize: batchSize, logger: logger}
}

// Classify records the "low" or "high" watermark on the named indices. Any other watermark
// value is a permanent error. Indices already at critical keep it.
func (c *Controller) Classify(ctx context.Context, indexIDs []int64, watermark string) (int, error) {
	level, err := models.ParseWatermark(watermark)
	if err != nil {
		return 0, err
	}
	if len(indexIDs) == 0 {
		return 0, nil
	}

	updated, err := c.db.SetWatermarkLevel(ctx, indexIDs, level)
	if err != nil {
		return updated, err
	}
	metrics.WatermarkClassified.WithLabelValues(watermark).Add(float64(updated))

	c.logger.Info("Watermark classified",
		"watermark", watermark,
		"requested", len(indexIDs),
		"updated", updated)
	return updated, nil
}

// SelectEvictionCandidates walks indices in the given order and picks them until their
// positive reservations add up to at least deficit. It returns the picked ids and the
// bytes they free. The greedy pass favours quick convergence over the smallest victim set.
func SelectEvictionCandidates(indices []models.Index, deficit int64) ([]int64, int64) {
	if deficit <= 0 {
		return nil, 0
	}

	var ids []int64
	var freed int64
	for _, idx := range indices {
		ids = append(ids, idx.ID)
		if idx.ReservedStorageBytes > 0 {
			freed += idx.ReservedStorageBytes
		}
		if freed >= deficit {
			break
		}
	}
	return ids, freed
}

func reservedBytes(indices []models.Index) int64 {
	var total int64
	for _, idx := range indices {
		if idx.ReservedStorageBytes > 0 {
			total += idx.ReservedStorageBytes
		}
	}
	return total
}

// EvictOvercommitted selects eviction candidates on every node with negative unclaimed
// storage, escalates them to critical and publishes IndexToEvict for each batch.
// Indices already at critical are subtracted from the deficit, so a repeated pass
// selects nothing new until those evictions land.
// nodeIDs, when non-empty, restricts the pass to those nodes.
// Candidates are visited largest reservation first, ties by id.
func (c *Controller) EvictOvercommitted(ctx context.Context, nodeIDs []int64) (int, error) {
	nodes, err := c.db.NodesWithNegativeUnclaimedStorage(ctx)
	if err != nil {
		return 0, err
	}

	var allowed map[int64]bool
	if len(nodeIDs) > 0 {
		allowed = make(map[int64]bool, len(nodeIDs))
		for _, id := range nodeIDs {
			allowed[id] = true
		}
	}

	var candidates []int64
	for _, node := range nodes {
		if allowed != nil && !allowed[node.ID] {
			continue
		}

		indices, err := c.db.FindIndices(ctx, store.Indices().ForNode(node.ID).NotCriticalWatermark().EvictionPriority())
		if err != nil {
			return 0, fmt.Errorf("eviction candidates for node %s: %w", node.UUID, err)
		}

		pending, err := c.db.FindIndices(ctx, store.Indices().ForNode(node.ID).WithWatermark(models.WatermarkCritical))
		if err != nil {
			return 0, fmt.Errorf("critical indices for node %s: %w", node.UUID, err)
		}

		// reservations already awaiting eviction count as freed
		deficit := -node.UnclaimedStorageBytes() - reservedBytes(pending)
		if deficit <= 0 {
			c.logger.Debug("Pending evictions cover node deficit",
				"node_uuid", node.UUID,
				"pending_indices", len(pending))
			continue
		}
		ids, freed := SelectEvictionCandidates(indices, deficit)
		if freed < deficit {
			c.logger.Warn("Evicting every remaining index cannot cover node deficit",
				"node_uuid", node.UUID,
				"deficit_bytes", deficit,
				"freed_bytes", freed)
		}
		c.logger.Info("Selected indices for eviction",
			"node_uuid", node.UUID,
			"deficit_bytes", deficit,
			"freed_bytes", freed,
			"indices", len(ids))
		candidates = append(candidates, ids...)
	}

	evicted := 0
	for start := 0; start < len(candidates); start += c.batchSize {
		end := start + c.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		n, err := c.db.SetWatermarkLevel(ctx, batch, models.WatermarkCritical)
		if err != nil {
			return evicted, err
		}
		evicted += n
		metrics.IndicesEvicted.Add(float64(n))

		if err := c.publisher.Publish(ctx, events.IndexToEvict, events.IndexToEvictPayload{IndexIDs: batch}); err != nil {
			return evicted, err
		}
	}
	return evicted, nil
}
