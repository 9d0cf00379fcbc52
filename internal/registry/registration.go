package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metadata"
	"github.com/soltixdb/searchcoord/internal/models"
)

// Announcer keeps a search node's record alive in the fleet metadata store. The record is
// bound to a ttl so a node that stops announcing disappears and node sync marks it offline.
type Announcer struct {
	meta     metadata.Manager
	node     models.NodeAnnouncement
	scanner  *DiskScanner
	ttl      time.Duration
	interval time.Duration
	logger   *logging.Logger
}

// NewAnnouncer creates an announcer. scanner may be nil when capacity is fixed in node.
func NewAnnouncer(
	meta metadata.Manager,
	node models.NodeAnnouncement,
	scanner *DiskScanner,
	ttl time.Duration,
	logger *logging.Logger,
) *Announcer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Announcer{
		meta:     meta,
		node:     node,
		scanner:  scanner,
		ttl:      ttl,
		interval: ttl / 3,
		logger:   logger.With("node_uuid", node.UUID),
	}
}

// Announce refreshes capacity and writes the node record once
func (a *Announcer) Announce(ctx context.Context) error {
	if a.scanner != nil {
		usage, err := a.scanner.Usage()
		if err != nil {
			return fmt.Errorf("failed to get disk usage: %w", err)
		}
		a.node.TotalBytes = usage.TotalBytes
		a.node.UsedBytes = usage.UsedBytes
	}
	a.node.UpdatedAt = time.Now().UTC()

	if err := a.meta.AnnounceNode(ctx, a.node, a.ttl); err != nil {
		return err
	}

	a.logger.Debug("Node announced",
		"address", a.node.Address,
		"total_bytes", a.node.TotalBytes,
		"used_bytes", a.node.UsedBytes)
	return nil
}

// Run announces immediately and then every ttl/3 until ctx is done
func (a *Announcer) Run(ctx context.Context) error {
	if err := a.Announce(ctx); err != nil {
		return err
	}
	a.logger.Info("Node registered", "address", a.node.Address, "ttl", a.ttl)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Announce(ctx); err != nil {
				a.logger.Error("Failed to refresh node announcement", "error", err)
			}
		}
	}
}

// Deregister removes the node record
func (a *Announcer) Deregister(ctx context.Context) error {
	if err := a.meta.Delete(ctx, metadata.NodesPrefix+a.node.UUID); err != nil {
		return fmt.Errorf("failed to delete node key: %w", err)
	}
	a.logger.Info("Node deregistered")
	return nil
}
