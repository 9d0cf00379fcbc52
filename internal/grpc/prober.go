// Package grpc probes search nodes over the standard gRPC health protocol.
package grpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/jobs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/utils"
)

const probeConcurrency = 8

// Periodic is implemented by jobs.Runner
type Periodic interface {
	Every(name string, interval time.Duration, job jobs.Job)
}

// ProbeResult counts the outcome of one probe pass
type ProbeResult struct {
	Healthy   int
	Unhealthy int
	Flipped   int
}

// NodeProber checks every node with an address and flips its status. A node that fails its
// probe goes offline; a node that passes comes back online only while its announcement is
// still fresh.
type NodeProber struct {
	pool   *ConnectionPool
	db     *store.DB
	cfg    config.NodesConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewNodeProber creates a prober over pool
func NewNodeProber(pool *ConnectionPool, db *store.DB, cfg config.NodesConfig, logger *logging.Logger) *NodeProber {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = utils.GRPCHealthCheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = utils.GRPCRequestTimeout
	}
	if cfg.LostTimeout <= 0 {
		cfg.LostTimeout = 2 * time.Minute
	}
	return &NodeProber{
		pool:   pool,
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "node_prober"),
		now:    time.Now,
	}
}

// Start probes on runner every nodes.probe_interval
func (p *NodeProber) Start(runner Periodic) {
	runner.Every("nodes.probe", p.cfg.ProbeInterval, func(ctx context.Context) error {
		_, err := p.ProbeAll(ctx)
		return err
	})
}

// Check runs one health check against address
func (p *NodeProber) Check(ctx context.Context, address string) error {
	conn, err := p.pool.GetConnection(address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("node reports %s", resp.GetStatus())
	}
	return nil
}

// ProbeAll checks every node concurrently
func (p *NodeProber) ProbeAll(ctx context.Context) (ProbeResult, error) {
	nodes, err := p.db.ListNodes(ctx)
	if err != nil {
		return ProbeResult{}, err
	}

	var healthyCount, unhealthyCount, flipped int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for _, node := range nodes {
		if node.Address == "" {
			continue
		}
		node := node
		g.Go(func() error {
			checkErr := p.Check(gctx, node.Address)
			status := models.NodeOnline
			if checkErr != nil {
				atomic.AddInt64(&unhealthyCount, 1)
				status = models.NodeOffline
			} else {
				atomic.AddInt64(&healthyCount, 1)
				if p.now().Sub(node.LastSeenAt) > p.cfg.LostTimeout {
					return nil
				}
			}

			changed, err := p.db.SetNodeStatus(gctx, node.ID, status)
			if err != nil {
				return err
			}
			if changed {
				atomic.AddInt64(&flipped, 1)
				p.logger.Warn("Node status changed",
					"node_uuid", node.UUID,
					"address", node.Address,
					"status", string(status),
					"error", checkErr)
				if checkErr != nil {
					p.pool.Remove(node.Address)
				}
			}
			return nil
		})
	}

	err = g.Wait()
	return ProbeResult{
		Healthy:   int(healthyCount),
		Unhealthy: int(unhealthyCount),
		Flipped:   int(flipped),
	}, err
}
