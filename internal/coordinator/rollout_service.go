package coordinator

import (
	"context"
	"fmt"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
)

// ============================================================================
// RolloutService
// ============================================================================
//
// Assigns enabled namespaces that are short of replicas to nodes.
//
// Flow per run:
//  1. Load up to batch_size namespaces missing replicas and the online nodes
//  2. Reserve max(catalog size * reservation_factor, min_reservation_bytes)
//  3. Rank nodes by rendezvous hash on the namespace key and take the missing
//     number of nodes that do not hold the namespace yet and whose unclaimed
//     storage fits the reservation
//  4. Create replica + index on each, seed one repository and index_repo task
//     per project of the namespace, then mark the index initializing. A
//     placement that fails halfway is destroyed so the next run retries it.
//
// ============================================================================

// RolloutResult summarizes one rollout run
type RolloutResult struct {
	// Namespaces is how many namespaces got at least one index
	Namespaces int
	// Indices is how many indices were created (or would be, on a dry run)
	Indices int
	// Tasks is how many index_repo tasks were seeded
	Tasks int
	// Unplaced lists namespaces no node had room for
	Unplaced []int64
}

// Changed reports whether the run assigned anything
func (r RolloutResult) Changed() bool {
	return r.Indices > 0
}

// RolloutRegistry is the subset of store.DB the rollout service needs
type RolloutRegistry interface {
	NamespacesMissingReplicas(ctx context.Context, limit int) ([]models.EnabledNamespace, error)
	OnlineNodes(ctx context.Context) ([]models.Node, error)
	NamespaceProjectSize(ctx context.Context, rootNamespaceID int64) (int64, error)
	FindIndices(ctx context.Context, scope store.IndexScope) ([]models.Index, error)
	CreateReplicaWithIndex(ctx context.Context, rootNamespaceID, nodeID, reservedBytes int64) (models.Index, error)
	ProjectsInRootNamespace(ctx context.Context, rootNamespaceID, after int64, limit int) ([]models.Project, error)
	EnsureRepository(ctx context.Context, indexID, projectID int64, retries int) (models.Repository, error)
	InsertTasks(ctx context.Context, tasks []store.NewTask, force bool) (int, error)
	MarkIndexInitializing(ctx context.Context, id int64) (bool, error)
	DestroyIndex(ctx context.Context, id int64) (bool, error)
}

// RolloutService places namespaces on nodes
type RolloutService struct {
	db      RolloutRegistry
	config  config.RolloutConfig
	retries int
	logger  *logging.Logger
}

// NewRolloutService creates a rollout service. repositoryRetries seeds retries_left on new repositories.
func NewRolloutService(db RolloutRegistry, cfg config.RolloutConfig, repositoryRetries int, logger *logging.Logger) *RolloutService {
	return &RolloutService{db: db, config: cfg, retries: repositoryRetries, logger: logger}
}

// Execute runs one placement pass. A dry run computes placements without writing.
func (s *RolloutService) Execute(ctx context.Context, dryRun bool) (RolloutResult, error) {
	var result RolloutResult

	namespaces, err := s.db.NamespacesMissingReplicas(ctx, s.batchSize())
	if err != nil {
		return result, err
	}
	if len(namespaces) == 0 {
		s.logger.Debug("No namespaces awaiting rollout")
		return result, nil
	}

	nodes, err := s.db.OnlineNodes(ctx)
	if err != nil {
		return result, err
	}
	if len(nodes) == 0 {
		s.logger.Warn("No online nodes for rollout", "pending_namespaces", len(namespaces))
		for _, ns := range namespaces {
			result.Unplaced = append(result.Unplaced, ns.RootNamespaceID)
		}
		return result, nil
	}

	// reservations made in this run are tracked locally so later namespaces see them
	reserved := make(map[int64]int64, len(nodes))
	hash := NewRendezvousHash(nodes)

	for _, ns := range namespaces {
		size, err := s.db.NamespaceProjectSize(ctx, ns.RootNamespaceID)
		if err != nil {
			return result, err
		}
		want := s.reservation(size)

		replicas := ns.NumberOfReplicas
		if replicas < 1 {
			replicas = 1
		}
		holders, err := s.holders(ctx, ns.RootNamespaceID)
		if err != nil {
			return result, err
		}
		targets := hash.GetNodes(NamespaceKey(ns.RootNamespaceID), replicas-ns.Replicas, func(n models.Node) bool {
			return !holders[n.ID] && n.UnclaimedStorageBytes()-reserved[n.ID] >= want
		})
		if len(targets) == 0 {
			s.logger.Warn("No node can fit namespace",
				"root_namespace_id", ns.RootNamespaceID,
				"reservation_bytes", want)
			result.Unplaced = append(result.Unplaced, ns.RootNamespaceID)
			continue
		}

		for _, node := range targets {
			reserved[node.ID] += want
			result.Indices++
			if dryRun {
				s.logger.Info("Rollout dry run placement",
					"root_namespace_id", ns.RootNamespaceID,
					"node_uuid", node.UUID,
					"reservation_bytes", want)
				continue
			}

			tasks, err := s.place(ctx, ns.RootNamespaceID, node, want)
			if err != nil {
				return result, err
			}
			result.Tasks += tasks
		}
		result.Namespaces++
	}

	return result, nil
}

// holders returns the nodes that already hold a live index of the namespace
func (s *RolloutService) holders(ctx context.Context, rootNamespaceID int64) (map[int64]bool, error) {
	indices, err := s.db.FindIndices(ctx, store.Indices().ForNamespace(rootNamespaceID).
		WithState(models.IndexPending, models.IndexInitializing, models.IndexReady))
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(indices))
	for _, idx := range indices {
		out[idx.NodeID] = true
	}
	return out, nil
}

// place creates the index on node and seeds its repositories and tasks. On error the
// index is destroyed again, taking its repositories and tasks with it.
func (s *RolloutService) place(ctx context.Context, rootNamespaceID int64, node models.Node, reservation int64) (int, error) {
	idx, err := s.db.CreateReplicaWithIndex(ctx, rootNamespaceID, node.ID, reservation)
	if err != nil {
		return 0, fmt.Errorf("place namespace %d on %s: %w", rootNamespaceID, node.UUID, err)
	}

	created, err := s.seed(ctx, rootNamespaceID, idx, node)
	if err != nil {
		if _, derr := s.db.DestroyIndex(ctx, idx.ID); derr != nil {
			s.logger.Error("Failed to roll back partial placement",
				"index_id", idx.ID, "node_uuid", node.UUID, "error", derr)
		}
		return 0, fmt.Errorf("place namespace %d on %s: %w", rootNamespaceID, node.UUID, err)
	}

	s.logger.Info("Namespace placed",
		"root_namespace_id", rootNamespaceID,
		"node_uuid", node.UUID,
		"index_id", idx.ID,
		"reservation_bytes", reservation,
		"tasks", created)
	return created, nil
}

func (s *RolloutService) seed(ctx context.Context, rootNamespaceID int64, idx models.Index, node models.Node) (int, error) {
	created := 0
	var after int64
	for {
		projects, err := s.db.ProjectsInRootNamespace(ctx, rootNamespaceID, after, s.batchSize())
		if err != nil {
			return created, err
		}
		if len(projects) == 0 {
			break
		}

		batch := make([]store.NewTask, 0, len(projects))
		for _, p := range projects {
			repo, err := s.db.EnsureRepository(ctx, idx.ID, p.ID, s.retries)
			if err != nil {
				return created, err
			}
			batch = append(batch, store.NewTask{
				RepositoryID: repo.ID,
				IndexID:      idx.ID,
				NodeID:       node.ID,
				ProjectID:    p.ID,
				Type:         models.TaskIndexRepo,
			})
		}

		n, err := s.db.InsertTasks(ctx, batch, false)
		if err != nil {
			return created, err
		}
		created += n
		metrics.TasksCreated.WithLabelValues(string(models.TaskIndexRepo)).Add(float64(n))
		after = projects[len(projects)-1].ID
	}

	if _, err := s.db.MarkIndexInitializing(ctx, idx.ID); err != nil {
		return created, err
	}
	return created, nil
}

func (s *RolloutService) reservation(size int64) int64 {
	want := int64(float64(size) * s.config.ReservationFactor)
	if want < s.config.MinReservationBytes {
		want = s.config.MinReservationBytes
	}
	return want
}

func (s *RolloutService) batchSize() int {
	if s.config.BatchSize > 0 {
		return s.config.BatchSize
	}
	return 100
}
