// Package scheduling runs the periodic sweeps that turn registry state into trigger events.
package scheduling

import (
	"context"
	"time"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/jobs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/tasks"
	"github.com/soltixdb/searchcoord/internal/utils"
)

// ============================================================================
// Scheduling service
// ============================================================================
//
// Sweeps run on the job runner at indexing.schedule_interval (rollout at
// rollout.interval). Each one reads the registry and, when there is work,
// publishes the event whose handler does it:
//
//	mark_ready        initializing indices with finished repos -> IndexMarkedAsReady
//	delete_indices    pending_deletion indices                 -> IndexMarkedAsToDelete
//	overcommit        nodes with negative unclaimed storage    -> NodeWithNegativeUnclaimedStorage
//	storage           indices with stale used storage          -> UpdateIndexUsedStorageBytes
//	reconcile         repositories due a reindex, no live task -> index_repo tasks
//	rollout           always                                   -> RolloutRequested
//
// ============================================================================

// TaskCreator is implemented by tasks.Generator
type TaskCreator interface {
	CreateTasks(ctx context.Context, scope tasks.Scope, taskType models.TaskType, opts tasks.Options) (bool, error)
}

// Periodic is implemented by jobs.Runner
type Periodic interface {
	Every(name string, interval time.Duration, job jobs.Job)
}

// Service owns the sweeps
type Service struct {
	db        *store.DB
	publisher events.Publisher
	creator   TaskCreator
	settings  features.Source
	indexing  config.IndexingConfig
	rollout   config.RolloutConfig
	logger    *logging.Logger
}

// NewService creates the scheduling service
func NewService(
	db *store.DB,
	publisher events.Publisher,
	creator TaskCreator,
	settings features.Source,
	indexing config.IndexingConfig,
	rollout config.RolloutConfig,
	logger *logging.Logger,
) *Service {
	if indexing.ScheduleInterval <= 0 {
		indexing.ScheduleInterval = time.Minute
	}
	if indexing.DeleteBatchSize <= 0 {
		indexing.DeleteBatchSize = utils.DefaultBatchSize
	}
	if indexing.ReconcileBatchSize <= 0 {
		indexing.ReconcileBatchSize = utils.DefaultBatchSize
	}
	if rollout.Interval <= 0 {
		rollout.Interval = 10 * time.Minute
	}
	return &Service{
		db:        db,
		publisher: publisher,
		creator:   creator,
		settings:  settings,
		indexing:  indexing,
		rollout:   rollout,
		logger:    logger.With("component", "scheduling"),
	}
}

// Start registers every sweep on runner
func (s *Service) Start(runner Periodic) {
	every := s.indexing.ScheduleInterval
	runner.Every("schedule.mark_ready", every, s.guarded(s.MarkReady))
	runner.Every("schedule.delete_indices", every, s.guarded(s.DeleteIndices))
	runner.Every("schedule.overcommit", every, s.guarded(s.Overcommit))
	runner.Every("schedule.storage", every, s.guarded(s.Storage))
	runner.Every("schedule.reconcile", every, s.guarded(s.Reconcile))
	if s.rollout.Enabled {
		runner.Every("schedule.rollout", s.rollout.Interval, s.Rollout)
	}

	s.logger.Info("Scheduling service started",
		"interval", every,
		"rollout_enabled", s.rollout.Enabled,
		"rollout_interval", s.rollout.Interval)
}

func (s *Service) guarded(job jobs.Job) jobs.Job {
	return func(ctx context.Context) error {
		if !s.settings.Current(ctx).IndexingAllowed() {
			return nil
		}
		return job(ctx)
	}
}

// MarkReady publishes IndexMarkedAsReady when an initializing index has finished all its repositories
func (s *Service) MarkReady(ctx context.Context) error {
	n, err := s.db.CountIndices(ctx, store.Indices().Initializing().WithAllFinishedRepositories())
	if err != nil || n == 0 {
		return err
	}
	s.logger.Debug("Indices ready for transition", "count", n)
	return s.publisher.Publish(ctx, events.IndexMarkedAsReady, nil)
}

// DeleteIndices publishes IndexMarkedAsToDelete for pending_deletion indices
func (s *Service) DeleteIndices(ctx context.Context) error {
	indices, err := s.db.FindIndices(ctx, store.Indices().WithState(models.IndexPendingDeletion).
		Ordered().Limit(s.indexing.DeleteBatchSize))
	if err != nil || len(indices) == 0 {
		return err
	}

	ids := make([]int64, len(indices))
	for i, idx := range indices {
		ids[i] = idx.ID
	}
	return s.publisher.Publish(ctx, events.IndexMarkedAsToDelete, events.IndexMarkedAsToDeletePayload{IndexIDs: ids})
}

// Overcommit publishes NodeWithNegativeUnclaimedStorage naming every overcommitted node
func (s *Service) Overcommit(ctx context.Context) error {
	nodes, err := s.db.NodesWithNegativeUnclaimedStorage(ctx)
	if err != nil || len(nodes) == 0 {
		return err
	}

	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	s.logger.Warn("Nodes overcommitted", "nodes", len(ids))
	return s.publisher.Publish(ctx, events.NodeWithNegativeUnclaimedStorage,
		events.NodeWithNegativeUnclaimedStoragePayload{NodeIDs: ids})
}

// Storage publishes UpdateIndexUsedStorageBytes when some index has a stale usage figure
func (s *Service) Storage(ctx context.Context) error {
	n, err := s.db.CountIndices(ctx, store.Indices().Stale())
	if err != nil || n == 0 {
		return err
	}
	return s.publisher.Publish(ctx, events.UpdateIndexUsedStorageBytes, nil)
}

// Reconcile creates index_repo tasks for repositories that should be reindexed and have no live task
func (s *Service) Reconcile(ctx context.Context) error {
	repos, err := s.db.FindRepositories(ctx, store.Repositories().ShouldBeReindexed().
		WithoutPendingOrProcessingTasks().Limit(s.indexing.ReconcileBatchSize))
	if err != nil || len(repos) == 0 {
		return err
	}

	if _, err := s.creator.CreateTasks(ctx, tasks.ForRepositories(repos...), models.TaskIndexRepo, tasks.Options{}); err != nil {
		return err
	}
	s.logger.Info("Repositories queued for reindex", "count", len(repos))
	return nil
}

// Rollout publishes RolloutRequested. The scheduler restarts its own retry chain from attempt 0.
func (s *Service) Rollout(ctx context.Context) error {
	settings := s.settings.Current(ctx)
	if !settings.RolloutAllowed() {
		return nil
	}
	return s.publisher.Publish(ctx, events.RolloutRequested, events.RolloutRequestedPayload{})
}
