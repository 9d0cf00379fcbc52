package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soltixdb/searchcoord/internal/accounting"
	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/tasks"
	"github.com/soltixdb/searchcoord/internal/utils"
)

// TaskCreator is implemented by tasks.Generator
type TaskCreator interface {
	CreateTasks(ctx context.Context, scope tasks.Scope, taskType models.TaskType, opts tasks.Options) (bool, error)
	BulkCreate(ctx context.Context, projectIDs []int64, taskType models.TaskType, opts tasks.Options) (int, error)
}

// WatermarkController is implemented by watermark.Controller
type WatermarkController interface {
	Classify(ctx context.Context, indexIDs []int64, watermark string) (int, error)
	EvictOvercommitted(ctx context.Context, nodeIDs []int64) (int, error)
}

// FailureHandler is implemented by failure.Handler
type FailureHandler interface {
	HandleTaskFailed(ctx context.Context, settings features.Settings, taskID, repositoryID int64, taskType models.TaskType) error
}

// StorageRefresher is implemented by accounting.Refresher
type StorageRefresher interface {
	Run(ctx context.Context) (accounting.Result, error)
}

// RolloutRunner is implemented by rollout.Scheduler
type RolloutRunner interface {
	Execute(ctx context.Context, settings features.Settings, attempt int) error
}

// Handlers holds the per-event actions
type Handlers struct {
	DB        *store.DB
	Tasks     TaskCreator
	Watermark WatermarkController
	Failure   FailureHandler
	Refresher StorageRefresher
	Rollout   RolloutRunner
	Publisher events.Publisher
	Config    config.IndexingConfig
	Logger    *logging.Logger
}

// Decorators configure the cross-cutting wrappers applied by Register
type Decorators struct {
	Health        HealthChecker
	Dedup         DedupStore
	DedupTTL      time.Duration
	DedupRetry    time.Duration
	HealthBackoff time.Duration
}

// Register binds every event to its handler. Each handler is guarded by the feature gates,
// deferred while the registry is unhealthy, and trigger-style events are deduplicated:
// WithDedup(WithHealthDeferral(WithGuard(handler))).
func (h *Handlers) Register(d *Dispatcher, deco Decorators) {
	wrap := func(fn HandlerFunc, dedup bool) HandlerFunc {
		fn = WithGuard(fn)
		if deco.Health != nil {
			fn = WithHealthDeferral(deco.Health, deco.HealthBackoff, fn)
		}
		if dedup && deco.Dedup != nil {
			fn = WithDedup(deco.Dedup, deco.DedupTTL, deco.DedupRetry, fn)
		}
		return fn
	}

	d.Register(events.DefaultBranchChanged, wrap(h.defaultBranchChanged, false))
	d.Register(events.GroupArchived, wrap(h.groupArchived, true))
	d.Register(events.ProjectVisibilityChanged, wrap(h.forceReindexProject, false))
	d.Register(events.ProjectMarkedAsArchived, wrap(h.projectMarkedAsArchived, false))
	d.Register(events.IndexMarkedAsReady, wrap(h.indexMarkedAsReady, true))
	d.Register(events.IndexMarkedAsToDelete, wrap(h.indexMarkedAsToDelete, true))
	d.Register(events.OrphanedIndex, wrap(h.orphanedIndex, false))
	d.Register(events.OrphanedRepo, wrap(h.orphanedRepo, false))
	d.Register(events.TaskFailed, wrap(h.taskFailed, false))
	d.Register(events.IndexOverWatermark, wrap(h.indexOverWatermark, false))
	d.Register(events.IndexToEvict, wrap(h.indexToEvict, true))
	d.Register(events.NodeWithNegativeUnclaimedStorage, wrap(h.nodeWithNegativeUnclaimedStorage, true))
	d.Register(events.UpdateIndexUsedStorageBytes, wrap(h.updateIndexUsedStorageBytes, true))
	d.Register(events.ProjectCreated, wrap(h.projectCreated, false))
	d.Register(events.ProjectDeleted, wrap(h.projectDeleted, false))
	d.Register(events.ProjectTransferred, wrap(h.projectTransferred, false))
	d.Register(events.NamespaceEnabled, wrap(h.namespaceEnabled, false))
	d.Register(events.NamespaceDisabled, wrap(h.namespaceDisabled, false))
	d.Register(events.RolloutRequested, wrap(h.rolloutRequested, true))
}

// ============================================================================
// Project events
// ============================================================================

func (h *Handlers) defaultBranchChanged(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.DefaultBranchChangedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err := h.Tasks.CreateTasks(ctx, tasks.ForProject(p.ProjectID), models.TaskIndexRepo,
		tasks.Options{RootNamespaceID: p.RootNamespaceID})
	return err
}

func (h *Handlers) groupArchived(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.GroupArchivedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	batchSize := orDefault(h.Config.BatchSize, utils.DefaultBatchSize)
	batches, total := 0, 0
	var after int64
	for {
		projects, err := h.DB.DescendantProjects(ctx, p.GroupID, after, batchSize)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			break
		}

		ids := make([]int64, len(projects))
		for i, project := range projects {
			ids[i] = project.ID
		}
		if err := h.DB.ArchiveProjects(ctx, ids); err != nil {
			return err
		}
		if _, err := h.Tasks.BulkCreate(ctx, ids, models.TaskIndexRepo,
			tasks.Options{RootNamespaceID: p.RootNamespaceID}); err != nil {
			return err
		}

		batches++
		total += len(ids)
		after = ids[len(ids)-1]
		if len(projects) < batchSize {
			break
		}
	}

	h.Logger.Info("Group archived, projects queued for reindex",
		"group_id", p.GroupID, "projects", total, "batches", batches)
	return nil
}

func (h *Handlers) forceReindexProject(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.ProjectRef
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err := h.Tasks.CreateTasks(ctx, tasks.ForProject(p.ProjectID), models.TaskForceIndexRepo,
		tasks.Options{RootNamespaceID: p.RootNamespaceID})
	return err
}

func (h *Handlers) projectMarkedAsArchived(ctx context.Context, settings features.Settings, env events.Envelope) error {
	var p events.ProjectMarkedAsArchivedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := h.DB.MarkProjectArchived(ctx, p.ProjectID); err != nil {
		return err
	}
	return h.forceReindexProject(ctx, settings, env)
}

func (h *Handlers) projectCreated(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.ProjectCreatedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if err := h.DB.UpsertProject(ctx, models.Project{
		ID:              p.ProjectID,
		NamespaceID:     p.NamespaceID,
		RootNamespaceID: p.RootNamespaceID,
		TraversalIDs:    p.TraversalIDs,
		SizeBytes:       p.SizeBytes,
	}); err != nil {
		return err
	}
	_, err := h.Tasks.CreateTasks(ctx, tasks.ForProject(p.ProjectID), models.TaskIndexRepo,
		tasks.Options{RootNamespaceID: p.RootNamespaceID})
	return err
}

func (h *Handlers) projectDeleted(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.ProjectDeletedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	repos, err := h.DB.FindRepositories(ctx, store.Repositories().ForProject(p.ProjectID))
	if err != nil {
		return err
	}
	if len(repos) > 0 {
		if _, err := h.Tasks.CreateTasks(ctx, tasks.ForRepositories(repos...), models.TaskDeleteRepo, tasks.Options{}); err != nil {
			return err
		}
	}
	return h.DB.DeleteProject(ctx, p.ProjectID)
}

func (h *Handlers) projectTransferred(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.ProjectTransferredPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	project, err := h.DB.GetProject(ctx, p.ProjectID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		project = models.Project{ID: p.ProjectID}
	case err != nil:
		return err
	}
	project.NamespaceID = p.NamespaceID
	project.RootNamespaceID = p.RootNamespaceID
	project.TraversalIDs = p.TraversalIDs
	if err := h.DB.UpsertProject(ctx, project); err != nil {
		return err
	}

	if p.OldRootNamespaceID != p.RootNamespaceID {
		repos, err := h.DB.FindRepositories(ctx, store.Repositories().ForProject(p.ProjectID))
		if err != nil {
			return err
		}
		var stale []models.Repository
		for _, repo := range repos {
			idx, err := h.DB.GetIndex(ctx, repo.IndexID)
			if err != nil {
				return err
			}
			if idx.RootNamespaceID != p.RootNamespaceID {
				stale = append(stale, repo)
			}
		}
		if len(stale) > 0 {
			if _, err := h.Tasks.CreateTasks(ctx, tasks.ForRepositories(stale...), models.TaskDeleteRepo, tasks.Options{}); err != nil {
				return err
			}
		}
	}

	_, err = h.Tasks.CreateTasks(ctx, tasks.ForProject(p.ProjectID), models.TaskIndexRepo,
		tasks.Options{RootNamespaceID: p.RootNamespaceID})
	return err
}

// ============================================================================
// Index lifecycle events
// ============================================================================

func (h *Handlers) indexMarkedAsReady(ctx context.Context, _ features.Settings, _ events.Envelope) error {
	ids, err := h.DB.MarkIndicesReady(ctx, orDefault(h.Config.MarkReadyBatchSize, utils.DefaultBatchSize))
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		h.Logger.Info("Indices marked ready", "count", len(ids))
	}
	return nil
}

func (h *Handlers) indexMarkedAsToDelete(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.IndexMarkedAsToDeletePayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	for _, id := range p.IndexIDs {
		if err := h.deleteIndex(ctx, id); err != nil {
			return fmt.Errorf("delete index %d: %w", id, err)
		}
	}
	return nil
}

// deleteIndex destroys an empty index, or marks its repositories pending_deletion and queues
// delete_repo tasks so the nodes drop them first
func (h *Handlers) deleteIndex(ctx context.Context, id int64) error {
	has, err := h.DB.IndexHasRepositories(ctx, id)
	if err != nil {
		return err
	}
	if !has {
		destroyed, err := h.DB.DestroyIndex(ctx, id)
		if err != nil {
			return err
		}
		if destroyed {
			h.Logger.Info("Index destroyed", "index_id", id)
		}
		return nil
	}

	batchSize := orDefault(h.Config.DeleteBatchSize, utils.DefaultBatchSize)
	for {
		marked, err := h.DB.MarkRepositoriesPendingDeletion(ctx, id, batchSize)
		if err != nil {
			return err
		}
		if len(marked) < batchSize {
			break
		}
	}

	var after int64
	for {
		repos, err := h.DB.FindRepositories(ctx, store.Repositories().ForIndex(id).
			WithState(models.RepositoryPendingDeletion).After(after).Limit(batchSize))
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			return nil
		}
		if _, err := h.Tasks.CreateTasks(ctx, tasks.ForRepositories(repos...), models.TaskDeleteRepo, tasks.Options{}); err != nil {
			return err
		}
		after = repos[len(repos)-1].ID
	}
}

func (h *Handlers) orphanedIndex(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.OrphanedIndexPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	n, err := h.DB.MarkIndicesOrphaned(ctx, p.IndexIDs)
	if err != nil {
		return err
	}
	h.Logger.Info("Indices orphaned", "requested", len(p.IndexIDs), "updated", n)
	return nil
}

func (h *Handlers) orphanedRepo(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.OrphanedRepoPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	n, err := h.DB.MarkRepositoriesOrphaned(ctx, p.RepositoryIDs)
	if err != nil {
		return err
	}
	h.Logger.Info("Repositories orphaned", "requested", len(p.RepositoryIDs), "updated", n)
	return nil
}

func (h *Handlers) taskFailed(ctx context.Context, settings features.Settings, env events.Envelope) error {
	var p events.TaskFailedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return h.Failure.HandleTaskFailed(ctx, settings, p.TaskID, p.RepositoryID, p.TaskType)
}

// ============================================================================
// Storage events
// ============================================================================

func (h *Handlers) indexOverWatermark(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.IndexOverWatermarkPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err := h.Watermark.Classify(ctx, p.IndexIDs, p.Watermark)
	return err
}

// indexToEvict destroys the named indices. Without ids it evicts indices already escalated
// to critical, up to delete_batch_size.
func (h *Handlers) indexToEvict(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.IndexToEvictPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	ids := p.IndexIDs
	if len(ids) == 0 {
		critical, err := h.DB.FindIndices(ctx, store.Indices().WithWatermark(models.WatermarkCritical).
			Ordered().Limit(orDefault(h.Config.DeleteBatchSize, utils.DefaultBatchSize)))
		if err != nil {
			return err
		}
		for _, idx := range critical {
			ids = append(ids, idx.ID)
		}
	}

	evicted := 0
	for _, id := range ids {
		destroyed, err := h.DB.DestroyIndex(ctx, id)
		if err != nil {
			return err
		}
		if destroyed {
			evicted++
		}
	}
	if evicted > 0 {
		h.Logger.Info("Indices evicted", "count", evicted)
	}
	return nil
}

func (h *Handlers) nodeWithNegativeUnclaimedStorage(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.NodeWithNegativeUnclaimedStoragePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	_, err := h.Watermark.EvictOvercommitted(ctx, p.NodeIDs)
	return err
}

func (h *Handlers) updateIndexUsedStorageBytes(ctx context.Context, _ features.Settings, _ events.Envelope) error {
	_, err := h.Refresher.Run(ctx)
	return err
}

// ============================================================================
// Namespace and rollout events
// ============================================================================

func (h *Handlers) namespaceEnabled(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.NamespaceEnabledPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	created, err := h.DB.EnableNamespace(ctx, p.RootNamespaceID, p.NumberOfReplicas)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	h.Logger.Info("Namespace enabled", "root_namespace_id", p.RootNamespaceID, "replicas", p.NumberOfReplicas)
	return h.Publisher.Publish(ctx, events.RolloutRequested, events.RolloutRequestedPayload{})
}

func (h *Handlers) namespaceDisabled(ctx context.Context, _ features.Settings, env events.Envelope) error {
	var p events.NamespaceDisabledPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if _, err := h.DB.DisableNamespace(ctx, p.RootNamespaceID); err != nil {
		return err
	}

	indices, err := h.DB.FindIndices(ctx, store.Indices().ForNamespace(p.RootNamespaceID).
		WithState(models.IndexPending, models.IndexInitializing, models.IndexReady, models.IndexOrphaned).Ordered())
	if err != nil {
		return err
	}
	if len(indices) == 0 {
		return nil
	}

	ids := make([]int64, len(indices))
	for i, idx := range indices {
		ids[i] = idx.ID
	}
	if _, err := h.DB.MarkIndicesPendingDeletion(ctx, ids); err != nil {
		return err
	}
	h.Logger.Info("Namespace disabled", "root_namespace_id", p.RootNamespaceID, "indices", len(ids))
	return h.Publisher.Publish(ctx, events.IndexMarkedAsToDelete, events.IndexMarkedAsToDeletePayload{IndexIDs: ids})
}

func (h *Handlers) rolloutRequested(ctx context.Context, settings features.Settings, env events.Envelope) error {
	var p events.RolloutRequestedPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	return h.Rollout.Execute(ctx, settings, p.Attempt)
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
