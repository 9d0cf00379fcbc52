// Package failure spends repository retry budgets when indexing tasks fail.
package failure

import (
	"context"
	"errors"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/tasks"
)

// TaskCreator schedules the follow-up indexing task. tasks.Generator implements it.
type TaskCreator interface {
	CreateTasks(ctx context.Context, scope tasks.Scope, taskType models.TaskType, opts tasks.Options) (bool, error)
}

// Handler reacts to TaskFailed
type Handler struct {
	db         *store.DB
	creator    TaskCreator
	retryDelay time.Duration
	logger     *logging.Logger
}

// NewHandler creates a failure handler. retryDelay defers the re-index task it schedules.
func NewHandler(db *store.DB, creator TaskCreator, retryDelay time.Duration, logger *logging.Logger) *Handler {
	return &Handler{db: db, creator: creator, retryDelay: retryDelay, logger: logger}
}

// HandleTaskFailed closes the failed task (when taskID is non-zero) and takes one retry
// from the repository. A task that is no longer live was already settled, so a repeated
// delivery spends nothing. taskType names the failed work for events without a task row.
// An exhausted repository stops retrying; otherwise the same kind of task is scheduled
// after the retry delay.
func (h *Handler) HandleTaskFailed(ctx context.Context, settings features.Settings, taskID, repositoryID int64, taskType models.TaskType) error {
	if !settings.IndexingAllowed() {
		return nil
	}

	if taskID != 0 {
		task, err := h.db.FailTask(ctx, taskID)
		if errors.Is(err, errs.ErrNotFound) {
			h.logger.Debug("Failed task already settled", "task_id", taskID, "repository_id", repositoryID)
			return nil
		}
		if err != nil {
			return err
		}
		taskType = task.Type
	}

	repo, decremented, err := h.db.DecrementRetries(ctx, repositoryID)
	if errors.Is(err, errs.ErrNotFound) {
		h.logger.Debug("Failed task's repository is gone", "repository_id", repositoryID)
		return nil
	}
	if err != nil {
		return err
	}

	if repo.RetriesLeft <= 0 {
		if decremented {
			h.exhausted(ctx, repo, taskType)
		}
		return nil
	}

	retry, ok := retryType(taskType, repo.State)
	if !ok {
		h.logger.Debug("No retry for repository",
			"repository_id", repo.ID, "state", string(repo.State), "task_type", string(taskType))
		return nil
	}

	if _, err := h.creator.CreateTasks(ctx, tasks.ForRepositories(repo), retry,
		tasks.Options{Delay: h.retryDelay}); err != nil {
		return err
	}

	h.logger.Info("Repository retry scheduled",
		"repository_id", repo.ID,
		"task_type", string(retry),
		"retries_left", repo.RetriesLeft,
		"delay", h.retryDelay)
	return nil
}

func (h *Handler) exhausted(ctx context.Context, repo models.Repository, taskType models.TaskType) {
	if repo.State != models.RepositoryFailed {
		h.logger.WithContext(ctx).Warn("Repository retries exhausted",
			"repository_id", repo.ID,
			"state", string(repo.State),
			"task_type", string(taskType))
		return
	}
	metrics.RepositoriesFailed.Inc()
	h.logger.WithContext(ctx).Warn("Repository indexing failed permanently",
		"event", "repository_failed",
		"repository_id", repo.ID,
		"index_id", repo.IndexID,
		"project_id", repo.ProjectID)
}

// retryType repeats deletes and keeps deletion-bound repositories on the delete path.
// Orphaned repositories are never re-indexed.
func retryType(failed models.TaskType, state models.RepositoryState) (models.TaskType, bool) {
	switch {
	case failed == models.TaskDeleteRepo, state == models.RepositoryPendingDeletion:
		return models.TaskDeleteRepo, true
	case state == models.RepositoryOrphaned:
		return "", false
	case failed == models.TaskForceIndexRepo:
		return models.TaskForceIndexRepo, true
	default:
		return models.TaskIndexRepo, true
	}
}
