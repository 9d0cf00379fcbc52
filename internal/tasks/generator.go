// Package tasks turns "index (or delete) this project" into deduplicated task rows,
// one per (repository, node) the project is routed to.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
)

const component = "tasks"

// Router picks the nodes a project's tasks go to. coordinator.Router implements it.
type Router interface {
	FetchNodesForIndexing(ctx context.Context, projectID, rootNamespaceID int64, nodeIDs []int64) ([]models.Node, error)
}

// Registry is the subset of store.DB the generator needs
type Registry interface {
	IndexForNamespaceOnNode(ctx context.Context, rootNamespaceID, nodeID int64) (models.Index, error)
	EnsureRepository(ctx context.Context, indexID, projectID int64, retries int) (models.Repository, error)
	GetIndex(ctx context.Context, id int64) (models.Index, error)
	GetProject(ctx context.Context, id int64) (models.Project, error)
	InsertTasks(ctx context.Context, tasks []store.NewTask, force bool) (int, error)
}

// Options tune a CreateTasks call
type Options struct {
	// NodeIDs restricts routing to these nodes
	NodeIDs []int64
	// Force orphans an existing live task so a new one is always created
	Force bool
	// Delay defers perform_at
	Delay time.Duration
	// RootNamespaceID skips the catalog lookup when routing
	RootNamespaceID int64
}

// Scope is what CreateTasks targets: a project, or explicit repositories
type Scope struct {
	ProjectID    int64
	Repositories []models.Repository
}

// ForProject scopes to every repository of a project on the nodes it routes to
func ForProject(projectID int64) Scope {
	return Scope{ProjectID: projectID}
}

// ForRepositories scopes to the given repositories
func ForRepositories(repos ...models.Repository) Scope {
	return Scope{Repositories: repos}
}

// Generator creates tasks
type Generator struct {
	registry Registry
	router   Router
	retries  int
	tracker  errs.Tracker
	logger   *logging.Logger
	now      func() time.Time
}

// NewGenerator creates a generator. retries seeds retries_left on repositories it creates.
func NewGenerator(registry Registry, router Router, retries int, tracker errs.Tracker, logger *logging.Logger) *Generator {
	return &Generator{
		registry: registry,
		router:   router,
		retries:  retries,
		tracker:  tracker,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateTasks inserts taskType tasks for scope. It returns false, nil when there is nothing
// to route to. Calling it repeatedly with the same arguments leaves at most one live task per
// (repository, task type).
func (g *Generator) CreateTasks(ctx context.Context, scope Scope, taskType models.TaskType, opts Options) (bool, error) {
	if _, err := models.ParseTaskType(string(taskType)); err != nil {
		return false, err
	}

	var batch []store.NewTask
	var err error
	if len(scope.Repositories) > 0 {
		batch, err = g.repositoryTasks(ctx, scope.Repositories, taskType, opts)
	} else {
		batch, err = g.projectTasks(ctx, scope.ProjectID, taskType, opts)
	}
	if err != nil {
		return false, err
	}
	if len(batch) == 0 {
		return false, nil
	}

	created, err := g.registry.InsertTasks(ctx, batch, opts.Force)
	if err != nil {
		return false, errs.TrackAndReturn(ctx, g.tracker, component, err,
			"project_id", scope.ProjectID, "task_type", string(taskType))
	}
	metrics.TasksCreated.WithLabelValues(string(taskType)).Add(float64(created))

	g.logger.Debug("Tasks created",
		"project_id", scope.ProjectID,
		"task_type", string(taskType),
		"requested", len(batch),
		"created", created)
	return true, nil
}

// BulkCreate runs CreateTasks for each project. It returns how many projects were routed.
func (g *Generator) BulkCreate(ctx context.Context, projectIDs []int64, taskType models.TaskType, opts Options) (int, error) {
	routed := 0
	for _, id := range projectIDs {
		ok, err := g.CreateTasks(ctx, ForProject(id), taskType, opts)
		if err != nil {
			return routed, fmt.Errorf("bulk create for project %d: %w", id, err)
		}
		if ok {
			routed++
		}
	}
	return routed, nil
}

func (g *Generator) projectTasks(ctx context.Context, projectID int64, taskType models.TaskType, opts Options) ([]store.NewTask, error) {
	nodes, err := g.router.FetchNodesForIndexing(ctx, projectID, opts.RootNamespaceID, opts.NodeIDs)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		g.logger.Debug("No nodes for project", "project_id", projectID)
		return nil, nil
	}

	rootNamespaceID := opts.RootNamespaceID
	if rootNamespaceID == 0 {
		project, err := g.registry.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		rootNamespaceID = project.RootNamespaceID
	}

	performAt := g.performAt(opts)
	batch := make([]store.NewTask, 0, len(nodes))
	for _, node := range nodes {
		idx, err := g.registry.IndexForNamespaceOnNode(ctx, rootNamespaceID, node.ID)
		if err != nil {
			return nil, err
		}
		repo, err := g.registry.EnsureRepository(ctx, idx.ID, projectID, g.retries)
		if err != nil {
			return nil, err
		}
		batch = append(batch, store.NewTask{
			RepositoryID: repo.ID,
			IndexID:      idx.ID,
			NodeID:       node.ID,
			ProjectID:    projectID,
			Type:         taskType,
			PerformAt:    performAt,
		})
	}
	return batch, nil
}

func (g *Generator) repositoryTasks(ctx context.Context, repos []models.Repository, taskType models.TaskType, opts Options) ([]store.NewTask, error) {
	var allowed map[int64]bool
	if len(opts.NodeIDs) > 0 {
		allowed = make(map[int64]bool, len(opts.NodeIDs))
		for _, id := range opts.NodeIDs {
			allowed[id] = true
		}
	}

	performAt := g.performAt(opts)
	indices := make(map[int64]models.Index)
	batch := make([]store.NewTask, 0, len(repos))
	for _, repo := range repos {
		idx, ok := indices[repo.IndexID]
		if !ok {
			var err error
			idx, err = g.registry.GetIndex(ctx, repo.IndexID)
			if err != nil {
				return nil, err
			}
			indices[repo.IndexID] = idx
		}
		if allowed != nil && !allowed[idx.NodeID] {
			continue
		}
		batch = append(batch, store.NewTask{
			RepositoryID: repo.ID,
			IndexID:      idx.ID,
			NodeID:       idx.NodeID,
			ProjectID:    repo.ProjectID,
			Type:         taskType,
			PerformAt:    performAt,
		})
	}
	return batch, nil
}

func (g *Generator) performAt(opts Options) time.Time {
	if opts.Delay <= 0 {
		return time.Time{}
	}
	return g.now().Add(opts.Delay)
}
