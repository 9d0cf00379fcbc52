package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
)

// liveIndexStates are the states in which an index still accepts indexing work
var liveIndexStates = []models.IndexState{models.IndexPending, models.IndexInitializing, models.IndexReady}

// Router resolves which nodes hold a project's namespace
type Router struct {
	db     *store.DB
	logger *logging.Logger
}

// NewRouter creates a router over the registry
func NewRouter(db *store.DB, logger *logging.Logger) *Router {
	return &Router{db: db, logger: logger}
}

// FetchNodesForIndexing returns the nodes with a live index for the project's root namespace.
// rootNamespaceID may be zero, in which case it is looked up in the project catalog.
// nodeIDs, when non-empty, restricts the result to those nodes. An unknown project or an
// unassigned namespace yields no nodes and no error.
func (r *Router) FetchNodesForIndexing(ctx context.Context, projectID, rootNamespaceID int64, nodeIDs []int64) ([]models.Node, error) {
	if rootNamespaceID == 0 {
		project, err := r.db.GetProject(ctx, projectID)
		if errors.Is(err, errs.ErrNotFound) {
			r.logger.Debug("Project not in catalog, nothing to route", "project_id", projectID)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("route project %d: %w", projectID, err)
		}
		rootNamespaceID = project.RootNamespaceID
	}

	indices, err := r.db.FindIndices(ctx, store.Indices().ForNamespace(rootNamespaceID).
		WithState(liveIndexStates...).Ordered())
	if err != nil {
		return nil, fmt.Errorf("route namespace %d: %w", rootNamespaceID, err)
	}

	var allowed map[int64]bool
	if len(nodeIDs) > 0 {
		allowed = make(map[int64]bool, len(nodeIDs))
		for _, id := range nodeIDs {
			allowed[id] = true
		}
	}

	seen := make(map[int64]bool)
	var nodes []models.Node
	for _, idx := range indices {
		if seen[idx.NodeID] || (allowed != nil && !allowed[idx.NodeID]) {
			continue
		}
		seen[idx.NodeID] = true

		node, err := r.db.GetNode(ctx, idx.NodeID)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("route namespace %d: %w", rootNamespaceID, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
