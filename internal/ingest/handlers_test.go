package ingest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/soltixdb/searchcoord/internal/accounting"
	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/coordinator"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/failure"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/tasks"
	"github.com/soltixdb/searchcoord/internal/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCreator counts BulkCreate batches
type countingCreator struct {
	*tasks.Generator
	bulkCalls int32
}

func (c *countingCreator) BulkCreate(ctx context.Context, ids []int64, taskType models.TaskType, opts tasks.Options) (int, error) {
	atomic.AddInt32(&c.bulkCalls, 1)
	return c.Generator.BulkCreate(ctx, ids, taskType, opts)
}

type fakeRollout struct {
	attempts []int
}

func (f *fakeRollout) Execute(_ context.Context, _ features.Settings, attempt int) error {
	f.attempts = append(f.attempts, attempt)
	return nil
}

type harness struct {
	db        *store.DB
	creator   *countingCreator
	recorder  *events.Recorder
	rollout   *fakeRollout
	dispatch  *Dispatcher
	node      models.Node
	index     models.Index
	namespace int64
}

// newHarness creates one node holding an index of namespace 10 and registers every handler
func newHarness(t *testing.T, settings features.Settings) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	node, err := db.UpsertNode(ctx, models.NodeAnnouncement{UUID: "node-1", TotalBytes: 1 << 30})
	require.NoError(t, err)
	idx, err := db.CreateReplicaWithIndex(ctx, 10, node.ID, 1<<20)
	require.NoError(t, err)

	logger := logging.NewNop()
	gen := tasks.NewGenerator(db, coordinator.NewRouter(db, logger), 3, errs.NewLogTracker(logger), logger)
	creator := &countingCreator{Generator: gen}
	recorder := &events.Recorder{}
	rollout := &fakeRollout{}

	h := &Handlers{
		DB:        db,
		Tasks:     creator,
		Watermark: watermark.NewController(db, recorder, 100, logger),
		Failure:   failure.NewHandler(db, creator, 0, logger),
		Refresher: accounting.NewRefresher(db, recorder, config.AccountingConfig{}, logger),
		Rollout:   rollout,
		Publisher: recorder,
		Config:    config.IndexingConfig{BatchSize: 1000, DeleteBatchSize: 2, MarkReadyBatchSize: 10},
		Logger:    logger,
	}
	d := NewDispatcher(features.Static(settings), logger)
	h.Register(d, Decorators{Health: db, Dedup: NewMemoryDedupStore()})

	return &harness{db: db, creator: creator, recorder: recorder, rollout: rollout,
		dispatch: d, node: node, index: idx, namespace: 10}
}

func (h *harness) handle(t *testing.T, name events.Name, payload interface{}) error {
	t.Helper()
	return h.dispatch.Handle(context.Background(), mustEnvelope(t, name, payload))
}

func (h *harness) addProjects(t *testing.T, namespaceID int64, traversal string, from, to int) {
	t.Helper()
	for id := from; id <= to; id++ {
		require.NoError(t, h.db.UpsertProject(context.Background(), models.Project{
			ID: int64(id), NamespaceID: namespaceID, RootNamespaceID: h.namespace, TraversalIDs: traversal,
		}))
	}
}

func (h *harness) liveTasks(t *testing.T, taskType models.TaskType) []models.Task {
	t.Helper()
	out, err := h.db.ListTasks(context.Background(), store.TaskFilter{
		Type:   taskType,
		States: []models.TaskState{models.TaskPending, models.TaskProcessing},
	})
	require.NoError(t, err)
	return out
}

func TestRegister_EveryEventHasAHandler(t *testing.T) {
	h := newHarness(t, allowed)
	assert.Equal(t, events.All, h.dispatch.Names())
}

func TestGroupArchived_BatchesDescendants(t *testing.T) {
	h := newHarness(t, allowed)
	// group 20 sits below root 10; project 9999 lives elsewhere
	h.addProjects(t, 20, "10/20/", 1, 2500)
	require.NoError(t, h.db.UpsertProject(context.Background(), models.Project{
		ID: 9999, NamespaceID: 30, RootNamespaceID: 10, TraversalIDs: "10/30/",
	}))

	require.NoError(t, h.handle(t, events.GroupArchived, events.GroupArchivedPayload{GroupID: 20, RootNamespaceID: 10}))

	assert.Equal(t, int32(3), atomic.LoadInt32(&h.creator.bulkCalls))
	assert.Len(t, h.liveTasks(t, models.TaskIndexRepo), 2500)

	p, err := h.db.GetProject(context.Background(), 2500)
	require.NoError(t, err)
	assert.True(t, p.Archived)
	p, err = h.db.GetProject(context.Background(), 9999)
	require.NoError(t, err)
	assert.False(t, p.Archived)
}

func TestGuard_SkipsWhenUnlicensed(t *testing.T) {
	h := newHarness(t, features.Settings{IndexingEnabled: true})
	h.addProjects(t, 10, "10/", 1, 1)

	require.NoError(t, h.handle(t, events.DefaultBranchChanged, events.DefaultBranchChangedPayload{ProjectID: 1}))
	assert.Empty(t, h.liveTasks(t, models.TaskIndexRepo))
}

func TestProjectEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("created", func(t *testing.T) {
		h := newHarness(t, allowed)
		require.NoError(t, h.handle(t, events.ProjectCreated, events.ProjectCreatedPayload{
			ProjectID: 5, NamespaceID: 10, RootNamespaceID: 10, TraversalIDs: "10/", SizeBytes: 300,
		}))

		p, err := h.db.GetProject(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(300), p.SizeBytes)
		require.Len(t, h.liveTasks(t, models.TaskIndexRepo), 1)
	})

	t.Run("visibility changed forces reindex", func(t *testing.T) {
		h := newHarness(t, allowed)
		h.addProjects(t, 10, "10/", 1, 1)

		require.NoError(t, h.handle(t, events.ProjectVisibilityChanged, events.ProjectRef{ProjectID: 1}))
		require.NoError(t, h.handle(t, events.ProjectVisibilityChanged, events.ProjectRef{ProjectID: 1}))

		all, err := h.db.ListTasks(ctx, store.TaskFilter{Type: models.TaskForceIndexRepo})
		require.NoError(t, err)
		assert.Len(t, all, 1, "pending force task reused")
	})

	t.Run("marked as archived", func(t *testing.T) {
		h := newHarness(t, allowed)
		h.addProjects(t, 10, "10/", 1, 1)

		require.NoError(t, h.handle(t, events.ProjectMarkedAsArchived, events.ProjectRef{ProjectID: 1, RootNamespaceID: 10}))
		p, err := h.db.GetProject(ctx, 1)
		require.NoError(t, err)
		assert.True(t, p.Archived)
		assert.Len(t, h.liveTasks(t, models.TaskForceIndexRepo), 1)
	})

	t.Run("deleted", func(t *testing.T) {
		h := newHarness(t, allowed)
		h.addProjects(t, 10, "10/", 1, 1)
		_, err := h.db.EnsureRepository(ctx, h.index.ID, 1, 3)
		require.NoError(t, err)

		require.NoError(t, h.handle(t, events.ProjectDeleted, events.ProjectRef{ProjectID: 1}))
		assert.Len(t, h.liveTasks(t, models.TaskDeleteRepo), 1)
		_, err = h.db.GetProject(ctx, 1)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("transferred", func(t *testing.T) {
		h := newHarness(t, allowed)
		other, err := h.db.CreateReplicaWithIndex(ctx, 40, h.node.ID, 1<<20)
		require.NoError(t, err)
		h.addProjects(t, 10, "10/", 1, 1)
		_, err = h.db.EnsureRepository(ctx, h.index.ID, 1, 3)
		require.NoError(t, err)

		require.NoError(t, h.handle(t, events.ProjectTransferred, events.ProjectTransferredPayload{
			ProjectID: 1, NamespaceID: 40, RootNamespaceID: 40, OldRootNamespaceID: 10, TraversalIDs: "40/",
		}))

		deletes := h.liveTasks(t, models.TaskDeleteRepo)
		require.Len(t, deletes, 1)
		assert.Equal(t, h.index.ID, deletes[0].IndexID)

		indexes := h.liveTasks(t, models.TaskIndexRepo)
		require.Len(t, indexes, 1)
		assert.Equal(t, other.ID, indexes[0].IndexID)
	})
}

func TestIndexMarkedAsToDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("empty index is destroyed", func(t *testing.T) {
		h := newHarness(t, allowed)
		require.NoError(t, h.handle(t, events.IndexMarkedAsToDelete, events.IndexIDsPayload{IndexIDs: []int64{h.index.ID}}))

		_, err := h.db.GetIndex(ctx, h.index.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("repositories are queued for deletion", func(t *testing.T) {
		h := newHarness(t, allowed)
		for project := int64(1); project <= 5; project++ {
			_, err := h.db.EnsureRepository(ctx, h.index.ID, project, 3)
			require.NoError(t, err)
		}

		require.NoError(t, h.handle(t, events.IndexMarkedAsToDelete, events.IndexIDsPayload{IndexIDs: []int64{h.index.ID}}))

		counts, err := h.db.RepositoryStateCounts(ctx, h.index.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, counts[models.RepositoryPendingDeletion])
		assert.Len(t, h.liveTasks(t, models.TaskDeleteRepo), 5)

		_, err = h.db.GetIndex(ctx, h.index.ID)
		require.NoError(t, err, "index kept until its repositories are gone")
	})
}

func TestOrphanEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowed)
	repo, err := h.db.EnsureRepository(ctx, h.index.ID, 1, 3)
	require.NoError(t, err)

	require.NoError(t, h.handle(t, events.OrphanedRepo, events.OrphanedRepoPayload{RepositoryIDs: []int64{repo.ID}}))
	repo, err = h.db.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryOrphaned, repo.State)

	require.NoError(t, h.handle(t, events.OrphanedIndex, events.IndexIDsPayload{IndexIDs: []int64{h.index.ID}}))
	idx, err := h.db.GetIndex(ctx, h.index.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IndexOrphaned, idx.State)
}

func TestTaskFailed_SchedulesRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowed)
	h.addProjects(t, 10, "10/", 1, 1)

	require.NoError(t, h.handle(t, events.DefaultBranchChanged, events.ProjectRef{ProjectID: 1}))
	live := h.liveTasks(t, models.TaskIndexRepo)
	require.Len(t, live, 1)

	require.NoError(t, h.handle(t, events.TaskFailed, events.TaskFailedPayload{TaskID: live[0].ID, RepositoryID: live[0].RepositoryID}))

	repo, err := h.db.GetRepository(ctx, live[0].RepositoryID)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.RetriesLeft)
	retry := h.liveTasks(t, models.TaskIndexRepo)
	require.Len(t, retry, 1)
	assert.NotEqual(t, live[0].ID, retry[0].ID)
}

func TestStorageEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("over watermark", func(t *testing.T) {
		h := newHarness(t, allowed)
		require.NoError(t, h.handle(t, events.IndexOverWatermark, events.IndexOverWatermarkPayload{
			IndexIDs: []int64{h.index.ID}, Watermark: "high",
		}))
		idx, err := h.db.GetIndex(ctx, h.index.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WatermarkHigh, idx.Watermark)

		err = h.handle(t, events.IndexOverWatermark, events.IndexOverWatermarkPayload{
			IndexIDs: []int64{h.index.ID}, Watermark: "extreme",
		})
		require.Error(t, err)
		assert.True(t, errs.IsPermanent(err))
	})

	t.Run("evict named indices", func(t *testing.T) {
		h := newHarness(t, allowed)
		require.NoError(t, h.handle(t, events.IndexToEvict, events.IndexIDsPayload{IndexIDs: []int64{h.index.ID}}))
		_, err := h.db.GetIndex(ctx, h.index.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("evict critical indices when no ids are given", func(t *testing.T) {
		h := newHarness(t, allowed)
		keep, err := h.db.CreateReplicaWithIndex(ctx, 11, h.node.ID, 10)
		require.NoError(t, err)
		_, err = h.db.SetWatermarkLevel(ctx, []int64{h.index.ID}, models.WatermarkCritical)
		require.NoError(t, err)

		require.NoError(t, h.handle(t, events.IndexToEvict, events.IndexIDsPayload{}))

		_, err = h.db.GetIndex(ctx, h.index.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		_, err = h.db.GetIndex(ctx, keep.ID)
		assert.NoError(t, err)
	})

	t.Run("negative unclaimed storage", func(t *testing.T) {
		h := newHarness(t, allowed)
		// node is 1 GiB; push reservations past it
		_, err := h.db.CreateReplicaWithIndex(ctx, 12, h.node.ID, 1<<30)
		require.NoError(t, err)

		require.NoError(t, h.handle(t, events.NodeWithNegativeUnclaimedStorage,
			events.NodeWithNegativeUnclaimedStoragePayload{NodeIDs: []int64{h.node.ID}}))
		assert.NotEmpty(t, h.recorder.Events(events.IndexToEvict))
	})

	t.Run("used storage refresh", func(t *testing.T) {
		h := newHarness(t, allowed)
		require.NoError(t, h.handle(t, events.UpdateIndexUsedStorageBytes, nil))

		idx, err := h.db.GetIndex(ctx, h.index.ID)
		require.NoError(t, err)
		assert.NotNil(t, idx.UsedStorageUpdatedAt)
	})
}

func TestNamespaceEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled requests a rollout once", func(t *testing.T) {
		h := newHarness(t, allowed)
		require.NoError(t, h.handle(t, events.NamespaceEnabled, events.NamespaceEnabledPayload{RootNamespaceID: 50, NumberOfReplicas: 2}))
		require.NoError(t, h.handle(t, events.NamespaceEnabled, events.NamespaceEnabledPayload{RootNamespaceID: 50, NumberOfReplicas: 2}))
		assert.Len(t, h.recorder.Events(events.RolloutRequested), 1)
	})

	t.Run("disabled marks indices for deletion", func(t *testing.T) {
		h := newHarness(t, allowed)
		_, err := h.db.EnableNamespace(ctx, 10, 1)
		require.NoError(t, err)

		require.NoError(t, h.handle(t, events.NamespaceDisabled, events.NamespaceDisabledPayload{RootNamespaceID: 10}))

		idx, err := h.db.GetIndex(ctx, h.index.ID)
		require.NoError(t, err)
		assert.Equal(t, models.IndexPendingDeletion, idx.State)

		published := h.recorder.Events(events.IndexMarkedAsToDelete)
		require.Len(t, published, 1)
		var p events.IndexIDsPayload
		require.NoError(t, published[0].Decode(&p))
		assert.Equal(t, []int64{h.index.ID}, p.IndexIDs)
	})
}

func TestRolloutRequested_PassesAttempt(t *testing.T) {
	h := newHarness(t, allowed)
	require.NoError(t, h.handle(t, events.RolloutRequested, events.RolloutRequestedPayload{Attempt: 2}))
	assert.Equal(t, []int{2}, h.rollout.attempts)
}

func TestIndexMarkedAsReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowed)
	_, err := h.db.MarkIndexInitializing(ctx, h.index.ID)
	require.NoError(t, err)

	require.NoError(t, h.handle(t, events.IndexMarkedAsReady, nil))

	idx, err := h.db.GetIndex(ctx, h.index.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IndexReady, idx.State)
}
