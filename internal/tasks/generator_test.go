package tasks

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/soltixdb/searchcoord/internal/coordinator"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noNodes struct{}

func (noNodes) FetchNodesForIndexing(context.Context, int64, int64, []int64) ([]models.Node, error) {
	return nil, nil
}

type failingInsert struct {
	*store.DB
}

func (failingInsert) InsertTasks(context.Context, []store.NewTask, bool) (int, error) {
	return 0, errors.New("disk I/O error")
}

type env struct {
	db    *store.DB
	gen   *Generator
	nodes []models.Node
}

// newEnv creates two nodes holding namespace 10 and registers projects 1..projects in it
func newEnv(t *testing.T, projects int) *env {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	e := &env{db: db}
	for _, uuid := range []string{"n1", "n2"} {
		n, err := db.UpsertNode(ctx, models.NodeAnnouncement{UUID: uuid, TotalBytes: 1 << 30})
		require.NoError(t, err)
		_, err = db.CreateReplicaWithIndex(ctx, 10, n.ID, 1<<20)
		require.NoError(t, err)
		e.nodes = append(e.nodes, n)
	}
	for id := 1; id <= projects; id++ {
		require.NoError(t, db.UpsertProject(ctx, models.Project{ID: int64(id), NamespaceID: 10, RootNamespaceID: 10, TraversalIDs: "10/"}))
	}

	logger := logging.NewNop()
	e.gen = NewGenerator(db, coordinator.NewRouter(db, logger), 3, errs.NewLogTracker(logger), logger)
	return e
}

func (e *env) liveTasks(t *testing.T, f store.TaskFilter) []models.Task {
	t.Helper()
	f.States = []models.TaskState{models.TaskPending, models.TaskProcessing}
	tasks, err := e.db.ListTasks(context.Background(), f)
	require.NoError(t, err)
	return tasks
}

func TestCreateTasks_OnePerNode(t *testing.T) {
	e := newEnv(t, 1)

	ok, err := e.gen.CreateTasks(context.Background(), ForProject(1), models.TaskIndexRepo, Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	tasks := e.liveTasks(t, store.TaskFilter{ProjectID: 1})
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].NodeID, tasks[1].NodeID)
	assert.NotEqual(t, tasks[0].RepositoryID, tasks[1].RepositoryID)
}

func TestCreateTasks_Idempotent(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.gen.CreateTasks(ctx, ForProject(1), models.TaskIndexRepo, Options{RootNamespaceID: 10})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tasks := e.liveTasks(t, store.TaskFilter{ProjectID: 1, Type: models.TaskIndexRepo})
	assert.Len(t, tasks, 2, "one live task per (repository, task type)")
}

func TestCreateTasks_Force(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	_, err := e.gen.CreateTasks(ctx, ForProject(1), models.TaskForceIndexRepo, Options{})
	require.NoError(t, err)
	first := e.liveTasks(t, store.TaskFilter{ProjectID: 1})

	_, err = e.gen.CreateTasks(ctx, ForProject(1), models.TaskForceIndexRepo, Options{Force: true})
	require.NoError(t, err)
	second := e.liveTasks(t, store.TaskFilter{ProjectID: 1})

	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	orphaned, err := e.db.ListTasks(ctx, store.TaskFilter{ProjectID: 1, States: []models.TaskState{models.TaskOrphaned}})
	require.NoError(t, err)
	assert.Len(t, orphaned, 2)
}

func TestCreateTasks_NodeFilterAndDelay(t *testing.T) {
	e := newEnv(t, 1)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.gen.now = func() time.Time { return now }

	ok, err := e.gen.CreateTasks(context.Background(), ForProject(1), models.TaskIndexRepo,
		Options{NodeIDs: []int64{e.nodes[1].ID}, Delay: time.Hour})
	require.NoError(t, err)
	assert.True(t, ok)

	tasks := e.liveTasks(t, store.TaskFilter{ProjectID: 1})
	require.Len(t, tasks, 1)
	assert.Equal(t, e.nodes[1].ID, tasks[0].NodeID)
	assert.True(t, tasks[0].PerformAt.Equal(now.Add(time.Hour)))
}

func TestCreateTasks_Repositories(t *testing.T) {
	e := newEnv(t, 2)
	ctx := context.Background()

	idx, err := e.db.IndexForNamespaceOnNode(ctx, 10, e.nodes[0].ID)
	require.NoError(t, err)
	r1, err := e.db.EnsureRepository(ctx, idx.ID, 1, 3)
	require.NoError(t, err)
	r2, err := e.db.EnsureRepository(ctx, idx.ID, 2, 3)
	require.NoError(t, err)

	ok, err := e.gen.CreateTasks(ctx, ForRepositories(r1, r2), models.TaskDeleteRepo, Options{})
	require.NoError(t, err)
	assert.True(t, ok)

	tasks := e.liveTasks(t, store.TaskFilter{Type: models.TaskDeleteRepo})
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, e.nodes[0].ID, task.NodeID)
	}
}

func TestCreateTasks_NoNodesIsNoop(t *testing.T) {
	e := newEnv(t, 1)
	gen := NewGenerator(e.db, noNodes{}, 3, nil, logging.NewNop())

	ok, err := gen.CreateTasks(context.Background(), ForProject(1), models.TaskIndexRepo, Options{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, e.liveTasks(t, store.TaskFilter{}))
}

func TestCreateTasks_UnknownTypeIsPermanent(t *testing.T) {
	e := newEnv(t, 1)

	_, err := e.gen.CreateTasks(context.Background(), ForProject(1), models.TaskType("reindex_everything"), Options{})
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
}

func TestCreateTasks_InsertFailureTrackedAndReturned(t *testing.T) {
	e := newEnv(t, 1)
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, zerolog.DebugLevel)
	gen := NewGenerator(failingInsert{e.db}, coordinator.NewRouter(e.db, logger), 3, errs.NewLogTracker(logger), logger)

	_, err := gen.CreateTasks(context.Background(), ForProject(1), models.TaskIndexRepo, Options{})
	require.Error(t, err)
	assert.False(t, errs.IsPermanent(err))
	assert.Contains(t, buf.String(), "disk I/O error")
	assert.Contains(t, buf.String(), `"component":"tasks"`)
}

func TestBulkCreate(t *testing.T) {
	e := newEnv(t, 3)

	routed, err := e.gen.BulkCreate(context.Background(), []int64{1, 2, 3, 404}, models.TaskIndexRepo, Options{RootNamespaceID: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, routed, "routing by namespace does not consult the catalog")

	assert.Len(t, e.liveTasks(t, store.TaskFilter{}), 8)
}
