package failure

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/soltixdb/searchcoord/internal/coordinator"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var enabled = features.Settings{IndexingEnabled: true, Licensed: true}

type fixture struct {
	db      *store.DB
	handler *Handler
	repo    models.Repository
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	node, err := db.UpsertNode(ctx, models.NodeAnnouncement{UUID: "n1", TotalBytes: 1 << 30})
	require.NoError(t, err)
	idx, err := db.CreateReplicaWithIndex(ctx, 10, node.ID, 1<<20)
	require.NoError(t, err)
	repo, err := db.EnsureRepository(ctx, idx.ID, 1, 3)
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	logger := logging.NewWithWriter(buf, zerolog.InfoLevel)
	gen := tasks.NewGenerator(db, coordinator.NewRouter(db, logger), 3, nil, logger)
	return &fixture{
		db:      db,
		handler: NewHandler(db, gen, time.Minute, logger),
		repo:    repo,
		logs:    buf,
	}
}

func (f *fixture) reload(t *testing.T) models.Repository {
	t.Helper()
	repo, err := f.db.GetRepository(context.Background(), f.repo.ID)
	require.NoError(t, err)
	return repo
}

func TestHandleTaskFailed_SchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.InsertTasks(ctx, []store.NewTask{{RepositoryID: f.repo.ID, IndexID: f.repo.IndexID, NodeID: 1, ProjectID: 1, Type: models.TaskIndexRepo}}, false)
	require.NoError(t, err)
	claimed, err := f.db.ClaimTasks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	before := time.Now()
	require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, claimed[0].ID, f.repo.ID, ""))

	assert.Equal(t, 2, f.reload(t).RetriesLeft)

	failed, err := f.db.ListTasks(ctx, store.TaskFilter{States: []models.TaskState{models.TaskFailed}})
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	pending, err := f.db.ListTasks(ctx, store.TaskFilter{States: []models.TaskState{models.TaskPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].PerformAt.After(before.Add(59*time.Second)))
}

func TestHandleTaskFailed_ExhaustsIntoFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []int
	for i := 0; i < 5; i++ {
		require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 0, f.repo.ID, ""))
		seen = append(seen, f.reload(t).RetriesLeft)
	}

	assert.Equal(t, []int{2, 1, 0, 0, 0}, seen)
	assert.Equal(t, models.RepositoryFailed, f.reload(t).State)
	assert.Equal(t, 1, bytes.Count(f.logs.Bytes(), []byte(`"event":"repository_failed"`)), "terminal event logged once")
}

func TestHandleTaskFailed_ConcurrentNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 0, f.repo.ID, ""))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.reload(t).RetriesLeft)
}

func TestHandleTaskFailed_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleTaskFailed(ctx, features.Settings{Licensed: true}, 0, f.repo.ID, ""))
	assert.Equal(t, 3, f.reload(t).RetriesLeft, "disabled indexing is a no-op")

	require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 0, 999, ""), "missing repository is skipped")
	require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 999, f.repo.ID, ""), "missing task is skipped")
	assert.Equal(t, 3, f.reload(t).RetriesLeft, "settled task spends nothing")
}

func TestHandleTaskFailed_RepeatedDeliverySpendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.InsertTasks(ctx, []store.NewTask{{RepositoryID: f.repo.ID, IndexID: f.repo.IndexID, NodeID: 1, ProjectID: 1, Type: models.TaskIndexRepo}}, false)
	require.NoError(t, err)
	claimed, err := f.db.ClaimTasks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, claimed[0].ID, f.repo.ID, models.TaskIndexRepo))
	}
	assert.Equal(t, 2, f.reload(t).RetriesLeft)
}

func TestHandleTaskFailed_RetriesDeleteAsDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	marked, err := f.db.MarkRepositoriesPendingDeletion(ctx, f.repo.IndexID, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{f.repo.ID}, marked)

	_, err = f.db.InsertTasks(ctx, []store.NewTask{{RepositoryID: f.repo.ID, IndexID: f.repo.IndexID, NodeID: 1, ProjectID: 1, Type: models.TaskDeleteRepo}}, false)
	require.NoError(t, err)
	claimed, err := f.db.ClaimTasks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, models.TaskDeleteRepo, claimed[0].Type)

	require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, claimed[0].ID, f.repo.ID, ""))

	live, err := f.db.ListTasks(ctx, store.TaskFilter{States: []models.TaskState{models.TaskPending}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, models.TaskDeleteRepo, live[0].Type)

	repo := f.reload(t)
	assert.Equal(t, models.RepositoryPendingDeletion, repo.State)
	assert.Equal(t, 2, repo.RetriesLeft)
}

func TestHandleTaskFailed_TaskTypeFromPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 0, f.repo.ID, models.TaskDeleteRepo))

	live, err := f.db.ListTasks(ctx, store.TaskFilter{States: []models.TaskState{models.TaskPending}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, models.TaskDeleteRepo, live[0].Type)
}

func TestHandleTaskFailed_ExhaustionKeepsTerminalStates(t *testing.T) {
	for _, state := range []models.RepositoryState{models.RepositoryPendingDeletion, models.RepositoryOrphaned} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			if state == models.RepositoryOrphaned {
				_, err := f.db.MarkRepositoriesOrphaned(ctx, []int64{f.repo.ID})
				require.NoError(t, err)
			} else {
				_, err := f.db.MarkRepositoriesPendingDeletion(ctx, f.repo.IndexID, 10)
				require.NoError(t, err)
			}

			for i := 0; i < 4; i++ {
				require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 0, f.repo.ID, models.TaskDeleteRepo))
			}

			repo := f.reload(t)
			assert.Equal(t, state, repo.State)
			assert.Equal(t, 0, repo.RetriesLeft)
			assert.Zero(t, bytes.Count(f.logs.Bytes(), []byte(`"event":"repository_failed"`)))
			assert.Equal(t, 1, bytes.Count(f.logs.Bytes(), []byte("Repository retries exhausted")))
		})
	}
}

func TestHandleTaskFailed_OrphanedNotReindexed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.db.MarkRepositoriesOrphaned(ctx, []int64{f.repo.ID})
	require.NoError(t, err)

	require.NoError(t, f.handler.HandleTaskFailed(ctx, enabled, 0, f.repo.ID, models.TaskIndexRepo))

	live, err := f.db.ListTasks(ctx, store.TaskFilter{States: []models.TaskState{models.TaskPending}})
	require.NoError(t, err)
	assert.Empty(t, live)
	assert.Equal(t, 2, f.reload(t).RetriesLeft)
}
