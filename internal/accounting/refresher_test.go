package accounting

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// indexWithRepos creates an index whose repositories finished with the given sizes
func indexWithRepos(t *testing.T, db *store.DB, nodeID int64, sizes ...int64) models.Index {
	t.Helper()
	ctx := context.Background()
	idx, err := db.CreateReplicaWithIndex(ctx, 10, nodeID, 100)
	require.NoError(t, err)

	for i := range sizes {
		repo, err := db.EnsureRepository(ctx, idx.ID, int64(i+1), 3)
		require.NoError(t, err)
		_, err = db.InsertTasks(ctx, []store.NewTask{{RepositoryID: repo.ID, IndexID: idx.ID, NodeID: nodeID, ProjectID: repo.ProjectID, Type: models.TaskIndexRepo}}, false)
		require.NoError(t, err)
	}
	claimed, err := db.ClaimTasks(ctx, nodeID, 1000)
	require.NoError(t, err)
	for i, task := range claimed {
		_, err := db.CompleteTask(ctx, task.ID, sizes[i])
		require.NoError(t, err)
	}
	return idx
}

func TestRefresher_SumsRepositorySizes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rec := &events.Recorder{}
	r := NewRefresher(db, rec, config.AccountingConfig{BatchSize: 10, RepositoryBatchSize: 2}, logging.NewNop())

	node, err := db.UpsertNode(ctx, models.NodeAnnouncement{UUID: "n1", TotalBytes: 1 << 30})
	require.NoError(t, err)
	idx := indexWithRepos(t, db, node.ID, 100, 200, 300, 400, 500)

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Refreshed: 1, Remaining: 0}, result)

	got, err := db.GetIndex(ctx, idx.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UsedStorageBytes)
	assert.Equal(t, int64(1500), *got.UsedStorageBytes)
	assert.NotNil(t, got.UsedStorageUpdatedAt)
	assert.Equal(t, int64(1500), got.ReservedStorageBytes, "reservation grows to cover usage")

	assert.Empty(t, rec.Events(events.UpdateIndexUsedStorageBytes))
}

func TestRefresher_ZeroSumIsUnknown(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRefresher(db, &events.Recorder{}, config.AccountingConfig{}, logging.NewNop())

	node, err := db.UpsertNode(ctx, models.NodeAnnouncement{UUID: "n1", TotalBytes: 1 << 30})
	require.NoError(t, err)
	idx, err := db.CreateReplicaWithIndex(ctx, 10, node.ID, 100)
	require.NoError(t, err)

	_, err = r.Run(ctx)
	require.NoError(t, err)

	got, err := db.GetIndex(ctx, idx.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UsedStorageBytes)
	assert.NotNil(t, got.UsedStorageUpdatedAt, "stamped so it is no longer stale")
	assert.Equal(t, models.DefaultUsedStorageBytes, got.EffectiveUsedStorageBytes())
}

func TestRefresher_RepublishesWhileStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rec := &events.Recorder{}
	r := NewRefresher(db, rec, config.AccountingConfig{BatchSize: 2}, logging.NewNop())

	node, err := db.UpsertNode(ctx, models.NodeAnnouncement{UUID: "n1", TotalBytes: 1 << 30})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := db.CreateReplicaWithIndex(ctx, int64(i), node.ID, 100)
		require.NoError(t, err)
	}

	result, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Refreshed: 2, Remaining: 1}, result)
	assert.Len(t, rec.Events(events.UpdateIndexUsedStorageBytes), 1)

	result, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Refreshed: 1, Remaining: 0}, result)
	assert.Len(t, rec.Events(events.UpdateIndexUsedStorageBytes), 1, "drain stops once nothing is stale")
}
