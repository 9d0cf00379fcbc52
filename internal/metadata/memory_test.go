package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/soltixdb/searchcoord/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManager_NodeTTL(t *testing.T) {
	m := NewMemoryManager()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.AnnounceNode(ctx, models.NodeAnnouncement{UUID: "n1"}, time.Minute))
	require.NoError(t, m.AnnounceNode(ctx, models.NodeAnnouncement{UUID: "n2"}, 0))

	nodes, err := m.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	now = now.Add(2 * time.Minute)
	nodes, err = m.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n2", nodes[0].UUID)
}

func TestMemoryManager_Settings(t *testing.T) {
	m := NewMemoryManager()
	ctx := context.Background()

	require.NoError(t, m.PutSetting(ctx, "licensed", "false"))
	v, ok, err := m.GetSetting(ctx, "licensed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v)

	require.NoError(t, m.DeleteSetting(ctx, "licensed"))
	_, ok, _ = m.GetSetting(ctx, "licensed")
	assert.False(t, ok)
}
