package features

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) GetSetting(context.Context, string) (string, bool, error) {
	return "", false, errors.New("etcd unavailable")
}

func TestSettingsGates(t *testing.T) {
	tests := []struct {
		name     string
		s        Settings
		indexing bool
		rollout  bool
	}{
		{"all on", Settings{IndexingEnabled: true, Licensed: true}, true, true},
		{"paused", Settings{IndexingEnabled: true, Licensed: true, IndexingPaused: true}, true, false},
		{"unlicensed", Settings{IndexingEnabled: true}, false, false},
		{"disabled", Settings{Licensed: true}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.indexing, tt.s.IndexingAllowed())
			assert.Equal(t, tt.rollout, tt.s.RolloutAllowed())
		})
	}
}

func TestProvider_Overrides(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMemoryManager()
	p := NewProvider(config.FeaturesConfig{IndexingEnabled: true, Licensed: true}, meta, logging.NewNop())

	assert.Equal(t, Settings{IndexingEnabled: true, Licensed: true}, p.Current(ctx))

	require.NoError(t, meta.PutSetting(ctx, IndexingPausedKey, "true"))
	assert.True(t, p.Current(ctx).IndexingPaused)

	require.NoError(t, meta.PutSetting(ctx, LicensedKey, "false"))
	assert.False(t, p.Current(ctx).Licensed)

	require.NoError(t, meta.DeleteSetting(ctx, LicensedKey))
	assert.True(t, p.Current(ctx).Licensed)
}

func TestProvider_MalformedOverrideIgnored(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMemoryManager()
	var buf bytes.Buffer
	p := NewProvider(config.FeaturesConfig{IndexingEnabled: true, Licensed: true}, meta, logging.NewWithWriter(&buf, zerolog.WarnLevel))

	require.NoError(t, meta.PutSetting(ctx, IndexingEnabledKey, "maybe"))
	assert.True(t, p.Current(ctx).IndexingEnabled)
	assert.Contains(t, buf.String(), "malformed")
}

func TestProvider_SourceErrorFallsBackToBase(t *testing.T) {
	p := NewProvider(config.FeaturesConfig{IndexingEnabled: true, Licensed: true, IndexingPaused: true}, failingSource{}, logging.NewNop())
	assert.Equal(t, Settings{IndexingEnabled: true, Licensed: true, IndexingPaused: true}, p.Current(context.Background()))
}

func TestProvider_Reload(t *testing.T) {
	p := NewProvider(config.FeaturesConfig{IndexingEnabled: true, Licensed: true}, nil, logging.NewNop())

	cfg := config.DefaultConfig()
	cfg.Features.IndexingPaused = true
	p.Reload(cfg)

	assert.True(t, p.Current(context.Background()).IndexingPaused)
}

func TestStatic(t *testing.T) {
	s := Static(Settings{Licensed: true})
	assert.Equal(t, Settings{Licensed: true}, s.Current(context.Background()))
}
