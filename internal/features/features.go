// Package features resolves the feature gates every coordinator entry point checks.
package features

import (
	"context"
	"strconv"
	"sync"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/logging"
)

// Setting names stored under metadata.SettingsPrefix
const (
	IndexingEnabledKey = "indexing_enabled"
	LicensedKey        = "licensed"
	IndexingPausedKey  = "indexing_paused"
)

// Settings is the snapshot of gates passed into components at invocation time
type Settings struct {
	IndexingEnabled bool
	Licensed        bool
	IndexingPaused  bool
}

// IndexingAllowed reports whether event-driven indexing work may run
func (s Settings) IndexingAllowed() bool {
	return s.IndexingEnabled && s.Licensed
}

// RolloutAllowed reports whether the rollout scheduler may run
func (s Settings) RolloutAllowed() bool {
	return s.IndexingAllowed() && !s.IndexingPaused
}

// FromConfig converts the static section into Settings
func FromConfig(cfg config.FeaturesConfig) Settings {
	return Settings{
		IndexingEnabled: cfg.IndexingEnabled,
		Licensed:        cfg.Licensed,
		IndexingPaused:  cfg.IndexingPaused,
	}
}

// SettingsSource reads dynamic overrides. metadata.Manager satisfies it.
type SettingsSource interface {
	GetSetting(ctx context.Context, name string) (string, bool, error)
}

// Source produces the current Settings
type Source interface {
	Current(ctx context.Context) Settings
}

// Static always returns the same Settings
type Static Settings

// Current returns s
func (s Static) Current(context.Context) Settings {
	return Settings(s)
}

// Provider combines hot-reloadable config values with dynamic overrides
type Provider struct {
	mu        sync.RWMutex
	base      Settings
	overrides SettingsSource
	logger    *logging.Logger
}

// NewProvider creates a provider. overrides may be nil.
func NewProvider(cfg config.FeaturesConfig, overrides SettingsSource, logger *logging.Logger) *Provider {
	return &Provider{base: FromConfig(cfg), overrides: overrides, logger: logger}
}

// Reload replaces the config-derived base values; wire it to config.Watch
func (p *Provider) Reload(cfg *config.Config) {
	next := FromConfig(cfg.Features)

	p.mu.Lock()
	prev := p.base
	p.base = next
	p.mu.Unlock()

	if prev != next {
		p.logger.Info("Feature settings reloaded",
			"indexing_enabled", next.IndexingEnabled,
			"licensed", next.Licensed,
			"indexing_paused", next.IndexingPaused)
	}
}

// Current returns the base values with any dynamic overrides applied.
// An unreadable or malformed override is logged and ignored.
func (p *Provider) Current(ctx context.Context) Settings {
	p.mu.RLock()
	s := p.base
	p.mu.RUnlock()

	if p.overrides == nil {
		return s
	}

	p.override(ctx, IndexingEnabledKey, &s.IndexingEnabled)
	p.override(ctx, LicensedKey, &s.Licensed)
	p.override(ctx, IndexingPausedKey, &s.IndexingPaused)
	return s
}

func (p *Provider) override(ctx context.Context, name string, target *bool) {
	raw, ok, err := p.overrides.GetSetting(ctx, name)
	if err != nil {
		p.logger.Warn("Failed to read setting override", "setting", name, "error", err)
		return
	}
	if !ok {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.logger.Warn("Ignoring malformed setting override", "setting", name, "value", raw)
		return
	}
	*target = v
}
