package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/soltixdb/searchcoord/internal/eventbus"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
)

// HealthChecker reports whether the registry can take writes. store.DB implements it.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// WithGuard skips h unless indexing is enabled and licensed
func WithGuard(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, settings features.Settings, env events.Envelope) error {
		if !settings.IndexingAllowed() {
			logging.FromContext(ctx).Debug("Event skipped, indexing not allowed", "event", string(env.Name))
			return nil
		}
		return h(ctx, settings, env)
	}
}

// WithHealthDeferral asks the bus to redeliver after delay while checker reports unhealthy
func WithHealthDeferral(checker HealthChecker, delay time.Duration, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, settings features.Settings, env events.Envelope) error {
		if err := checker.Ping(ctx); err != nil {
			logging.FromContext(ctx).Warn("Registry unhealthy, deferring event",
				"event", string(env.Name), "delay", delay, "error", err)
			return eventbus.Defer(delay)
		}
		return h(ctx, settings, env)
	}
}

// WithDedup holds a marker keyed on the event name and payload while h runs. An identical
// event arriving meanwhile is redelivered after retryDelay instead of running concurrently.
// The marker expires after ttl if the holder dies.
func WithDedup(store DedupStore, ttl, retryDelay time.Duration, h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, settings features.Settings, env events.Envelope) error {
		key := DedupKey(env)
		acquired, err := store.Acquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if !acquired {
			logging.FromContext(ctx).Debug("Duplicate event in flight, rescheduling", "event", string(env.Name))
			return eventbus.Defer(retryDelay)
		}
		defer func() {
			if err := store.Release(context.WithoutCancel(ctx), key); err != nil {
				logging.FromContext(ctx).Warn("Failed to release dedup marker", "key", key, "error", err)
			}
		}()
		return h(ctx, settings, env)
	}
}

// DedupKey identifies events with the same name and payload
func DedupKey(env events.Envelope) string {
	sum := sha256.Sum256(env.Payload)
	return string(env.Name) + ":" + hex.EncodeToString(sum[:8])
}
