// Package ingest consumes domain events from the bus and routes each to exactly one action.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/eventbus"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
)

// HandlerFunc handles one event. settings is the snapshot taken when the event arrived.
type HandlerFunc func(ctx context.Context, settings features.Settings, env events.Envelope) error

// Dispatcher maps event names to handlers
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.Name]HandlerFunc
	settings features.Source
	logger   *logging.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(settings features.Source, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.Name]HandlerFunc),
		settings: settings,
		logger:   logger,
	}
}

// Register binds h to name, replacing any earlier handler
func (d *Dispatcher) Register(name events.Name, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Names returns the registered event names in events.All order
func (d *Dispatcher) Names() []events.Name {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []events.Name
	for _, name := range events.All {
		if _, ok := d.handlers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Handle routes env to its handler. An unknown event name is a permanent error.
func (d *Dispatcher) Handle(ctx context.Context, env events.Envelope) error {
	d.mu.RLock()
	h, ok := d.handlers[env.Name]
	d.mu.RUnlock()
	if !ok {
		metrics.EventsHandled.WithLabelValues(string(env.Name), "unknown").Inc()
		return errs.Permanent(fmt.Errorf("no handler for event %q", env.Name))
	}

	ctx = logging.WithEventID(ctx, env.ID)
	err := h(ctx, d.settings.Current(ctx), env)
	metrics.EventsHandled.WithLabelValues(string(env.Name), result(err)).Inc()
	if err != nil {
		return fmt.Errorf("handle %s: %w", env.Name, err)
	}
	return nil
}

// HandleMessage decodes a bus message and handles it. It satisfies eventbus.Handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, subject string, data []byte) error {
	env, err := events.Unmarshal(data)
	if err != nil {
		d.logger.Error("Undecodable event", "subject", subject, "error", err)
		return err
	}
	return d.Handle(ctx, env)
}

// Subscribe subscribes every registered event on its subject
func (d *Dispatcher) Subscribe(ctx context.Context, sub eventbus.Subscriber, subject events.SubjectFunc) error {
	for _, name := range d.Names() {
		if err := sub.Subscribe(ctx, subject(string(name)), d.HandleMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	d.logger.Info("Event handlers subscribed", "events", len(d.Names()))
	return nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errs.IsPermanent(err):
		return "permanent"
	default:
		if _, ok := eventbus.DeferDelay(err); ok {
			return "deferred"
		}
		return "error"
	}
}
