package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/soltixdb/searchcoord/internal/eventbus"
)

// Publisher emits domain events
type Publisher interface {
	Publish(ctx context.Context, name Name, payload interface{}) error
}

// SubjectFunc maps an event name onto a bus subject
type SubjectFunc func(name string) string

// Emitter publishes events as encoded envelopes on a bus
type Emitter struct {
	bus     eventbus.Publisher
	subject SubjectFunc
}

// NewEmitter creates an Emitter. subject is usually config.QueueConfig.Subject.
func NewEmitter(bus eventbus.Publisher, subject SubjectFunc) *Emitter {
	return &Emitter{bus: bus, subject: subject}
}

// Publish wraps payload in an envelope and sends it to the event's subject
func (e *Emitter) Publish(ctx context.Context, name Name, payload interface{}) error {
	env, err := New(name, payload)
	if err != nil {
		return err
	}
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, e.subject(string(name)), data); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// Recorder is a Publisher that keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
	// Err, when set, is returned by every Publish
	Err error
}

// Publish records the event
func (r *Recorder) Publish(_ context.Context, name Name, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	env, err := New(name, payload)
	if err != nil {
		return err
	}
	r.events = append(r.events, env)
	return nil
}

// Events returns recorded envelopes with the given name, or all of them when name is empty
func (r *Recorder) Events(name Name) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Envelope
	for _, e := range r.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets every recorded event
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
