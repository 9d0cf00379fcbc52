package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/eventbus"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/features"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allowed = features.Settings{IndexingEnabled: true, Licensed: true}

func mustEnvelope(t *testing.T, name events.Name, payload interface{}) events.Envelope {
	t.Helper()
	env, err := events.New(name, payload)
	require.NoError(t, err)
	return env
}

func TestDispatcher_UnknownEventIsPermanent(t *testing.T) {
	d := NewDispatcher(features.Static(allowed), logging.NewNop())

	err := d.Handle(context.Background(), events.Envelope{Name: "SomethingElse"})
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
}

func TestDispatcher_PassesSettingsSnapshot(t *testing.T) {
	paused := features.Settings{IndexingEnabled: true, Licensed: true, IndexingPaused: true}
	d := NewDispatcher(features.Static(paused), logging.NewNop())

	var got features.Settings
	d.Register(events.IndexMarkedAsReady, func(_ context.Context, s features.Settings, _ events.Envelope) error {
		got = s
		return nil
	})

	require.NoError(t, d.Handle(context.Background(), mustEnvelope(t, events.IndexMarkedAsReady, nil)))
	assert.Equal(t, paused, got)
}

func TestDispatcher_WrapsHandlerErrors(t *testing.T) {
	d := NewDispatcher(features.Static(allowed), logging.NewNop())
	cause := errors.New("database is locked")
	d.Register(events.OrphanedIndex, func(context.Context, features.Settings, events.Envelope) error {
		return cause
	})

	err := d.Handle(context.Background(), mustEnvelope(t, events.OrphanedIndex, nil))
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "OrphanedIndex")
	assert.False(t, errs.IsPermanent(err))
}

func TestDispatcher_HandleMessage(t *testing.T) {
	d := NewDispatcher(features.Static(allowed), logging.NewNop())

	var got events.TaskFailedPayload
	d.Register(events.TaskFailed, func(_ context.Context, _ features.Settings, env events.Envelope) error {
		return env.Decode(&got)
	})

	data, err := events.Marshal(mustEnvelope(t, events.TaskFailed, events.TaskFailedPayload{TaskID: 4, RepositoryID: 9}))
	require.NoError(t, err)
	require.NoError(t, d.HandleMessage(context.Background(), "search.TaskFailed", data))
	assert.Equal(t, events.TaskFailedPayload{TaskID: 4, RepositoryID: 9}, got)

	err = d.HandleMessage(context.Background(), "search.TaskFailed", []byte("{not json"))
	require.Error(t, err)
	assert.True(t, errs.IsPermanent(err))
}

func TestDispatcher_Names(t *testing.T) {
	d := NewDispatcher(features.Static(allowed), logging.NewNop())
	noop := func(context.Context, features.Settings, events.Envelope) error { return nil }
	d.Register(events.RolloutRequested, noop)
	d.Register(events.DefaultBranchChanged, noop)

	assert.Equal(t, []events.Name{events.DefaultBranchChanged, events.RolloutRequested}, d.Names())
}

func TestDispatcher_SubscribeOverMemoryBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.NewMemoryBus(eventbus.Options{})
	defer bus.Close()

	d := NewDispatcher(features.Static(allowed), logging.NewNop())
	var mu sync.Mutex
	var seen []int64
	d.Register(events.OrphanedRepo, func(_ context.Context, _ features.Settings, env events.Envelope) error {
		var p events.OrphanedRepoPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, p.RepositoryIDs...)
		mu.Unlock()
		return nil
	})

	subject := func(name string) string { return "search." + name }
	require.NoError(t, d.Subscribe(ctx, bus, subject))

	emitter := events.NewEmitter(bus, subject)
	require.NoError(t, emitter.Publish(ctx, events.OrphanedRepo, events.OrphanedRepoPayload{RepositoryIDs: []int64{1, 2}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 5*time.Second, 5*time.Millisecond)
}
