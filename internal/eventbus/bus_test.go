package eventbus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverOutcomes(t *testing.T) {
	log := logging.NewNop()
	ctx := context.Background()

	tests := []struct {
		name      string
		err       error
		want      outcome
		wantDelay time.Duration
	}{
		{"success", nil, ack, 0},
		{"permanent", errs.Permanent(errors.New("bad payload")), ack, 0},
		{"wrapped permanent", fmt.Errorf("handler: %w", errs.Permanent(errors.New("bad"))), ack, 0},
		{"transient", errors.New("db locked"), retry, 0},
		{"deferred", Defer(time.Minute), retryLater, time.Minute},
		{"wrapped deferred", fmt.Errorf("guard: %w", Defer(time.Second)), retryLater, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, delay := deliver(ctx, func(context.Context, string, []byte) error { return tt.err }, "s", nil, log)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDelay, delay)
		})
	}
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "searchcoord_events_TaskFailed", sanitizeName("searchcoord.events.TaskFailed"))
	assert.Equal(t, "a-b_c", sanitizeName("a-b_c"))
	assert.Equal(t, "SEARCHCOORD_x_y", streamName("x.y"))
}

func TestNew_Memory(t *testing.T) {
	bus, err := New(config.QueueConfig{Type: "memory"})
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	_, ok := bus.(*MemoryBus)
	assert.True(t, ok)
}

func TestNew_Unsupported(t *testing.T) {
	_, err := New(config.QueueConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNew_KafkaNeedsBrokers(t *testing.T) {
	_, err := New(config.QueueConfig{Type: "kafka"})
	assert.Error(t, err)
}

func TestNew_KafkaWithBrokers(t *testing.T) {
	bus, err := New(config.QueueConfig{Type: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaGroupID: "g"})
	require.NoError(t, err)
	kb := bus.(*KafkaBus)
	assert.Equal(t, "g", kb.opts.Group)
	assert.Equal(t, defaultMaxDeliver, kb.opts.MaxDeliver)
	require.NoError(t, bus.Close())
}
