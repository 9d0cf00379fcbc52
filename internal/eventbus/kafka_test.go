package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader serves queued messages and records commits
type fakeReader struct {
	msgs    chan kafka.Message
	mu      sync.Mutex
	commits []int64
	closed  bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.commits...)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestKafkaBus(t *testing.T, reader *fakeReader, maxDeliver int) (*KafkaBus, *kafka.ReaderConfig) {
	t.Helper()
	b, err := NewKafkaBus([]string{"broker1:9092", "broker2:9092"}, Options{Group: "coord", MaxDeliver: maxDeliver})
	require.NoError(t, err)
	b.backoff = time.Millisecond

	var cfg kafka.ReaderConfig
	b.newReader = func(c kafka.ReaderConfig) kafkaReader {
		cfg = c
		return reader
	}
	return b, &cfg
}

func TestKafkaBus_New_NoBrokers(t *testing.T) {
	_, err := NewKafkaBus(nil, Options{})
	assert.Error(t, err)
	_, err = NewKafkaBus([]string{}, Options{})
	assert.Error(t, err)
}

func TestKafkaBus_ReaderConfig(t *testing.T) {
	b, err := NewKafkaBus([]string{"broker1:9092", "broker2:9092"}, Options{Group: "coord"})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	cfg := b.readerConfig("searchcoord.events.TaskFailed")
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Brokers)
	assert.Equal(t, "coord", cfg.GroupID)
	assert.Equal(t, "searchcoord.events.TaskFailed", cfg.Topic)
	assert.Equal(t, kafka.FirstOffset, cfg.StartOffset)
	assert.NotNil(t, cfg.ErrorLogger)
}

func TestKafkaBus_WriterConfig(t *testing.T) {
	b, err := NewKafkaBus([]string{"broker1:9092"}, Options{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	w := b.writerConfig("searchcoord.events.IndexToEvict")
	assert.Equal(t, "searchcoord.events.IndexToEvict", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.True(t, w.AllowAutoTopicCreation)
	assert.Equal(t, "broker1:9092", w.Addr.String())
}

func TestKafkaBus_PublishReusesWriter(t *testing.T) {
	b, err := NewKafkaBus([]string{"broker1:9092"}, Options{})
	require.NoError(t, err)

	writers := map[string]*fakeWriter{}
	b.newWriter = func(topic string) kafkaWriter {
		w := &fakeWriter{}
		writers[topic] = w
		return w
	}

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "a", []byte("1")))
	require.NoError(t, b.Publish(ctx, "a", []byte("2")))
	require.NoError(t, b.Publish(ctx, "b", []byte("3")))

	require.Len(t, writers, 2)
	assert.Len(t, writers["a"].msgs, 2)
	assert.Equal(t, []byte("3"), writers["b"].msgs[0].Value)

	writers["a"].err = errors.New("leader not available")
	assert.ErrorContains(t, b.Publish(ctx, "a", []byte("4")), "kafka topic a")

	require.NoError(t, b.Close())
	assert.True(t, writers["a"].closed)
	assert.True(t, writers["b"].closed)
}

func TestKafkaBus_CommitsAfterAck(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 1, Value: []byte("one")}, kafka.Message{Offset: 2, Value: []byte("two")})
	b, cfg := newTestKafkaBus(t, reader, 3)

	var got []string
	var mu sync.Mutex
	require.NoError(t, b.Subscribe(context.Background(), "topic", func(_ context.Context, subject string, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
		return nil
	}))
	assert.Equal(t, "topic", cfg.Topic)
	assert.Equal(t, "coord", cfg.GroupID)

	require.Eventually(t, func() bool { return len(reader.committed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, reader.committed())
	mu.Lock()
	assert.Equal(t, []string{"one", "two"}, got)
	mu.Unlock()

	require.NoError(t, b.Close())
	assert.True(t, reader.closed)
}

func TestKafkaBus_RedeliversRetryableError(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 7, Value: []byte("flaky")})
	b, _ := newTestKafkaBus(t, reader, 5)
	defer func() { _ = b.Close() }()

	var calls int32
	require.NoError(t, b.Subscribe(context.Background(), "topic", func(context.Context, string, []byte) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("database is locked")
		}
		return nil
	}))

	require.Eventually(t, func() bool { return len(reader.committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []int64{7}, reader.committed())
}

func TestKafkaBus_GivesUpAfterMaxDeliver(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 3, Value: []byte("poison")}, kafka.Message{Offset: 4, Value: []byte("ok")})
	b, _ := newTestKafkaBus(t, reader, 3)
	defer func() { _ = b.Close() }()

	var poison int32
	require.NoError(t, b.Subscribe(context.Background(), "topic", func(_ context.Context, _ string, data []byte) error {
		if string(data) == "poison" {
			atomic.AddInt32(&poison, 1)
			return errors.New("still failing")
		}
		return nil
	}))

	require.Eventually(t, func() bool { return len(reader.committed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&poison))
	assert.Equal(t, []int64{3, 4}, reader.committed(), "offset moves past the exhausted message")
}

func TestKafkaBus_PermanentErrorCommitsOnce(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 9, Value: []byte("bad")})
	b, _ := newTestKafkaBus(t, reader, 5)
	defer func() { _ = b.Close() }()

	var calls int32
	require.NoError(t, b.Subscribe(context.Background(), "topic", func(context.Context, string, []byte) error {
		atomic.AddInt32(&calls, 1)
		return errs.Permanent(errors.New("unknown watermark"))
	}))

	require.Eventually(t, func() bool { return len(reader.committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKafkaBus_DeferRetriesWithoutSpendingAttempts(t *testing.T) {
	reader := newFakeReader(kafka.Message{Offset: 5, Value: []byte("later")})
	b, _ := newTestKafkaBus(t, reader, 1)
	defer func() { _ = b.Close() }()

	var calls int32
	require.NoError(t, b.Subscribe(context.Background(), "topic", func(context.Context, string, []byte) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Defer(time.Millisecond)
		}
		return nil
	}))

	require.Eventually(t, func() bool { return len(reader.committed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "deferrals do not count against MaxDeliver")
}

func TestKafkaBus_SubscribeDuplicateAndUnsubscribe(t *testing.T) {
	reader := newFakeReader()
	b, _ := newTestKafkaBus(t, reader, 3)
	defer func() { _ = b.Close() }()

	noop := func(context.Context, string, []byte) error { return nil }
	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "topic", noop))
	assert.Error(t, b.Subscribe(ctx, "topic", noop))

	require.NoError(t, b.Unsubscribe("topic"))
	assert.True(t, reader.closed)
	assert.Error(t, b.Unsubscribe("topic"))
}
