package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/soltixdb/searchcoord/internal/logging"
)

var kafkaLog = logging.Global().With("component", "eventbus.kafka")

// kafkaReader is the part of *kafka.Reader the consume loop uses
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaWriter is the part of *kafka.Writer Publish uses
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus implements Bus on Kafka. Subjects map one to one onto topics.
// Kafka has no per-message negative ack, so failing messages are retried in place
// up to MaxDeliver times before the offset is committed past them.
type KafkaBus struct {
	brokers []string
	opts    Options
	writers map[string]kafkaWriter
	readers map[string]kafkaReader
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex

	// first in-place retry delay, doubled per attempt
	backoff   time.Duration
	newReader func(kafka.ReaderConfig) kafkaReader
	newWriter func(topic string) kafkaWriter
}

// NewKafkaBus creates a Kafka bus for the given brokers
func NewKafkaBus(brokers []string, opts Options) (*KafkaBus, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	b := &KafkaBus{
		brokers: brokers,
		opts:    opts.withDefaults(),
		writers: make(map[string]kafkaWriter),
		readers: make(map[string]kafkaReader),
		cancels: make(map[string]context.CancelFunc),
		backoff: 100 * time.Millisecond,
	}
	b.newReader = func(cfg kafka.ReaderConfig) kafkaReader { return kafka.NewReader(cfg) }
	b.newWriter = func(topic string) kafkaWriter { return b.writerConfig(topic) }
	return b, nil
}

func (b *KafkaBus) writerConfig(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(b.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	}
}

func (b *KafkaBus) readerConfig(topic string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:           b.brokers,
		GroupID:           b.opts.Group,
		Topic:             topic,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           time.Second,
		StartOffset:       kafka.FirstOffset,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		RebalanceTimeout:  60 * time.Second,
		ErrorLogger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { kafkaLog.Debug(fmt.Sprintf(msg, args...)) }),
	}
}

func (b *KafkaBus) writer(topic string) kafkaWriter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := b.newWriter(topic)
	b.writers[topic] = w
	return w
}

// Publish writes the message to the subject's topic
func (b *KafkaBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.writer(subject).WriteMessages(ctx, kafka.Message{Value: data, Time: time.Now()}); err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", subject, err)
	}
	return nil
}

// Subscribe starts a group reader on the subject's topic
func (b *KafkaBus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.readers[subject]; exists {
		return fmt.Errorf("already subscribed to topic: %s", subject)
	}

	reader := b.newReader(b.readerConfig(subject))

	subCtx, cancel := context.WithCancel(ctx)
	b.readers[subject] = reader
	b.cancels[subject] = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(subCtx, reader, subject, handler)
	}()

	kafkaLog.Info("Subscribed to Kafka topic", "topic", subject, "group", b.opts.Group)
	return nil
}

func (b *KafkaBus) consume(ctx context.Context, reader kafkaReader, subject string, handler Handler) {
	for ctx.Err() == nil {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			kafkaLog.Error("Failed to fetch message", "topic", subject, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		b.handle(ctx, msg, subject, handler)
		if ctx.Err() != nil {
			return
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			kafkaLog.Error("Failed to commit message", "topic", subject, "offset", msg.Offset, "error", err)
		}
	}
}

// handle retries the handler until it acks, the attempts run out or ctx ends
func (b *KafkaBus) handle(ctx context.Context, msg kafka.Message, subject string, handler Handler) {
	backoff := b.backoff
	for attempt := 1; ; attempt++ {
		result, delay := deliver(ctx, handler, subject, msg.Value, kafkaLog)
		switch result {
		case ack:
			return
		case retryLater:
			sleepCtx(ctx, delay)
		default:
			if attempt >= b.opts.MaxDeliver {
				kafkaLog.Error("Giving up on message", "topic", subject, "offset", msg.Offset, "attempts", attempt)
				return
			}
			sleepCtx(ctx, backoff)
			backoff *= 2
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Unsubscribe stops the subject's reader
func (b *KafkaBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancel, exists := b.cancels[subject]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", subject)
	}
	cancel()
	delete(b.cancels, subject)

	if reader, ok := b.readers[subject]; ok {
		if err := reader.Close(); err != nil {
			kafkaLog.Warn("Failed to close reader", "topic", subject, "error", err)
		}
		delete(b.readers, subject)
	}

	kafkaLog.Info("Unsubscribed from Kafka topic", "topic", subject)
	return nil
}

// Close stops every reader and flushes the writers
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for topic, reader := range b.readers {
		if err := reader.Close(); err != nil {
			kafkaLog.Warn("Failed to close reader", "topic", topic, "error", err)
			lastErr = err
		}
	}
	b.readers = make(map[string]kafkaReader)

	for topic, writer := range b.writers {
		if err := writer.Close(); err != nil {
			kafkaLog.Warn("Failed to close writer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	b.writers = make(map[string]kafkaWriter)

	kafkaLog.Info("Kafka bus closed")
	return lastErr
}
