package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/soltixdb/searchcoord/internal/logging"
)

var redisLog = logging.Global().With("component", "eventbus.redis")

// RedisBus implements Bus on Redis Streams with one consumer group per stream.
// A failed message is re-added with a bumped attempt counter; a deferred one stays
// pending and is reclaimed once it has been idle for AckWait.
type RedisBus struct {
	client        *redis.Client
	streamPrefix  string
	opts          Options
	subscriptions map[string]context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
}

// NewRedisBus connects to Redis. url may be a redis:// URL or a host:port address.
func NewRedisBus(url, password string, db int, streamPrefix string, opts Options) (*RedisBus, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		redisOpts = &redis.Options{
			Addr:     url,
			Password: password,
			DB:       db,
		}
	}
	redisOpts.PoolSize = 10
	redisOpts.MinIdleConns = 2

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBusWithClient(client, streamPrefix, opts), nil
}

// NewRedisBusWithClient wraps an existing client
func NewRedisBusWithClient(client *redis.Client, streamPrefix string, opts Options) *RedisBus {
	if streamPrefix == "" {
		streamPrefix = "searchcoord"
	}
	return &RedisBus{
		client:        client,
		streamPrefix:  streamPrefix,
		opts:          opts.withDefaults(),
		subscriptions: make(map[string]context.CancelFunc),
	}
}

// streamName converts a subject to a Redis stream name: {prefix}:{subject}
func (b *RedisBus) streamName(subject string) string {
	return fmt.Sprintf("%s:%s", b.streamPrefix, subject)
}

// Publish appends the message to the subject's stream
func (b *RedisBus) Publish(ctx context.Context, subject string, data []byte) error {
	stream := b.streamName(subject)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"data": data, "attempt": 1},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis stream %s: %w", stream, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts consuming
func (b *RedisBus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streamName(subject)
	if _, exists := b.subscriptions[stream]; exists {
		return fmt.Errorf("already subscribed to stream: %s", stream)
	}

	err := b.client.XGroupCreateMkStream(ctx, stream, b.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.subscriptions[stream] = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(subCtx, stream, subject, handler)
	}()

	redisLog.Info("Subscribed to Redis stream", "stream", stream, "group", b.opts.Group, "consumer", b.opts.Name)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, stream, subject string, handler Handler) {
	for ctx.Err() == nil {
		b.reclaim(ctx, stream, subject, handler)

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Name,
			Streams:  []string{stream, ">"},
			Count:    100,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			redisLog.Error("Failed to read from stream", "stream", stream, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, message := range s.Messages {
				b.process(ctx, stream, subject, message, handler)
			}
		}
	}
}

// reclaim takes over messages that stayed pending longer than AckWait
func (b *RedisBus) reclaim(ctx context.Context, stream, subject string, handler Handler) {
	messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.opts.Group,
		Consumer: b.opts.Name,
		MinIdle:  b.opts.AckWait,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			redisLog.Warn("Failed to reclaim pending messages", "stream", stream, "error", err)
		}
		return
	}
	for _, message := range messages {
		b.process(ctx, stream, subject, message, handler)
	}
}

func (b *RedisBus) process(ctx context.Context, stream, subject string, message redis.XMessage, handler Handler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		redisLog.Warn("Invalid message format", "stream", stream, "id", message.ID)
		b.ack(ctx, stream, message.ID)
		return
	}

	attempt := 1
	if raw, ok := message.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			attempt = n
		}
	}

	switch result, _ := deliver(ctx, handler, subject, []byte(data), redisLog); result {
	case ack:
		b.ack(ctx, stream, message.ID)
	case retryLater:
		// left pending; reclaim picks it up after AckWait
	default:
		if attempt >= b.opts.MaxDeliver {
			redisLog.Error("Giving up on message", "stream", stream, "id", message.ID, "attempts", attempt)
			b.ack(ctx, stream, message.ID)
			return
		}
		pipe := b.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			ID:     "*",
			Values: map[string]interface{}{"data": data, "attempt": attempt + 1},
		})
		pipe.XAck(ctx, stream, b.opts.Group, message.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			redisLog.Error("Failed to requeue message", "stream", stream, "id", message.ID, "error", err)
		}
	}
}

func (b *RedisBus) ack(ctx context.Context, stream, id string) {
	if err := b.client.XAck(ctx, stream, b.opts.Group, id).Err(); err != nil {
		redisLog.Error("Failed to ACK message", "stream", stream, "id", id, "error", err)
	}
}

// Unsubscribe stops consuming the subject
func (b *RedisBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream := b.streamName(subject)
	cancel, exists := b.subscriptions[stream]
	if !exists {
		return fmt.Errorf("not subscribed to stream: %s", stream)
	}

	cancel()
	delete(b.subscriptions, stream)
	redisLog.Info("Unsubscribed from Redis stream", "stream", stream)
	return nil
}

// Close stops every consumer and closes the client
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for stream, cancel := range b.subscriptions {
		cancel()
		redisLog.Debug("Cancelled subscription", "stream", stream)
	}
	b.subscriptions = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	b.wg.Wait()

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	redisLog.Info("Redis bus closed")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
