package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soltixdb/searchcoord/internal/logging"
)

var memoryLog = logging.Global().With("component", "eventbus.memory")

type memoryMessage struct {
	data    []byte
	attempt int
}

// MemoryBus implements Bus with in-process channels. It is used for single-instance
// deployments and tests, and keeps a copy of everything published.
type MemoryBus struct {
	opts          Options
	channels      map[string]chan memoryMessage
	subscriptions map[string]context.CancelFunc
	published     map[string][][]byte
	closed        bool
	mu            sync.RWMutex
}

// NewMemoryBus creates an empty in-memory bus
func NewMemoryBus(opts Options) *MemoryBus {
	return &MemoryBus{
		opts:          opts.withDefaults(),
		channels:      make(map[string]chan memoryMessage),
		subscriptions: make(map[string]context.CancelFunc),
		published:     make(map[string][][]byte),
	}
}

func (b *MemoryBus) channel(subject string) chan memoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[subject]; ok {
		return ch
	}
	ch := make(chan memoryMessage, 10000)
	b.channels[subject] = ch
	return ch
}

// Publish enqueues a copy of data
func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	b.published[subject] = append(b.published[subject], dataCopy)
	b.mu.Unlock()

	return b.enqueue(ctx, subject, memoryMessage{data: dataCopy, attempt: 1})
}

func (b *MemoryBus) enqueue(ctx context.Context, subject string, msg memoryMessage) error {
	select {
	case b.channel(subject) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("channel full for subject: %s", subject)
	}
}

// Subscribe starts a consumer goroutine for the subject
func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	ch := b.channel(subject)

	b.mu.Lock()
	if _, exists := b.subscriptions[subject]; exists {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.subscriptions[subject] = cancel
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-ch:
				b.handle(subCtx, subject, msg, handler)
			}
		}
	}()

	return nil
}

func (b *MemoryBus) handle(ctx context.Context, subject string, msg memoryMessage, handler Handler) {
	result, delay := deliver(ctx, handler, subject, msg.data, memoryLog)
	switch result {
	case ack:
		return
	case retry:
		if msg.attempt >= b.opts.MaxDeliver {
			memoryLog.Error("Giving up on message", "subject", subject, "attempts", msg.attempt)
			return
		}
		delay = 10 * time.Millisecond << uint(msg.attempt)
	}

	next := memoryMessage{data: msg.data, attempt: msg.attempt + 1}
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := b.enqueue(ctx, subject, next); err != nil {
			memoryLog.Warn("Failed to redeliver message", "subject", subject, "error", err)
		}
	})
}

// Published returns every message published to subject, in order
func (b *MemoryBus) Published(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]byte, len(b.published[subject]))
	copy(out, b.published[subject])
	return out
}

// Pending returns the number of queued, undelivered messages for subject
func (b *MemoryBus) Pending(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ch, ok := b.channels[subject]; ok {
		return len(ch)
	}
	return 0
}

// Unsubscribe stops the subject's consumer. Queued messages stay for the next subscriber.
func (b *MemoryBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancel, exists := b.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}
	cancel()
	delete(b.subscriptions, subject)
	return nil
}

// Close stops every consumer
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, cancel := range b.subscriptions {
		cancel()
		delete(b.subscriptions, subject)
	}
	b.closed = true
	return nil
}
