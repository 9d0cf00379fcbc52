package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/soltixdb/searchcoord/internal/logging"
)

var natsLog = logging.Global().With("component", "eventbus.nats")

// NATSBus implements Bus on NATS JetStream. Each subject gets its own work-queue stream
// and a durable consumer named after the consumer group.
type NATSBus struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	opts          Options
	streams       map[string]bool
	subscriptions map[string]*nats.Subscription
	mu            sync.RWMutex
}

// NewNATSBus connects to the NATS server at url
func NewNATSBus(url, username, password string, opts Options) (*NATSBus, error) {
	opts = opts.withDefaults()

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				natsLog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			natsLog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(username, password))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus, err := NewNATSBusWithConn(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return bus, nil
}

// NewNATSBusWithConn wraps an existing connection
func NewNATSBusWithConn(conn *nats.Conn, opts Options) (*NATSBus, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSBus{
		conn:          conn,
		js:            js,
		opts:          opts.withDefaults(),
		streams:       make(map[string]bool),
		subscriptions: make(map[string]*nats.Subscription),
	}, nil
}

// Publish stores the message in the subject's stream and waits for the ack
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.ensureStream(subject); err != nil {
		return err
	}

	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches a durable push consumer to the subject
func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	if err := b.ensureStream(subject); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	durableName := sanitizeName(b.opts.Group + "-" + subject)

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			_ = msg.Nak()
			return
		}

		switch result, delay := deliver(ctx, handler, msg.Subject, msg.Data, natsLog); result {
		case ack:
			_ = msg.Ack()
		case retryLater:
			_ = msg.NakWithDelay(delay)
		default:
			_ = msg.Nak()
		}
	},
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.MaxAckPending(100),
		nats.AckWait(b.opts.AckWait),
		nats.MaxDeliver(b.opts.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	b.subscriptions[subject] = sub
	natsLog.Info("Subscribed to subject", "subject", subject, "durable", durableName)
	return nil
}

// ensureStream creates the subject's stream once per process
func (b *NATSBus) ensureStream(subject string) error {
	b.mu.RLock()
	known := b.streams[subject]
	b.mu.RUnlock()
	if known {
		return nil
	}

	if name, err := b.js.StreamNameBySubject(subject); err != nil || name == "" {
		stream := streamName(subject)
		_, err := b.js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		})
		if err != nil && err != nats.ErrStreamNameAlreadyInUse {
			natsLog.Error("Failed to create stream", "stream", stream, "error", err)
			return fmt.Errorf("failed to create stream %s: %w", stream, err)
		}
	}

	b.mu.Lock()
	b.streams[subject] = true
	b.mu.Unlock()
	return nil
}

func streamName(subject string) string {
	return "SEARCHCOORD_" + sanitizeName(subject)
}

// Unsubscribe detaches the subject's consumer
func (b *NATSBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from subject %s: %w", subject, err)
	}

	delete(b.subscriptions, subject)
	natsLog.Info("Unsubscribed from subject", "subject", subject)
	return nil
}

// Close unsubscribes everything and closes the connection
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			natsLog.Warn("Failed to unsubscribe", "subject", subject, "error", err)
		}
	}
	b.subscriptions = make(map[string]*nats.Subscription)

	b.conn.Close()
	natsLog.Info("NATS bus closed")
	return nil
}
