// Package eventbus moves encoded events between the coordinator's producers and consumers.
// Every backend gives at-least-once delivery: a handler error leads to redelivery, except
// for permanent errors which are logged and acknowledged.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/logging"
)

// Handler processes one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Publisher publishes messages to a subject
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Subscriber delivers messages of a subject to a handler
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler Handler) error
	Unsubscribe(subject string) error
	Close() error
}

// Bus combines Publisher and Subscriber
type Bus interface {
	Publisher
	Subscriber
}

const (
	defaultMaxDeliver = 5
	defaultAckWait    = 30 * time.Second
)

// Options are shared by every backend
type Options struct {
	// Name identifies this coordinator instance to the broker
	Name string
	// Group is the consumer group / durable prefix
	Group string
	// MaxDeliver caps delivery attempts for transiently failing messages
	MaxDeliver int
	// AckWait is how long an unacknowledged message stays invisible
	AckWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "searchcoord"
	}
	if o.Group == "" {
		o.Group = "searchcoord"
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = defaultMaxDeliver
	}
	if o.AckWait <= 0 {
		o.AckWait = defaultAckWait
	}
	return o
}

// deferError asks the bus to redeliver the message after a delay
type deferError struct {
	delay time.Duration
}

func (e *deferError) Error() string {
	return fmt.Sprintf("redeliver in %s", e.delay)
}

// Defer returns an error that makes the bus redeliver the message after delay
func Defer(delay time.Duration) error {
	return &deferError{delay: delay}
}

// DeferDelay reports whether err asks for delayed redelivery
func DeferDelay(err error) (time.Duration, bool) {
	var d *deferError
	if errors.As(err, &d) {
		return d.delay, true
	}
	return 0, false
}

type outcome int

const (
	ack outcome = iota
	retry
	retryLater
)

// deliver runs the handler and decides what the backend does with the message
func deliver(ctx context.Context, handler Handler, subject string, data []byte, log *logging.Logger) (outcome, time.Duration) {
	err := handler(ctx, subject, data)
	if err == nil {
		return ack, 0
	}

	if errs.IsPermanent(err) {
		log.Error("Dropping message after permanent failure", "subject", subject, "error", err)
		return ack, 0
	}

	if delay, ok := DeferDelay(err); ok {
		log.Debug("Deferring message", "subject", subject, "delay", delay)
		return retryLater, delay
	}

	log.Warn("Message handling failed, will redeliver", "subject", subject, "error", err)
	return retry, 0
}

// sanitizeName replaces characters that are not valid in stream or consumer names.
// Valid characters are A-Z, a-z, 0-9, dash and underscore.
func sanitizeName(subject string) string {
	result := make([]byte, 0, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			result = append(result, c)
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}
