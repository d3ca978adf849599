// Package events carries lifecycle events from the request service to the
// deployment workers.
//
// Delivery is at least once. Events with the same key (the application name)
// are handled one at a time in publish order; events with different keys are
// handled concurrently. A handler error triggers redelivery with capped
// exponential backoff until the handler succeeds or the subscription ends.
// Only errors wrapped with Permanent end redelivery early.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// Handler processes one event. Returning an error requests redelivery unless
// the error is marked with Permanent.
type Handler func(ctx context.Context, ev engine.LifecycleEvent) error

// Publisher publishes lifecycle events keyed by application name.
type Publisher interface {
	Publish(ctx context.Context, ev engine.LifecycleEvent) error
}

// Subscriber delivers events to a handler until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// Bus is both ends of an event transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Options tune delivery.
type Options struct {
	// InitialBackoff is the first redelivery delay.
	InitialBackoff time.Duration
	// MaxBackoff caps the redelivery delay.
	MaxBackoff time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// DefaultOptions returns the delivery defaults.
func DefaultOptions() Options {
	return Options{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	return o
}
