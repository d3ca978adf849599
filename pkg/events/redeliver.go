package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fnplane/fnplane/pkg/engine"
)

// Permanent marks a handler error that redelivery cannot fix. The event is
// acknowledged after it is logged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}

// deliver runs h until it succeeds, returns a permanent error or ctx ends.
// It reports whether the event may be acknowledged.
func deliver(ctx context.Context, opts Options, h Handler, ev engine.LifecycleEvent) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, h(ctx, ev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			opts.Logger.Warn().
				Err(err).
				Str("application", ev.ApplicationName).
				Str("kind", string(ev.Kind)).
				Int("attempt", attempt).
				Dur("retry_in", wait).
				Msg("event handler failed, redelivering")
		}),
	)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	opts.Logger.Error().
		Err(err).
		Str("application", ev.ApplicationName).
		Str("kind", string(ev.Kind)).
		Int("attempts", attempt).
		Msg("event rejected by handler")
	opts.Metrics.RecordEventConsumed(string(ev.Kind), "rejected")
	return true
}
