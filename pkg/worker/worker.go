// Package worker consumes lifecycle events and drives provisioning.
//
// The worker re-reads the application for every event and acts only when the
// application is still in the state the event requested; anything else is a
// stale or redelivered event and is acknowledged without side effects.
// Provisioning failures always resolve to a state. Store failures are
// returned so the bus redelivers the event. Events for an unknown application
// or of an unknown kind fail with an events.Permanent error.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/events"
	"github.com/fnplane/fnplane/pkg/provisioner"
	"github.com/fnplane/fnplane/pkg/stores"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// DefaultMaxAttempts is the poll budget given to new pending operations.
const DefaultMaxAttempts = 60

// Config wires a Worker.
type Config struct {
	Store       stores.Store
	Provisioner provisioner.Provisioner
	// MaxAttempts is copied into every pending operation.
	MaxAttempts int
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Now         func() time.Time
}

// Worker handles lifecycle events.
type Worker struct {
	store       stores.Store
	provisioner provisioner.Provisioner
	maxAttempts int
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	now         func() time.Time
}

// New creates a worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{
		store:       cfg.Store,
		provisioner: cfg.Provisioner,
		maxAttempts: cfg.MaxAttempts,
		logger:      telemetry.Component(cfg.Logger, "worker"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
	}, nil
}

// Run subscribes the worker to sub and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, sub events.Subscriber) error {
	w.logger.Info().Msg("worker started")
	defer w.logger.Info().Msg("worker stopped")
	return sub.Subscribe(ctx, w.Handle)
}

func (w *Worker) timestamp() time.Time {
	return w.now().UTC().Truncate(time.Microsecond)
}

// Handle processes one event. It is an events.Handler.
func (w *Worker) Handle(ctx context.Context, ev engine.LifecycleEvent) (err error) {
	ctx, span := w.tracer.StartEventSpan(ctx, string(ev.Kind), ev.ApplicationName)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
			w.metrics.RecordEventConsumed(string(ev.Kind), "failed")
		}
		span.End()
	}()

	requested, err := ev.Kind.RequestedState()
	if err != nil {
		return events.Permanent(err)
	}

	app, err := w.store.GetApplication(ctx, ev.ApplicationName)
	if errors.Is(err, stores.ErrNotFound) {
		// Rows are never removed, so no redelivery can make this succeed.
		return events.Permanent(fmt.Errorf("event %s for application %s: %w", ev.Kind, ev.ApplicationName, err))
	}
	if err != nil {
		return fmt.Errorf("failed to load application %s: %w", ev.ApplicationName, err)
	}

	if app.State != requested {
		log := telemetry.ForApplication(w.logger, app.Name, app.FunctionName)
		log.Debug().
			Str("kind", string(ev.Kind)).
			Str("state", string(app.State)).
			Msg("skipping stale event")
		w.metrics.RecordEventConsumed(string(ev.Kind), "stale")
		return nil
	}

	switch ev.Kind {
	case engine.EventCreateRequested:
		err = w.onCreateRequested(ctx, app)
	case engine.EventUpdateRequested:
		err = w.onUpdateRequested(ctx, app)
	case engine.EventDeleteRequested:
		err = w.onDeleteRequested(ctx, app)
	default:
		err = events.Permanent(fmt.Errorf("invalid event kind: %q", string(ev.Kind)))
	}
	if err != nil {
		return err
	}

	w.metrics.RecordEventConsumed(string(ev.Kind), "processed")
	return nil
}

func function(app *engine.Application) provisioner.Function {
	return provisioner.Function{
		Name:        app.FunctionName,
		Application: app.Name,
		Artifact:    app.Artifact,
	}
}

func (w *Worker) onCreateRequested(ctx context.Context, app *engine.Application) error {
	res, perr := w.provisioner.Create(ctx, function(app))
	return w.settle(ctx, app, engine.OperationCreate, res, perr)
}

func (w *Worker) onUpdateRequested(ctx context.Context, app *engine.Application) error {
	res, perr := w.provisioner.Update(ctx, function(app))
	if provisioner.IsNotFound(perr) {
		// Removed out of band; the application is gone, not failed.
		return w.commit(ctx, app, func(q stores.Queries, a *engine.Application) error {
			a.State = engine.StateDeleted
			a.ClearError()
			return q.DeletePendingOperation(ctx, a.ID)
		})
	}
	return w.settle(ctx, app, engine.OperationUpdate, res, perr)
}

func (w *Worker) onDeleteRequested(ctx context.Context, app *engine.Application) error {
	perr := w.provisioner.Delete(ctx, app.FunctionName)
	return w.commit(ctx, app, func(q stores.Queries, a *engine.Application) error {
		if perr != nil && !provisioner.IsNotFound(perr) {
			a.State = engine.StateDeleteFailed
			a.SetError(perr.Error())
		} else {
			a.State = engine.StateDeleted
			a.ClearError()
		}
		// A deletion overtakes any create or update still being polled.
		return q.DeletePendingOperation(ctx, a.ID)
	})
}

// settle maps a create or update outcome onto the application.
func (w *Worker) settle(ctx context.Context, app *engine.Application, kind engine.OperationKind, res *provisioner.Result, perr error) error {
	return w.commit(ctx, app, func(q stores.Queries, a *engine.Application) error {
		if perr != nil {
			a.State = kind.FailedState()
			a.SetError(perr.Error())
			return nil
		}

		if kind == engine.OperationCreate {
			a.SetInvokeURL(res.InvokeURL)
		}

		switch res.Status {
		case provisioner.StatusActive:
			a.State = engine.StateActive
			a.ClearError()
			return nil
		case provisioner.StatusPending:
			a.State = kind.PollingState()
			a.ClearError()
			if err := q.DeletePendingOperation(ctx, a.ID); err != nil {
				return err
			}
			return q.CreatePendingOperation(ctx, engine.NewPendingOperation(a, kind, w.maxAttempts, a.UpdatedAt))
		case provisioner.StatusFailed:
			a.State = kind.FailedState()
			a.SetError(res.Reason)
			return nil
		default:
			a.State = kind.FailedState()
			a.SetError(fmt.Sprintf("unknown provisioning status %q", string(res.Status)))
			return nil
		}
	})
}

// errSuperseded aborts a commit whose application moved on meanwhile.
var errSuperseded = errors.New("application state changed during provisioning")

// commit re-reads the application inside a transaction and applies mutate
// only if it is still in the state observed before the provisioning call.
func (w *Worker) commit(ctx context.Context, observed *engine.Application, mutate func(q stores.Queries, a *engine.Application) error) error {
	var from, to engine.State
	err := w.store.WithTx(ctx, func(q stores.Queries) error {
		current, err := q.GetApplication(ctx, observed.Name)
		if err != nil {
			return err
		}
		if current.State != observed.State || !current.UpdatedAt.Equal(observed.UpdatedAt) {
			return errSuperseded
		}

		from = current.State
		current.UpdatedAt = w.timestamp()
		if err := mutate(q, current); err != nil {
			return err
		}
		to = current.State
		return q.UpdateApplication(ctx, current)
	})
	logger := telemetry.ForApplication(w.logger, observed.Name, observed.FunctionName)
	if errors.Is(err, errSuperseded) {
		logger.Info().Msg("discarding provisioning outcome for superseded request")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", observed.Name, err)
	}

	w.metrics.RecordTransition(string(from), string(to))
	logger.Info().
		Str("from", string(from)).
		Str("state", string(to)).
		Msg("application state updated")
	return nil
}
