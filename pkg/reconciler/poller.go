// Package reconciler observes asynchronous provisioning until it settles.
//
// A Poller leases pending operations from the store, asks the provisioner
// for the function's status and either settles the application or puts the
// operation back for a later cycle. Rows are checked concurrently, bounded
// by a semaphore, and stay leased while a check is in flight.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/provisioner"
	"github.com/fnplane/fnplane/pkg/stores"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// MaxAttemptsExceededReason is the error recorded on applications whose operation never settled.
const MaxAttemptsExceededReason = "exceeded maximum polling attempts"

// Defaults for Config.
const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 100
	DefaultLeaseTTL  = 5 * time.Minute
)

// Poll outcomes, as recorded in metrics.
const (
	OutcomeActive      = "active"
	OutcomeRescheduled = "rescheduled"
	OutcomeExhausted   = "exhausted"
	OutcomeFailed      = "failed"
	OutcomeDropped     = "dropped"
	OutcomeError       = "error"
)

// Config wires a Poller.
type Config struct {
	Store       stores.Store
	Provisioner provisioner.Provisioner
	// Interval between cycles.
	Interval time.Duration
	// BatchSize bounds both the rows leased per cycle and the checks in flight.
	BatchSize int
	// LeaseTTL after which a leased row is eligible again.
	LeaseTTL time.Duration
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Now      func() time.Time
}

// Poller runs the reconciliation loop.
type Poller struct {
	store       stores.Store
	provisioner provisioner.Provisioner
	interval    time.Duration
	batchSize   int
	leaseTTL    time.Duration
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	now         func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Poller{
		store:       cfg.Store,
		provisioner: cfg.Provisioner,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		leaseTTL:    cfg.LeaseTTL,
		logger:      telemetry.Component(cfg.Logger, "poller"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
		sem:         semaphore.NewWeighted(int64(cfg.BatchSize)),
	}, nil
}

// Run polls every interval until ctx is cancelled, then waits for in-flight
// checks to finish.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().
		Dur("interval", p.interval).
		Int("batch_size", p.batchSize).
		Dur("lease_ttl", p.leaseTTL).
		Msg("poller started")

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Info().Msg("poller stopped")
			return nil
		case <-ticker.C:
			if _, err := p.dispatch(ctx, &p.wg); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("poll cycle failed")
			}
		}
	}
}

// RunOnce runs a single cycle and waits for every leased row to be
// processed. It returns the number of rows leased.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	n, err := p.dispatch(ctx, &wg)
	wg.Wait()
	return n, err
}

// dispatch leases as many rows as there are free check slots and starts a
// goroutine per row.
func (p *Poller) dispatch(ctx context.Context, wg *sync.WaitGroup) (int, error) {
	slots := 0
	for slots < p.batchSize && p.sem.TryAcquire(1) {
		slots++
	}
	if slots == 0 {
		p.logger.Debug().Msg("all check slots busy, skipping cycle")
		return 0, nil
	}

	ops, err := p.store.LeasePendingOperations(ctx, slots, p.leaseTTL)
	if err != nil {
		p.sem.Release(int64(slots))
		return 0, fmt.Errorf("failed to lease pending operations: %w", err)
	}
	if unused := slots - len(ops); unused > 0 {
		p.sem.Release(int64(unused))
	}
	p.metrics.RecordPollCycle(len(ops))

	for _, op := range ops {
		wg.Add(1)
		p.metrics.AddPollInFlight(1)
		go func(op *engine.PendingOperation) {
			defer wg.Done()
			defer p.sem.Release(1)
			defer p.metrics.AddPollInFlight(-1)
			p.process(ctx, op)
		}(op)
	}

	if len(ops) > 0 {
		p.logger.Debug().Int("leased", len(ops)).Msg("dispatched pending operations")
	}
	return len(ops), nil
}

func (p *Poller) timestamp() time.Time {
	return p.now().UTC().Truncate(time.Microsecond)
}

// process checks one leased row. Failures to write are logged; the lease
// expires and another cycle picks the row up again.
func (p *Poller) process(ctx context.Context, op *engine.PendingOperation) {
	ctx, span := p.tracer.StartPollSpan(ctx, op.FunctionName, string(op.Kind))
	defer span.End()

	outcome, err := p.check(ctx, op)
	if err != nil {
		telemetry.RecordError(span, err)
		p.logger.Error().
			Err(err).
			Str("function_name", op.FunctionName).
			Str("kind", string(op.Kind)).
			Msg("failed to process pending operation")
		outcome = OutcomeError
	}
	p.metrics.RecordPollOutcome(string(op.Kind), outcome)
}

func (p *Poller) check(ctx context.Context, op *engine.PendingOperation) (string, error) {
	app, err := p.store.GetApplicationByID(ctx, op.ApplicationID)
	if errors.Is(err, stores.ErrNotFound) {
		return OutcomeDropped, p.store.DeletePendingOperation(ctx, op.ApplicationID)
	}
	if err != nil {
		return "", err
	}
	if app.State != op.Kind.PollingState() {
		log := telemetry.ForApplication(p.logger, app.Name, op.FunctionName)
		log.Debug().
			Str("state", string(app.State)).
			Msg("dropping pending operation for settled application")
		return OutcomeDropped, p.store.DeletePendingOperation(ctx, op.ApplicationID)
	}

	res, err := p.provisioner.GetStatus(ctx, op.FunctionName)
	if err != nil {
		return OutcomeFailed, p.settle(ctx, op, op.Kind.FailedState(), err.Error())
	}

	switch res.Status {
	case provisioner.StatusActive:
		return OutcomeActive, p.settle(ctx, op, engine.StateActive, "")
	case provisioner.StatusPending:
		if op.Exhausted() {
			return OutcomeExhausted, p.settle(ctx, op, op.Kind.FailedState(), MaxAttemptsExceededReason)
		}
		return OutcomeRescheduled, p.reschedule(ctx, op)
	case provisioner.StatusFailed:
		return OutcomeFailed, p.settle(ctx, op, op.Kind.FailedState(), res.Reason)
	default:
		return OutcomeFailed, p.settle(ctx, op, op.Kind.FailedState(), fmt.Sprintf("unknown provisioning status %q", string(res.Status)))
	}
}

// owned reports whether current is still the row this poller leased.
func owned(current, leased *engine.PendingOperation) bool {
	return current.Leased && current.CreatedAt.Equal(leased.CreatedAt) && current.Attempts == leased.Attempts
}

// reschedule releases the lease and counts the attempt.
func (p *Poller) reschedule(ctx context.Context, op *engine.PendingOperation) error {
	return p.store.WithTx(ctx, func(q stores.Queries) error {
		current, err := q.GetPendingOperation(ctx, op.ApplicationID)
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !owned(current, op) {
			return nil
		}

		current.Attempts++
		current.Leased = false
		current.LeasedAt = nil
		current.UpdatedAt = p.timestamp()
		return q.UpdatePendingOperation(ctx, current)
	})
}

// settle moves the application to state and removes the operation. An
// application that left the polling state meanwhile keeps its state.
func (p *Poller) settle(ctx context.Context, op *engine.PendingOperation, state engine.State, reason string) error {
	var (
		app     *engine.Application
		applied bool
	)
	err := p.store.WithTx(ctx, func(q stores.Queries) error {
		current, err := q.GetPendingOperation(ctx, op.ApplicationID)
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !owned(current, op) {
			return nil
		}

		if err := q.DeletePendingOperation(ctx, op.ApplicationID); err != nil {
			return err
		}

		app, err = q.GetApplicationByID(ctx, op.ApplicationID)
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if app.State != op.Kind.PollingState() {
			return nil
		}

		app.State = state
		if reason == "" {
			app.ClearError()
		} else {
			app.SetError(reason)
		}
		app.UpdatedAt = p.timestamp()
		applied = true
		return q.UpdateApplication(ctx, app)
	})
	if err != nil {
		return err
	}

	if applied {
		p.metrics.RecordTransition(string(op.Kind.PollingState()), string(state))
		level := zerolog.InfoLevel
		if reason != "" {
			level = zerolog.WarnLevel
		}
		log := telemetry.ForApplication(p.logger, app.Name, op.FunctionName)
		log.WithLevel(level).
			Str("error", reason).
			Str("state", string(state)).
			Int("attempts", op.Attempts).
			Msg("pending operation settled")
	}
	return nil
}
