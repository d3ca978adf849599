// Package deployment validates and applies deployment and deletion requests.
//
// A request is a state write followed by an event publish. The write commits
// first so a worker never observes an event before its state. If the publish
// then fails, the write is rolled back by a compensating transaction that only
// applies while the row still holds the value written, and the caller gets an
// ErrEventPublish error to retry.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/events"
	"github.com/fnplane/fnplane/pkg/stores"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// Admission operations passed to an Admitter.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
)

// Admitter decides whether a deployment may proceed. It returns an
// engine.ErrPolicyDenied error to reject the request.
type Admitter interface {
	Admit(ctx context.Context, app *engine.Application, artifact engine.ArtifactLocation, operation string) error
}

// Config wires a Service.
type Config struct {
	Store     stores.Store
	Publisher events.Publisher
	// Admitter is optional.
	Admitter Admitter
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service is the deployment request service.
type Service struct {
	store     stores.Store
	publisher events.Publisher
	admitter  Admitter
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	now       func() time.Time
}

// NewService creates a request service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		admitter:  cfg.Admitter,
		logger:    telemetry.Component(cfg.Logger, "deployment"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		now:       now,
	}, nil
}

// timestamp is truncated to what every store can round-trip, so the
// compensating write can compare updated_at exactly.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// snapshot is the part of an application a request mutates.
type snapshot struct {
	state    engine.State
	err      *string
	artifact engine.ArtifactLocation
}

func snapshotOf(app *engine.Application) snapshot {
	return snapshot{state: app.State, err: app.Error, artifact: app.Artifact}
}

// RequestDeployment records artifact as the application's desired code and
// requests a create or an update, depending on the current state.
func (s *Service) RequestDeployment(ctx context.Context, name string, artifact engine.ArtifactLocation) (_ *engine.ApplicationStatus, err error) {
	ctx, span := s.tracer.StartRequestSpan(ctx, "deploy", name)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	if err := engine.ValidateName(name); err != nil {
		s.metrics.RecordRequest("deploy", "invalid")
		return nil, err
	}
	if err := artifact.Validate(); err != nil {
		s.metrics.RecordRequest("deploy", "invalid")
		return nil, err
	}

	var (
		app  *engine.Application
		prev snapshot
		kind engine.EventKind
		now  = s.timestamp()
	)
	err = s.store.WithTx(ctx, func(q stores.Queries) error {
		existing, err := q.GetApplication(ctx, name)
		created := false
		switch {
		case errors.Is(err, stores.ErrNotFound):
			existing = engine.NewApplication(name, now)
			created = true
		case err != nil:
			return err
		}

		next, k, err := engine.DeploymentTransition(name, existing.State)
		if err != nil {
			return err
		}

		if s.admitter != nil {
			op := OperationUpdate
			if k == engine.EventCreateRequested {
				op = OperationCreate
			}
			if err := s.admitter.Admit(ctx, existing, artifact, op); err != nil {
				return err
			}
		}

		prev = snapshotOf(existing)
		existing.Artifact = artifact
		existing.ClearError()
		existing.State = next
		existing.UpdatedAt = now

		if created {
			if err := q.CreateApplication(ctx, existing); err != nil {
				return err
			}
		} else if err := q.UpdateApplication(ctx, existing); err != nil {
			return err
		}

		app, kind = existing, k
		return nil
	})
	if err != nil {
		s.metrics.RecordRequest("deploy", outcomeOf(err))
		return nil, err
	}

	s.metrics.RecordTransition(string(prev.state), string(app.State))
	telemetry.AddTransitionEvent(span, string(prev.state), string(app.State))

	if err := s.publish(ctx, app, prev, kind); err != nil {
		s.metrics.RecordRequest("deploy", "publish_failed")
		return nil, err
	}

	log := telemetry.ForApplication(s.logger, name, app.FunctionName)
	log.Info().
		Str("from", string(prev.state)).
		Str("state", string(app.State)).
		Str("artifact", artifact.String()).
		Msg("deployment requested")
	s.metrics.RecordRequest("deploy", "accepted")
	return app.Status(), nil
}

// RequestDeletion requests removal of the application's function. Deleting
// an application that is already deleted or being deleted changes nothing.
func (s *Service) RequestDeletion(ctx context.Context, name string) (_ *engine.ApplicationStatus, err error) {
	ctx, span := s.tracer.StartRequestSpan(ctx, "delete", name)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		}
		span.End()
	}()

	var (
		app  *engine.Application
		prev snapshot
		kind engine.EventKind
		noop bool
		now  = s.timestamp()
	)
	err = s.store.WithTx(ctx, func(q stores.Queries) error {
		existing, err := q.GetApplication(ctx, name)
		if errors.Is(err, stores.ErrNotFound) {
			return engine.NewApplicationNotFoundError(name)
		}
		if err != nil {
			return err
		}

		next, k, isNoop, err := engine.DeletionTransition(name, existing.State)
		if err != nil {
			return err
		}
		if isNoop {
			app, noop = existing, true
			return nil
		}

		prev = snapshotOf(existing)
		existing.ClearError()
		existing.State = next
		existing.UpdatedAt = now
		if err := q.UpdateApplication(ctx, existing); err != nil {
			return err
		}

		app, kind = existing, k
		return nil
	})
	if err != nil {
		s.metrics.RecordRequest("delete", outcomeOf(err))
		return nil, err
	}

	if noop {
		s.logger.Debug().Str("application", name).Str("state", string(app.State)).Msg("deletion already requested")
		s.metrics.RecordRequest("delete", "noop")
		return app.Status(), nil
	}

	s.metrics.RecordTransition(string(prev.state), string(app.State))
	telemetry.AddTransitionEvent(span, string(prev.state), string(app.State))

	if err := s.publish(ctx, app, prev, kind); err != nil {
		s.metrics.RecordRequest("delete", "publish_failed")
		return nil, err
	}

	log := telemetry.ForApplication(s.logger, name, app.FunctionName)
	log.Info().
		Str("from", string(prev.state)).
		Msg("deletion requested")
	s.metrics.RecordRequest("delete", "accepted")
	return app.Status(), nil
}

// GetStatus returns the application's current state.
func (s *Service) GetStatus(ctx context.Context, name string) (*engine.ApplicationStatus, error) {
	app, err := s.store.GetApplication(ctx, name)
	if errors.Is(err, stores.ErrNotFound) {
		s.metrics.RecordRequest("status", "not_found")
		return nil, engine.NewApplicationNotFoundError(name)
	}
	if err != nil {
		s.metrics.RecordRequest("status", "error")
		return nil, err
	}
	s.metrics.RecordRequest("status", "ok")
	return app.Status(), nil
}

// publish sends the event for a committed write and compensates on failure.
func (s *Service) publish(ctx context.Context, app *engine.Application, prev snapshot, kind engine.EventKind) error {
	ev := engine.LifecycleEvent{ApplicationName: app.Name, Kind: kind}
	err := s.publisher.Publish(ctx, ev)
	s.metrics.RecordEventPublished(string(kind), err)
	if err == nil {
		return nil
	}

	logger := telemetry.ForApplication(s.logger, app.Name, app.FunctionName)
	logger.Error().
		Err(err).
		Str("kind", string(kind)).
		Msg("failed to publish lifecycle event, reverting state")

	// The request context may be the reason publishing failed.
	revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if rerr := s.revert(revertCtx, app, prev); rerr != nil {
		logger.Error().
			Err(rerr).
			Str("state", string(app.State)).
			Msg("failed to revert state after publish failure")
	}

	return engine.NewEventPublishError(app.Name, err)
}

// revert restores prev if the row still holds exactly what this request wrote.
func (s *Service) revert(ctx context.Context, written *engine.Application, prev snapshot) error {
	return s.store.WithTx(ctx, func(q stores.Queries) error {
		current, err := q.GetApplication(ctx, written.Name)
		if err != nil {
			return err
		}
		if current.State != written.State || !current.UpdatedAt.Equal(written.UpdatedAt) {
			return nil
		}

		current.State = prev.state
		current.Error = prev.err
		current.Artifact = prev.artifact
		current.UpdatedAt = s.timestamp()
		if err := q.UpdateApplication(ctx, current); err != nil {
			return err
		}

		s.metrics.RecordTransition(string(written.State), string(prev.state))
		return nil
	})
}

func outcomeOf(err error) string {
	code, ok := engine.CodeOf(err)
	if !ok {
		return "error"
	}
	switch code {
	case engine.ErrCodeApplicationNotFound:
		return "not_found"
	case engine.ErrCodeDeploymentInProgress:
		return "in_progress"
	case engine.ErrCodeDeletionFailed:
		return "deletion_failed"
	case engine.ErrCodePolicyDenied:
		return "denied"
	case engine.ErrCodeInvalidRequest:
		return "invalid"
	default:
		return "error"
	}
}
