package provisioner

import (
	"context"

	"github.com/fnplane/fnplane/pkg/telemetry"
)

// Instrumented wraps a Provisioner with metrics and a span per call.
type Instrumented struct {
	next    Provisioner
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Instrument decorates p. Nil metrics or tracer are allowed.
func Instrument(p Provisioner, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Instrumented {
	return &Instrumented{next: p, metrics: metrics, tracer: tracer}
}

// Name implements Provisioner.
func (i *Instrumented) Name() string {
	return i.next.Name()
}

func (i *Instrumented) observe(ctx context.Context, op, functionName string, call func(ctx context.Context) error) error {
	ctx, span := i.tracer.StartProvisionerSpan(ctx, i.next.Name(), op, functionName)
	defer span.End()

	timer := telemetry.NewTimer()
	err := call(ctx)
	i.metrics.RecordProvisionerCall(i.next.Name(), op, timer.Duration())

	if err != nil {
		i.metrics.RecordProvisionerError(i.next.Name(), op, string(KindOf(err)))
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// Create implements Provisioner.
func (i *Instrumented) Create(ctx context.Context, fn Function) (*Result, error) {
	var res *Result
	err := i.observe(ctx, OpCreate, fn.Name, func(ctx context.Context) (err error) {
		res, err = i.next.Create(ctx, fn)
		return err
	})
	return res, err
}

// Update implements Provisioner.
func (i *Instrumented) Update(ctx context.Context, fn Function) (*Result, error) {
	var res *Result
	err := i.observe(ctx, OpUpdate, fn.Name, func(ctx context.Context) (err error) {
		res, err = i.next.Update(ctx, fn)
		return err
	})
	return res, err
}

// Delete implements Provisioner.
func (i *Instrumented) Delete(ctx context.Context, functionName string) error {
	return i.observe(ctx, OpDelete, functionName, func(ctx context.Context) error {
		return i.next.Delete(ctx, functionName)
	})
}

// GetStatus implements Provisioner.
func (i *Instrumented) GetStatus(ctx context.Context, functionName string) (*Result, error) {
	var res *Result
	err := i.observe(ctx, OpGetStatus, functionName, func(ctx context.Context) (err error) {
		res, err = i.next.GetStatus(ctx, functionName)
		return err
	})
	return res, err
}

// Invoke implements Provisioner.
func (i *Instrumented) Invoke(ctx context.Context, functionName string, payload []byte) (*InvokeResult, error) {
	var res *InvokeResult
	err := i.observe(ctx, OpInvoke, functionName, func(ctx context.Context) (err error) {
		res, err = i.next.Invoke(ctx, functionName, payload)
		return err
	})
	return res, err
}
