// Package provisioner is the boundary to the external function-provisioning
// API. Adapters translate provider responses into a Result with a closed
// Status and provider failures into an *Error with a closed ErrorKind.
package provisioner

import (
	"context"
	"fmt"

	"github.com/fnplane/fnplane/pkg/engine"
)

// Status is the provider-side readiness of a function.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusPending Status = "PENDING"
	StatusFailed  Status = "FAILED"
)

// Validate checks that s is one of the known statuses.
func (s Status) Validate() error {
	switch s {
	case StatusActive, StatusPending, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown provisioning status %q", string(s))
	}
}

// Function identifies what to provision.
type Function struct {
	// Name is the provider-side resource name.
	Name string
	// Application is the owning application's name, attached as a tag.
	Application string
	Artifact    engine.ArtifactLocation
}

// Result is the outcome of Create, Update or GetStatus.
type Result struct {
	Status Status
	// InvokeURL is set by Create when the provider exposes an endpoint.
	InvokeURL string
	// Reason carries the provider's explanation for FAILED.
	Reason string
}

// InvokeResult is a synchronous invocation response.
type InvokeResult struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Provisioner creates, updates, deletes and inspects deployed functions.
type Provisioner interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	Create(ctx context.Context, fn Function) (*Result, error)

	// Update fails with ResourceNotFound when the function is gone.
	Update(ctx context.Context, fn Function) (*Result, error)

	// Delete fails with ResourceNotFound when the function is already gone.
	Delete(ctx context.Context, functionName string) error

	GetStatus(ctx context.Context, functionName string) (*Result, error)

	Invoke(ctx context.Context, functionName string, payload []byte) (*InvokeResult, error)
}
