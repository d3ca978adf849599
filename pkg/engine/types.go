package engine

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// namePattern restricts application names to characters that are valid
// inside a provider function name once the uuid suffix is appended.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,40}$`)

// ValidateName checks if name can be used as an application name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return NewInvalidRequestError(fmt.Sprintf("invalid application name %q: must match %s", name, namePattern.String()))
	}
	return nil
}

// ArtifactLocation points at a deployment package in object storage.
type ArtifactLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Validate checks that both coordinates are present.
func (a ArtifactLocation) Validate() error {
	if a.Bucket == "" {
		return NewInvalidRequestError("artifact bucket is required")
	}
	if a.Key == "" {
		return NewInvalidRequestError("artifact key is required")
	}
	return nil
}

// String returns the artifact as bucket/key.
func (a ArtifactLocation) String() string {
	return a.Bucket + "/" + a.Key
}

// Application is the orchestration unit for one deployable function.
type Application struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	FunctionName string           `json:"function_name"`
	State        State            `json:"state"`
	Artifact     ArtifactLocation `json:"artifact"`
	InvokeURL    *string          `json:"invoke_url,omitempty"`
	Error        *string          `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// NewApplication returns an application in state NEW with a freshly minted
// function name. The function name is kept for the lifetime of the record.
func NewApplication(name string, now time.Time) *Application {
	return &Application{
		ID:           uuid.NewString(),
		Name:         name,
		FunctionName: FunctionNameFor(name),
		State:        StateNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// FunctionNameFor derives a provider function name from an application name.
func FunctionNameFor(name string) string {
	return name + "-" + uuid.NewString()
}

// SetError records a failure message.
func (a *Application) SetError(msg string) {
	a.Error = &msg
}

// ClearError removes the last failure message.
func (a *Application) ClearError() {
	a.Error = nil
}

// SetInvokeURL records the URL the function is reachable at.
func (a *Application) SetInvokeURL(url string) {
	if url == "" {
		return
	}
	a.InvokeURL = &url
}

// Status returns the caller-facing projection of the application.
func (a *Application) Status() *ApplicationStatus {
	return &ApplicationStatus{
		Name:      a.Name,
		State:     a.State,
		Error:     a.Error,
		UpdatedAt: a.UpdatedAt,
	}
}

// ApplicationStatus is the read-only view returned to callers.
type ApplicationStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Error     *string   `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PendingOperation marks an asynchronous provisioning action that needs polling.
type PendingOperation struct {
	ApplicationID string        `json:"application_id"`
	FunctionName  string        `json:"function_name"`
	Kind          OperationKind `json:"operation_kind"`
	Leased        bool          `json:"leased"`
	LeasedAt      *time.Time    `json:"leased_at,omitempty"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewPendingOperation returns an unleased operation with zero attempts.
func NewPendingOperation(app *Application, kind OperationKind, maxAttempts int, now time.Time) *PendingOperation {
	return &PendingOperation{
		ApplicationID: app.ID,
		FunctionName:  app.FunctionName,
		Kind:          kind,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Exhausted returns true once no further reschedule is allowed.
func (p *PendingOperation) Exhausted() bool {
	return p.Attempts >= p.MaxAttempts
}

// LifecycleEvent asks the worker to act on an application.
// Only the application name is trusted; the worker re-reads everything else.
type LifecycleEvent struct {
	ApplicationName string    `json:"applicationName"`
	Kind            EventKind `json:"type"`
}

// Key returns the ordering key of the event.
func (e LifecycleEvent) Key() string {
	return e.ApplicationName
}

// Validate checks that the event can be processed.
func (e LifecycleEvent) Validate() error {
	if e.ApplicationName == "" {
		return fmt.Errorf("event has no application name")
	}
	return e.Kind.Validate()
}
