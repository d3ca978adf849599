package engine

import (
	"fmt"
)

// State is the lifecycle state of an application.
type State string

const (
	// StateNew is the implicit state of an application before its first deployment.
	StateNew State = "NEW"

	// StateCreateRequested indicates a create has been accepted and published.
	StateCreateRequested State = "CREATE_REQUESTED"

	// StateCreating indicates the provider is still creating the function.
	StateCreating State = "CREATING"

	// StateUpdateRequested indicates an update has been accepted and published.
	StateUpdateRequested State = "UPDATE_REQUESTED"

	// StateUpdating indicates the provider is still applying new code.
	StateUpdating State = "UPDATING"

	// StateDeleteRequested indicates a deletion has been accepted and published.
	StateDeleteRequested State = "DELETE_REQUESTED"

	// StateActive indicates the function is deployed and invocable.
	StateActive State = "ACTIVE"

	// StateDeleted indicates the function has been removed from the provider.
	StateDeleted State = "DELETED"

	// StateCreateFailed indicates the last create did not succeed.
	StateCreateFailed State = "CREATE_FAILED"

	// StateUpdateFailed indicates the last update did not succeed.
	StateUpdateFailed State = "UPDATE_FAILED"

	// StateDeleteFailed indicates the last deletion did not succeed.
	// Leaving this state requires operator intervention.
	StateDeleteFailed State = "DELETE_FAILED"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateNew,
	StateCreateRequested,
	StateCreating,
	StateUpdateRequested,
	StateUpdating,
	StateDeleteRequested,
	StateActive,
	StateDeleted,
	StateCreateFailed,
	StateUpdateFailed,
	StateDeleteFailed,
}

// Validate checks if the state is one of the known states.
func (s State) Validate() error {
	switch s {
	case StateNew, StateCreateRequested, StateCreating, StateUpdateRequested,
		StateUpdating, StateDeleteRequested, StateActive, StateDeleted,
		StateCreateFailed, StateUpdateFailed, StateDeleteFailed:
		return nil
	default:
		return fmt.Errorf("invalid application state: %q", string(s))
	}
}

// IsQuiescent returns true if the application accepts new deployment requests.
func (s State) IsQuiescent() bool {
	switch s {
	case StateNew, StateActive, StateDeleted, StateCreateFailed, StateUpdateFailed:
		return true
	default:
		return false
	}
}

// IsInFlight returns true while a requested operation has not settled yet.
func (s State) IsInFlight() bool {
	switch s {
	case StateCreateRequested, StateCreating, StateUpdateRequested,
		StateUpdating, StateDeleteRequested:
		return true
	default:
		return false
	}
}

// IsFailed returns true for the terminal failure states.
func (s State) IsFailed() bool {
	return s == StateCreateFailed || s == StateUpdateFailed || s == StateDeleteFailed
}

// IsPolling returns true for the states in which a pending operation may exist.
func (s State) IsPolling() bool {
	return s == StateCreating || s == StateUpdating
}

// EventKind identifies the lifecycle request carried by an event.
type EventKind string

const (
	EventCreateRequested EventKind = "CREATE_REQUESTED"
	EventUpdateRequested EventKind = "UPDATE_REQUESTED"
	EventDeleteRequested EventKind = "DELETE_REQUESTED"
)

// Validate checks if the event kind is valid.
func (k EventKind) Validate() error {
	switch k {
	case EventCreateRequested, EventUpdateRequested, EventDeleteRequested:
		return nil
	default:
		return fmt.Errorf("invalid event kind: %q", string(k))
	}
}

// RequestedState returns the state an application is in while an event of
// this kind is waiting to be processed.
func (k EventKind) RequestedState() (State, error) {
	switch k {
	case EventCreateRequested:
		return StateCreateRequested, nil
	case EventUpdateRequested:
		return StateUpdateRequested, nil
	case EventDeleteRequested:
		return StateDeleteRequested, nil
	default:
		return "", fmt.Errorf("invalid event kind: %q", string(k))
	}
}

// OperationKind is the kind of asynchronous provisioning action being polled.
type OperationKind string

const (
	OperationCreate OperationKind = "CREATE"
	OperationUpdate OperationKind = "UPDATE"
)

// Validate checks if the operation kind is valid.
func (o OperationKind) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate:
		return nil
	default:
		return fmt.Errorf("invalid operation kind: %q", string(o))
	}
}

// PollingState returns the in-flight state that matches the operation.
func (o OperationKind) PollingState() State {
	if o == OperationUpdate {
		return StateUpdating
	}
	return StateCreating
}

// FailedState returns the failure state an operation of this kind settles to.
func (o OperationKind) FailedState() State {
	if o == OperationUpdate {
		return StateUpdateFailed
	}
	return StateCreateFailed
}
