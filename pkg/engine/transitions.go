package engine

// DeploymentTransition returns the state an application moves to when a
// deployment is requested, and the event that must be published for it.
func DeploymentTransition(name string, current State) (State, EventKind, error) {
	switch current {
	case StateNew, StateDeleted, StateCreateFailed:
		return StateCreateRequested, EventCreateRequested, nil
	case StateActive, StateUpdateFailed:
		return StateUpdateRequested, EventUpdateRequested, nil
	case StateCreateRequested, StateCreating, StateUpdateRequested,
		StateUpdating, StateDeleteRequested:
		return current, "", NewDeploymentInProgressError(name, current)
	case StateDeleteFailed:
		return current, "", NewDeletionFailedError(name)
	default:
		return current, "", NewInvalidStateError(name, current)
	}
}

// DeletionTransition returns the state an application moves to when its
// deletion is requested. noop is true when the request must leave the
// application untouched and publish nothing.
func DeletionTransition(name string, current State) (next State, kind EventKind, noop bool, err error) {
	switch current {
	case StateDeleted, StateDeleteRequested:
		return current, "", true, nil
	case StateNew, StateCreateRequested, StateCreating, StateUpdateRequested,
		StateUpdating, StateActive, StateCreateFailed, StateUpdateFailed,
		StateDeleteFailed:
		return StateDeleteRequested, EventDeleteRequested, false, nil
	default:
		return current, "", false, NewInvalidStateError(name, current)
	}
}
