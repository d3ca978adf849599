package events

import (
	"encoding/json"
	"fmt"

	"github.com/fnplane/fnplane/pkg/engine"
)

// Encode serializes an event as {"applicationName": ..., "type": ...}.
func Encode(ev engine.LifecycleEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// Decode parses and validates an encoded event.
func Decode(data []byte) (engine.LifecycleEvent, error) {
	var ev engine.LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return engine.LifecycleEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return engine.LifecycleEvent{}, err
	}
	return ev, nil
}
