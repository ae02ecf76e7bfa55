// Package events streams the lifecycle of a pipeline run to its listeners.
//
// A run emits one start event, one progress event per executed stage, and
// then exactly one terminal event, complete or error. Every listener gets
// its own bounded FIFO queue; after the terminal event the queue carries a
// nil sentinel and the listener's channel is closed.
package events

import (
	"encoding/json"
	"fmt"
)

// Type is the event_type of an Event.
type Type string

const (
	TypeStart    Type = "start"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Stage names used by events that are not tied to a pipeline node.
const (
	StageInit = "init"
	StageDone = "done"
)

// Event is one entry of a run's stream. The JSON form is the wire shape
// served to clients.
type Event struct {
	Type    Type   `json:"event_type"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Terminal reports whether e ends a stream.
func (e *Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Decode parses the wire shape.
func Decode(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	switch e.Type {
	case TypeStart, TypeProgress, TypeComplete, TypeError:
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return &e, nil
}
