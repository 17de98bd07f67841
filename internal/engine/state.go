package engine

import (
	"errors"
	"fmt"
)

// State is the engine run state. Transitions only move forward:
// Idle -> Running -> Stopping -> Stopped.
type State int32

// Engine states.
const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

// ErrInvalidState is returned when an operation is not valid in the current state.
var ErrInvalidState = errors.New("invalid engine state")

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
