package fleet

import (
	"errors"
	"fmt"
)

// Sentinel errors for runtime operations.
var (
	ErrBadTransition   = errors.New("invalid lifecycle transition")
	ErrBindConflict    = errors.New("port held by another process")
	ErrNotRunning      = errors.New("runtime is not running")
	ErrUnknownInstance = errors.New("instance id not in topology")
)

// State is the lifecycle state of one fleet process.
// Transitions only move forward:
//
//	Starting → PortBinding → RoleNegotiation → Running → Stopping → Stopped
//
// A failure before Running skips ahead to Stopping or Stopped.
type State int

const (
	Starting        State = iota // registering in the shared store
	PortBinding                  // HTTP-capable instances bind ssl, plain and admin
	RoleNegotiation              // claiming secretary and manager
	Running                      // heartbeat loop active
	Stopping                     // closing listeners and releasing roles
	Stopped                      // terminal
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case PortBinding:
		return "PortBinding"
	case RoleNegotiation:
		return "RoleNegotiation"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitionError reports a refused state change.
type transitionError struct {
	From, To State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrBadTransition, e.From, e.To)
}

func (e *transitionError) Unwrap() error {
	return ErrBadTransition
}

// checkTransition allows every forward move.
func checkTransition(from, to State) error {
	if to <= from || to > Stopped {
		return &transitionError{From: from, To: to}
	}
	return nil
}
