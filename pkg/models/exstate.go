package models

import (
	"errors"
	"fmt"
	"strings"
)

// ExState is the lifecycle state of an execution.
type ExState string

const (
	StateRunning ExState = "running"
	StatePaused  ExState = "paused"
	StateCleanup ExState = "cleanup"
	StateStopped ExState = "stopped"
)

// Command is an external request to change an execution's state.
type Command string

const (
	CommandRun    Command = "run"
	CommandPause  Command = "pause"
	CommandCancel Command = "cancel"
	CommandStop   Command = "stop"
)

var (
	ErrInvalidState   = errors.New("invalid execution state")
	ErrInvalidCommand = errors.New("invalid execution command")
)

// ParseExState accepts the stored form of a state, tolerating quotes and case.
func ParseExState(s string) (ExState, error) {
	switch ExState(strings.ToLower(strings.Trim(s, "\" "))) {
	case StateRunning:
		return StateRunning, nil
	case StatePaused:
		return StatePaused, nil
	case StateCleanup:
		return StateCleanup, nil
	case StateStopped:
		return StateStopped, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

func ParseCommand(s string) (Command, error) {
	switch Command(strings.ToLower(strings.TrimSpace(s))) {
	case CommandRun:
		return CommandRun, nil
	case CommandPause:
		return CommandPause, nil
	case CommandCancel:
		return CommandCancel, nil
	case CommandStop:
		return CommandStop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, s)
	}
}

// Target is the state a command asks for. Cancel targets Running: the cancellation itself is
// carried out by the decider.
func (c Command) Target() ExState {
	switch c {
	case CommandPause:
		return StatePaused
	case CommandStop:
		return StateStopped
	default:
		return StateRunning
	}
}

// Event is the history fact recorded when the command is accepted.
func (c Command) Event() Event {
	switch c {
	case CommandPause:
		return WorkflowExecutionPaused{}
	case CommandCancel:
		return WorkflowExecutionCancelled{}
	case CommandStop:
		return WorkflowStopped{}
	default:
		return WorkflowExecutionResumed{}
	}
}

// Accepts reports whether cmd is acted on in state s. A rejected command leaves the state
// untouched and records nothing.
func (s ExState) Accepts(cmd Command) bool {
	target := cmd.Target()

	switch {
	case s == StateStopped:
		return false
	case s == StateCleanup:
		return target == StateStopped
	case s == target:
		return cmd == CommandCancel
	default:
		return true
	}
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ExState) bool {
	switch from {
	case StateRunning:
		return to == StatePaused || to == StateCleanup || to == StateStopped || to == StateRunning
	case StatePaused:
		return to == StateRunning || to == StateStopped || to == StatePaused
	case StateCleanup:
		return to == StateStopped || to == StateCleanup
	default:
		return false
	}
}

// Decidable reports whether a decider may claim an execution in this state.
func (s ExState) Decidable() bool {
	return s == StateRunning || s == StateCleanup
}

// Terminal reports whether the state is absorbing.
func (s ExState) Terminal() bool {
	return s == StateStopped
}
