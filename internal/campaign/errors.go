package campaign

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("campaign: not found")
	ErrInvalidTransition = errors.New("campaign: invalid status transition")
	ErrQueueUnavailable  = errors.New("campaign: queue unavailable")
	ErrJobStarted        = errors.New("campaign: queue job already started")
	ErrRecipientTerminal = errors.New("campaign: recipient already processed")
	// ErrLeaseLost: кампания больше не в sending, воркер должен остановиться.
	ErrLeaseLost = errors.New("campaign: campaign is no longer sending")
)

// ValidationError is bad or missing input. Nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ConfigError lists required settings that are absent.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "missing settings: " + strings.Join(e.Missing, ", ")
}

// CollaboratorError wraps a failure of an external dependency (generator, queue, transport).
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return e.Collaborator + ": " + e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

type TransitionError struct {
	ID   int64
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign %d: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
