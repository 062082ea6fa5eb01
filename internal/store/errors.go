// ABOUTME: Error taxonomy shared by the store, router, lock manager and escalation engine
// ABOUTME: Sentinels for errors.Is plus typed errors carrying the conflicting state

package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key (conversation external id) already exists
	ErrDuplicate = errors.New("already exists")

	// ErrVersionConflict is returned when a compare-and-swap write loses to a concurrent writer
	ErrVersionConflict = errors.New("version conflict")

	ErrValidation              = errors.New("validation error")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrInvalidAlertTransition  = errors.New("invalid alert transition")
	ErrAlreadyLocked           = errors.New("already locked")
	ErrNotLocked               = errors.New("not locked")
	ErrConversationArchived    = errors.New("conversation archived")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrDuplicateMessage        = errors.New("duplicate message")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError reports a state-machine edge that does not exist.
type TransitionError struct {
	ConversationID string
	From           ConversationState
	Event          string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: conversation %s cannot handle %q in state %s", e.ConversationID, e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// AlertTransitionError reports an alert lifecycle violation.
type AlertTransitionError struct {
	AlertID string
	From    AlertStatus
	To      AlertStatus
}

func (e *AlertTransitionError) Error() string {
	return fmt.Sprintf("invalid alert transition: alert %s is %s, cannot become %s", e.AlertID, e.From, e.To)
}

func (e *AlertTransitionError) Is(target error) bool { return target == ErrInvalidAlertTransition }

// AlreadyLockedError carries the current holder so callers can surface it.
type AlreadyLockedError struct {
	ConversationID string
	Holder         string
	LockedAt       time.Time
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("conversation %s is locked by %s", e.ConversationID, e.Holder)
}

func (e *AlreadyLockedError) Is(target error) bool { return target == ErrAlreadyLocked }
