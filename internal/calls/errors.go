package calls

import (
	"errors"
	"fmt"
)

var (
	ErrConflict          = errors.New("calls: outstanding call exists")
	ErrInvalidTransition = errors.New("calls: invalid transition")
	ErrNotFound          = errors.New("calls: record not found")
)

// ConflictError is returned by Create when the pair already has a ringing or
// accepted record.
type ConflictError struct {
	CallerID   string
	ReceiverID string
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("calls: %s -> %s already has outstanding call %s", e.CallerID, e.ReceiverID, e.ExistingID)
	}
	return fmt.Sprintf("calls: %s -> %s already has an outstanding call", e.CallerID, e.ReceiverID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError is returned when a record cannot move to the
// requested status. From is the status the record actually holds.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("calls: %s cannot go %s -> %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError is returned for an unknown call id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("calls: record %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IsConflict, IsInvalidTransition and IsNotFound are shorthands for errors.Is
// against the package sentinels.
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
