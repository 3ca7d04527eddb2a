package models

import (
	"errors"
	"fmt"
)

// ConflictReason narrows a ConflictError to the invariant it protects.
type ConflictReason string

const (
	ReasonDuplicateName ConflictReason = "DUPLICATE_NAME"
	ReasonCycleDetected ConflictReason = "CYCLE_DETECTED"
	ReasonDepthExceeded ConflictReason = "DEPTH_EXCEEDED"
	ReasonHasChildren   ConflictReason = "HAS_CHILDREN"
	ReasonUnique        ConflictReason = "UNIQUE_VIOLATION"
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Msg)
}

// NotFoundError reports a missing referenced entity.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

// ConflictError reports a violated uniqueness, cycle or depth invariant.
type ConflictError struct {
	Reason ConflictReason
	Msg    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%s): %s", e.Reason, e.Msg)
}

// ErrBusy is returned by non-blocking dispatch when the input queue is full.
var ErrBusy = errors.New("engine busy: input queue full")

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a ConflictError with the given
// reason; an empty reason matches any conflict.
func IsConflict(err error, reason ConflictReason) bool {
	var c *ConflictError
	if !errors.As(err, &c) {
		return false
	}
	return reason == "" || c.Reason == reason
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
