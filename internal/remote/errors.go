package remote

import (
	"errors"
	"fmt"

	"github.com/roach88/questlog/internal/tracker"
)

// TransportError means the backend was unreachable or refused the request.
// The affected change must stay queued.
type TransportError struct {
	// Op is the backend operation that failed (ping, load_all, apply).
	Op string

	// Code is the backend's error code when it returned one (SQLSTATE for Postgres).
	Code string

	Err error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s: %v (code=%s)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConflictError means the change targets an entity the backend no longer
// has. The change is dropped.
type ConflictError struct {
	ChangeID string
	Type     tracker.ChangeType
	Entity   tracker.Entity
	EntityID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict: %s %s/%s (change=%s): entity not found",
		e.Type, e.Entity, e.EntityID, e.ChangeID)
}

// RejectedError means the backend refused the change itself, for example a
// payload that violates a constraint. Retrying cannot succeed, so the
// change is dropped.
type RejectedError struct {
	ChangeID string

	// Code is the backend's error code when it returned one (SQLSTATE for Postgres).
	Code string

	Err error
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected change %s: %v (code=%s)", e.ChangeID, e.Err, e.Code)
	}
	return fmt.Sprintf("remote rejected change %s: %v", e.ChangeID, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// IsTransport returns true if err is or wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsConflict returns true if err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsRejected returns true if err is or wraps a *RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

func rejected(c tracker.Change, err error) *RejectedError {
	return &RejectedError{ChangeID: c.ID, Err: err}
}

func conflict(c tracker.Change) *ConflictError {
	return &ConflictError{ChangeID: c.ID, Type: c.Type, Entity: c.Entity, EntityID: c.EntityID}
}
