package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies storage failures for callers that branch on them.
type Kind int

const (
	KindUnknown Kind = iota
	KindConflict
	KindNotFound
	KindIntegrity
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "integrity"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps a driver error with its classification and the violated
// constraint name when the driver reports one.
type Error struct {
	Kind       Kind
	Op         string
	Constraint string
	Err        error
}

func (e *Error) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("storage %s: %s (%s): %v", e.Op, e.Kind, e.Constraint, e.Err)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a storage Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// ConstraintName returns the violated constraint, or "".
func ConstraintName(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Constraint
	}
	return ""
}

// wrapErr maps driver errors onto the storage taxonomy. nil passes through.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &Error{Kind: KindConflict, Op: op, Constraint: pgErr.ConstraintName, Err: err}
		case "23503", "23514", "23502": // fk, check, not-null
			return &Error{Kind: KindIntegrity, Op: op, Constraint: pgErr.ConstraintName, Err: err}
		case "57014", "55P03": // query_canceled, lock_not_available
			return &Error{Kind: KindTimeout, Op: op, Err: err}
		}
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}
