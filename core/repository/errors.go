package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// Kind classifies gateway failures
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindValidation  Kind = "validation"
	KindUnavailable Kind = "unavailable"
	KindRemote      Kind = "remote"
	KindRPCMissing  Kind = "rpc_missing"
)

// Error is the typed error every gateway call rejects with
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return e.Op + ": " + e.Message
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrNotFound) works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

var (
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrUnavailable = &Error{Kind: KindUnavailable}
	ErrRPCMissing  = &Error{Kind: KindRPCMissing}
)

// Errorf builds a typed gateway error.
func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the gateway kind of err, or "" when err is not a gateway error.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// IsUnavailable reports whether err means the remote store could not be reached.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// Postgres SQLSTATE codes the gateway reacts to
const (
	pqUndefinedFunction    = "42883"
	pqUniqueViolation      = "23505"
	pqNotNullViolation     = "23502"
	pqCheckViolation       = "23514"
	pqForeignKeyViolation  = "23503"
	pqInvalidTextRepresent = "22P02"
)

// Normalize converts a driver or network error into a typed *Error.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: KindNotFound, Op: op, Message: "record not found", Err: err}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUndefinedFunction:
			return &Error{Kind: KindRPCMissing, Op: op, Message: pqErr.Message, Err: err}
		case pqUniqueViolation:
			return &Error{Kind: KindConflict, Op: op, Message: pqErr.Message, Err: err}
		case pqNotNullViolation, pqCheckViolation, pqForeignKeyViolation, pqInvalidTextRepresent:
			return &Error{Kind: KindValidation, Op: op, Message: pqErr.Message, Err: err}
		}
		return &Error{Kind: KindRemote, Op: op, Message: pqErr.Message, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return &Error{Kind: KindUnavailable, Op: op, Message: "remote store unreachable", Err: err}
	}
	return &Error{Kind: KindRemote, Op: op, Message: err.Error(), Err: err}
}
