package collection

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
)

var (
	// ErrNotAuthenticated indicates an owner-scoped operation without an active session.
	ErrNotAuthenticated = errors.New("collection: not authenticated")
	// ErrNotFound indicates the remote store holds no matching row for id and owner.
	ErrNotFound = errors.New("collection: record not found")
	// ErrUnauthorized indicates the record exists but belongs to another owner.
	ErrUnauthorized = errors.New("collection: record belongs to another owner")
	// ErrRemoteUnavailable indicates a network or transient remote failure.
	ErrRemoteUnavailable = errors.New("collection: remote unavailable")
	// ErrValidationFailed indicates a request rejected before or by the remote call.
	ErrValidationFailed = errors.New("collection: validation failed")
	// ErrClosed indicates an operation on a closed collection.
	ErrClosed = errors.New("collection: closed")
)

const (
	opLoad   = "load"
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
	opBind   = "bind"
)

// Error reports a failed collection operation. errors.Is matches both the kind
// (ErrNotFound, ErrRemoteUnavailable, ...) and the underlying cause.
type Error struct {
	Entity string
	Op     string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s.%s: %v", e.Entity, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s.%s: %v: %v", e.Entity, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(entity, op string, kind, cause error) *Error {
	return &Error{Entity: entity, Op: op, Kind: kind, Err: cause}
}

// kindOf maps a remote failure onto the collection taxonomy.
func kindOf(err error) error {
	switch remote.CodeOf(err) {
	case remote.CodeNotFound:
		return ErrNotFound
	case remote.CodeForbidden:
		return ErrUnauthorized
	case remote.CodeUnauthenticated:
		return ErrNotAuthenticated
	case remote.CodeInvalid, remote.CodeConflict:
		return ErrValidationFailed
	default:
		return ErrRemoteUnavailable
	}
}
