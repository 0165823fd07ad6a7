package store

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPrincipal  = errors.New("principal is required")
	errUnknownTable      = errors.New("unknown table")
	errInvalidColumn     = errors.New("invalid column")
	errReservedColumn    = errors.New("reserved column")
	errNoMatchingRow     = errors.New("no matching row")
	errForeignRow        = errors.New("row belongs to another owner")
	errParentMissing     = errors.New("parent row not found")
	errRowExists         = errors.New("row already exists")
)

// ServiceError carries an <operation>.<reason> code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-qualified failure reason.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew = "store.new"
	opSelect   = "store.select"
	opInsert   = "store.insert"
	opUpdate   = "store.update"
	opDelete   = "store.delete"
	opChannel  = "store.open_channel"
)

const (
	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingPrincipal  = "missing_principal"
	reasonUnknownTable      = "unknown_table"
	reasonInvalidFilter     = "invalid_filter"
	reasonInvalidRow        = "invalid_row"
	reasonQueryFailed       = "query_failed"
	reasonDecodeFailed      = "decode_failed"
	reasonEncodeFailed      = "encode_failed"
	reasonIDFailed          = "id_generation_failed"
	reasonParentMissing     = "parent_missing"
	reasonForbidden         = "forbidden"
	reasonNotFound          = "not_found"
	reasonConflict          = "conflict"
	reasonWriteFailed       = "write_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// classify attaches the remote classification to a store failure.
func classify(code remote.Code, operation, reason string, cause error) error {
	return remote.WrapError(code, newServiceError(operation, reason, cause))
}
