package engine

import (
	"errors"
	"fmt"

	"stageline/internal/db"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

// Error kinds. The server maps each kind to one HTTP status.
const (
	KindValidation    = "validation"
	KindPrecondition  = "precondition"
	KindInvalidState  = "invalid_state"
	KindConflict      = "conflict"
	KindAuthorization = "authorization"
	KindNotFound      = "not_found"
)

// Error is a classified engine failure. Reason is a stable machine code such
// as "stage_plan_not_approved".
type Error struct {
	Kind    string
	Reason  string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func validationError(reason, format string, args ...any) *Error {
	return newError(KindValidation, reason, format, args...)
}

func preconditionError(reason, format string, args ...any) *Error {
	return newError(KindPrecondition, reason, format, args...)
}

func invalidStateError(reason, format string, args ...any) *Error {
	return newError(KindInvalidState, reason, format, args...)
}

func conflictError(reason, format string, args ...any) *Error {
	return newError(KindConflict, reason, format, args...)
}

func notFoundError(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Reason: entity + "_not_found", Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// KindOf returns the error kind, or "" for unclassified errors.
func KindOf(err error) string {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindAuthorization
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return ""
}

// ReasonOf returns the reason code of a classified error.
func ReasonOf(err error) string {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Reason
	}
	switch KindOf(err) {
	case KindAuthorization:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	}
	return ""
}

// classify turns storage and authorization failures into *Error values.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ee *Error
	if errors.As(err, &ee) {
		return err
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return &Error{Kind: KindAuthorization, Reason: "forbidden", Message: fe.Error(), Details: map[string]any{"action": fe.Action}}
	}
	if errors.Is(err, repo.ErrStale) {
		return conflictError("stale_revision", "record was modified concurrently; reload and retry")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return &Error{Kind: KindNotFound, Reason: "not_found", Message: err.Error()}
	}
	if db.IsConflict(err) {
		return conflictError("storage_conflict", "conflicting write: %v", err)
	}
	return err
}
