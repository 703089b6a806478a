// Package apperr implements the error taxonomy that the rest of the core
// pipeline type-switches on to decide retry-ability and HTTP status mapping
// (spec §7): Validation, Auth, NotFound, Conflict, Upstream, Transient, and
// Permanent.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindUpstream   Kind = "upstream"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
)

// Error wraps an underlying cause with a taxonomy Kind and an entity/id
// context, mirroring the teacher's NotFoundError but generalized to every
// branch of the taxonomy.
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Err    error
}

func (e *Error) Error() string {
	if e.Entity != "" && e.ID != "" {
		return fmt.Sprintf("%s: %s '%s': %v", e.Kind, e.Entity, e.ID, e.Err)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, entity, id string, err error) error {
	return &Error{Kind: kind, Entity: entity, ID: id, Err: err}
}

func Validation(msg string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(msg, args...)}
}

func Auth(msg string, args ...any) error {
	return &Error{Kind: KindAuth, Err: fmt.Errorf(msg, args...)}
}

func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Err: errors.New("not found")}
}

func Conflict(entity, id string, err error) error {
	if err == nil {
		err = errors.New("conflict")
	}
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Err: err}
}

func Upstream(entity string, err error) error {
	return &Error{Kind: KindUpstream, Entity: entity, Err: err}
}

func Transient(entity string, err error) error {
	return &Error{Kind: KindTransient, Entity: entity, Err: err}
}

func Permanent(entity string, err error) error {
	return &Error{Kind: KindPermanent, Entity: entity, Err: err}
}

// KindOf extracts the taxonomy Kind from err, defaulting to KindPermanent
// for errors that were never classified (programming errors should fail
// loud rather than be retried silently forever).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

// Retryable reports whether err belongs to a retryable branch of the
// taxonomy (spec §7): Upstream and Transient are retryable, everything else
// is not. resilience.RetryClassified consults it; the queue substrate does
// not, and redelivers a failed job whatever its error kind.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindTransient:
		return true
	default:
		return false
	}
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsAuth(err error) bool       { return KindOf(err) == KindAuth }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
