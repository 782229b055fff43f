// Package fault classifies pipeline errors so the worker can route them.
// Every adapter wraps provider failures in exactly one kind at the point
// of occurrence; the worker never inspects provider errors directly.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies how a failure must be handled downstream.
type Kind int

const (
	// KindValidation is a caller bug. Rejected at ingress, never enqueued.
	KindValidation Kind = iota
	// KindTransient covers store/LLM/embedder timeouts and 5xx responses.
	// The task is not acked and redelivers after the visibility timeout.
	KindTransient
	// KindSchema means LLM output failed validation after all re-prompts.
	KindSchema
	// KindConflict is an optimistic-concurrency loss during resolution.
	KindConflict
	// KindPermanent covers unrecoverable states such as a group deleted
	// mid-task or a missing referenced node. Dead-lettered without retry.
	KindPermanent
	// KindHandler is a dispatcher internal-handler failure. Logged and
	// counted only; never affects the task that emitted the event.
	KindHandler
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindSchema:
		return "schema"
	case KindConflict:
		return "conflict"
	case KindPermanent:
		return "permanent"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a routing kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Validation builds a KindValidation error.
func Validation(format string, args ...interface{}) error {
	return New(KindValidation, format, args...)
}

// Transient classifies err as retryable.
func Transient(err error) error { return Wrap(KindTransient, err) }

// Schema classifies err as an LLM schema failure.
func Schema(err error) error { return Wrap(KindSchema, err) }

// Conflict classifies err as a CAS loss.
func Conflict(err error) error { return Wrap(KindConflict, err) }

// Permanent classifies err as unrecoverable.
func Permanent(err error) error { return Wrap(KindPermanent, err) }

// KindOf extracts the classification of err. Unclassified errors are
// treated as transient: redelivery is the safe default for an unknown
// failure, and the retry budget still bounds it.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsTransient reports whether err should be retried via redelivery.
// Conflicts count: the worker retries them inline first, and a conflict
// that escapes the inline budget still redelivers safely.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindConflict
}

// IsDeadLetter reports whether err must go straight to the dead-letter
// queue regardless of the remaining retry budget.
func IsDeadLetter(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindSchema || k == KindPermanent
}
