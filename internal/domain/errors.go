package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure by how the orchestrator should react.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota
	// KindDegraded means a dependency failed but a safe fallback applied.
	KindDegraded
	// KindPremiumUnavailable means every model candidate was down; the
	// pulse falls through to rule enhancement.
	KindPremiumUnavailable
	// KindParse means a model reply could not be coerced into insights.
	KindParse
	// KindConflict means a pulse_id arrived with different content.
	KindConflict
	// KindPoison marks an event that can never succeed; it goes to the DLQ
	// without retries.
	KindPoison
	// KindFatal aborts the event; operator attention required.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDegraded:
		return "degraded"
	case KindPremiumUnavailable:
		return "premium_unavailable"
	case KindParse:
		return "parse"
	case KindConflict:
		return "conflict"
	case KindPoison:
		return "poison"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error. Wrap with the E* constructors so the
// orchestrator can route on kind via errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ETransient(op string, err error) *Error   { return newError(KindTransient, op, err) }
func EDegraded(op string, err error) *Error    { return newError(KindDegraded, op, err) }
func EUnavailable(op string, err error) *Error { return newError(KindPremiumUnavailable, op, err) }
func EParse(op string, err error) *Error       { return newError(KindParse, op, err) }
func EConflict(op string, err error) *Error    { return newError(KindConflict, op, err) }
func EPoison(op string, err error) *Error      { return newError(KindPoison, op, err) }
func EFatal(op string, err error) *Error       { return newError(KindFatal, op, err) }

// KindOf extracts the classification, defaulting unclassified errors to
// transient so unknown failures get retried rather than dropped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the orchestrator should schedule another
// attempt for this failure.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPremiumUnavailable:
		return true
	default:
		return false
	}
}
