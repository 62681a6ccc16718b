// Package fault classifies failures so the executor can decide between
// retrying, failing a step outright, or recording a first-class skip.
package fault

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how the executor must react.
type Kind int

const (
	// KindTransient failures are retried under the step's backoff policy.
	KindTransient Kind = iota

	// KindPermanent failures fail the step immediately, no retry.
	KindPermanent

	// KindDisabled marks a dependency that is configured off. The step
	// completes successfully with a skipped result summary.
	KindDisabled

	// KindFatal failures poison the job; it is dropped without retry and
	// the step is failed.
	KindFatal
)

// String returns the lower-case name used in logs and result summaries.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDisabled:
		return "disabled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Transientf formats a retryable failure.
func Transientf(format string, args ...any) error {
	return &Error{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return &Error{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// Disabled reports a dependency that is configured off. reason is surfaced
// in the step's skipped result summary.
func Disabled(reason string) error {
	return &Error{Kind: KindDisabled, Err: errors.New(reason)}
}

// Fatal wraps err as a poison failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// KindOf classifies err. Unclassified errors default to transient so that
// unknown infrastructure failures get retried rather than dropped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsDisabled reports whether err marks a disabled dependency.
func IsDisabled(err error) bool { return errorIs(err, KindDisabled) }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errorIs(err, KindTransient) }

func errorIs(err error, k Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == k
}

// Reason returns the unwrapped message of a classified error, or the plain
// error string for unclassified errors.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
