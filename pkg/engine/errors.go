// Package engine implements the reconciliation core of Helmstead: the
// topology model, the join coordinator, the diff engine, the sync executor
// and the drift watcher.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery behavior.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary infrastructure failure that
	// may succeed on retry. Examples: network blips, API rate limits.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state race, such as an applied
	// generation that moved underneath a plan. Resolved by re-diffing.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassValidation indicates a bad workload specification.
	// Fatal for the action that carries it, never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassToken indicates a join-token failure (expired or reused).
	ErrorClassToken ErrorClass = "token"

	// ErrorClassPermanent indicates any other non-recoverable failure.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is a classified error carrying reconciliation context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Workload is the workload name that caused the error, if applicable.
	Workload string `json:"workload,omitempty"`

	// Node is the node ID that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Workload != "" && e.Op != "":
		return fmt.Sprintf("[%s] %s (workload=%s, op=%s)%s", e.Class, e.Message, e.Workload, e.Op, e.suffix())
	case e.Node != "":
		return fmt.Sprintf("[%s] %s (node=%s)%s", e.Class, e.Message, e.Node, e.suffix())
	case e.Workload != "":
		return fmt.Sprintf("[%s] %s (workload=%s)%s", e.Class, e.Message, e.Workload, e.suffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.suffix())
	}
}

func (e *Error) suffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Unwrap returns the underlying error for chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements equality for errors.Is. Two classified errors match when
// their class and code agree, which lets sentinels compare by meaning
// rather than by instance.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient infrastructure error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a state-conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewValidationError creates a spec validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewTokenError creates a join-token error.
func NewTokenError(message string, err error) *Error {
	return &Error{Class: ErrorClassToken, Message: message, Err: err}
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithWorkload adds workload context to an error.
func (e *Error) WithWorkload(name string) *Error {
	e.Workload = name
	return e
}

// WithNode adds node context to an error.
func (e *Error) WithNode(id string) *Error {
	e.Node = id
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// IsTransient reports whether the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict reports whether the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsValidation reports whether the error is a spec validation failure.
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsTokenError reports whether the error is a join-token failure.
func IsTokenError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassToken
	}
	return false
}

// IsRetryable reports whether the error may succeed on retry.
// Transient errors are retried with backoff; conflicts are retried by
// re-diffing, so both count as retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeTokenExpired     = "TOKEN_EXPIRED"
	ErrCodeTokenUsed        = "TOKEN_ALREADY_USED"
	ErrCodeTokenUnknown     = "TOKEN_UNKNOWN"
	ErrCodeHandshakeTimeout = "HANDSHAKE_TIMEOUT"
	ErrCodeStalePlan        = "STALE_PLAN"
	ErrCodePlanConsumed     = "PLAN_CONSUMED"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Sentinel errors for the join handshake and plan lifecycle. Compare with
// errors.Is; the Is method above matches on class and code.
var (
	// ErrTokenExpired is returned by CompleteJoin when the token TTL has
	// elapsed.
	ErrTokenExpired = &Error{Class: ErrorClassToken, Code: ErrCodeTokenExpired, Message: "join token expired"}

	// ErrTokenAlreadyUsed is returned by CompleteJoin when the token was
	// already consumed by a successful join.
	ErrTokenAlreadyUsed = &Error{Class: ErrorClassToken, Code: ErrCodeTokenUsed, Message: "join token already used"}

	// ErrTokenUnknown is returned for tokens the coordinator never issued,
	// or tokens bound to a different node.
	ErrTokenUnknown = &Error{Class: ErrorClassToken, Code: ErrCodeTokenUnknown, Message: "join token unknown"}

	// ErrStalePlan is returned by Apply when a plan targets a generation
	// older than the one already applied.
	ErrStalePlan = &Error{Class: ErrorClassConflict, Code: ErrCodeStalePlan, Message: "plan targets an already superseded generation"}

	// ErrPlanConsumed is returned by Apply when a plan is applied a second
	// time; plans are consumed exactly once.
	ErrPlanConsumed = &Error{Class: ErrorClassConflict, Code: ErrCodePlanConsumed, Message: "plan already consumed"}
)
