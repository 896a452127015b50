// Package apperr defines the error kinds surfaced by the governance plane.
// Policy and disablement rejections are distinct kinds so operators can tell
// a protective refusal apart from a failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnknown         Kind = "UNKNOWN"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindDisabled        Kind = "DISABLED"
	KindPolicyViolation Kind = "POLICY_VIOLATION"
	KindBudgetExceeded  Kind = "BUDGET_EXCEEDED"
	KindBackpressure    Kind = "BACKPRESSURE"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindTimeout         Kind = "TIMEOUT"
)

// Error is a classified error. Two errors match under errors.Is when their kinds match.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrDisabled        = &Error{Kind: KindDisabled}
	ErrPolicyViolation = &Error{Kind: KindPolicyViolation}
	ErrBudgetExceeded  = &Error{Kind: KindBudgetExceeded}
	ErrBackpressure    = &Error{Kind: KindBackpressure}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrTimeout         = &Error{Kind: KindTimeout}
)

func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) *Error {
	return E(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return E(KindConflict, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return E(KindValidation, op, format, args...)
}

func PolicyViolation(op, format string, args ...any) *Error {
	return E(KindPolicyViolation, op, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsPolicy reports whether err is any policy rejection, budget included.
func IsPolicy(err error) bool {
	k := KindOf(err)
	return k == KindPolicyViolation || k == KindBudgetExceeded
}

// RetryAfterOf returns the back-off hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// HTTPStatus maps a kind to the status code used by the REST transport.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDisabled:
		return http.StatusLocked
	case KindPolicyViolation:
		return http.StatusForbidden
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindBackpressure:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
