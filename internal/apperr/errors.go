// Package apperr defines the error taxonomy shared by every component.
//
// Each error carries a Kind that decides how it is propagated: validation and
// auth errors fail fast at the boundary and are never retried, upstream errors
// are retried inside the owning component only, and everything maps to one
// HTTP status at the API edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindVersionConflict
	KindUpstream
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindVersionConflict:
		return "version_conflict"
	case KindUpstream:
		return "upstream_unavailable"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is the structured error returned across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// RetryAfter is a server-supplied hint (upstream or rate limit).
	RetryAfter time.Duration
	// Fields lists offending input fields for validation errors.
	Fields []string
	// Permanent marks upstream rejections that must not be retried.
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Code != "" {
		sb.WriteString(" (" + e.Code + ")")
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if len(e.Fields) > 0 {
		sb.WriteString(" [" + strings.Join(e.Fields, ", ") + "]")
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind so errors.Is(err, apperr.ErrNotFound) works for
// any not-found error regardless of code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrAuth            = &Error{Kind: KindAuth}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrVersionConflict = &Error{Kind: KindVersionConflict}
	ErrUpstream        = &Error{Kind: KindUpstream}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrInternal        = &Error{Kind: KindInternal}

	// ErrDataIncomplete is a validation error raised when evidence counters
	// are missing or non-finite.
	ErrDataIncomplete = &Error{Kind: KindValidation, Code: "data_incomplete"}
)

// Validation builds a validation error for the given fields.
func Validation(code, message string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Fields: fields}
}

// DataIncomplete reports missing evidence counters for a strategy.
func DataIncomplete(strategyID string, fields ...string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "data_incomplete",
		Message: fmt.Sprintf("evidence incomplete for strategy %s", strategyID),
		Fields:  fields,
	}
}

// Auth builds an authentication error.
func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

// NotFound builds a not-found error for an entity id.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Code: entity + "_not_found", Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// VersionConflict reports a lost compare-and-swap.
func VersionConflict(expected int64, err error) *Error {
	return &Error{
		Kind:    KindVersionConflict,
		Code:    "version_conflict",
		Message: fmt.Sprintf("snapshot version %d is no longer current", expected),
		Err:     err,
	}
}

// Upstream wraps a failure of an external system.
func Upstream(code string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Err: err}
}

// Rejected wraps a permanent upstream rejection that must not be retried.
func Rejected(code, message string) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: message, Permanent: true}
}

// RateLimited builds an admission-control error.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "too many requests", RetryAfter: retryAfter}
}

// Internal wraps an unexpected failure.
func Internal(code string, err error) *Error {
	return &Error{Kind: KindInternal, Code: code, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsPermanent reports whether err is an upstream rejection that must not be retried.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Permanent
}

// Retryable reports whether the retry policy may try again after err.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	return e.Kind == KindUpstream && !e.Permanent
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// FromHTTPStatus classifies a non-2xx response from an external system.
// 404 maps to not-found, 408/429/5xx to retryable upstream errors carrying
// the Retry-After hint, and any other 4xx to a permanent rejection.
func FromHTTPStatus(code string, status int, retryAfterHeader string, body string) *Error {
	msg := fmt.Sprintf("status %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == 404:
		return &Error{Kind: KindNotFound, Code: code + "_not_found", Message: msg}
	case status == 408 || status == 429 || status >= 500:
		return &Error{Kind: KindUpstream, Code: code, Message: msg, RetryAfter: ParseRetryAfter(retryAfterHeader)}
	default:
		return &Error{Kind: KindUpstream, Code: code + "_rejected", Message: msg, Permanent: true}
	}
}

// ParseRetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
