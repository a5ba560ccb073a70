package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind is the closed set of failure categories an adapter can report.
type ErrorKind string

const (
	KindConnRefused ErrorKind = "connection_refused"
	KindTimeout     ErrorKind = "timeout"
	KindDNS         ErrorKind = "dns_failure"
	KindHTTP        ErrorKind = "http_status"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindUnavailable ErrorKind = "unavailable"
	KindRejected    ErrorKind = "rejected"
	KindUnknown     ErrorKind = "unknown"
)

// Normalized error codes reported on failed step events.
const (
	CodeConnRefused = "ECONNREFUSED"
	CodeTimeout     = "ETIMEDOUT"
	CodeDNS         = "ENOTFOUND"
	CodeRateLimited = "RATE_LIMITED"
	CodeAuth        = "AUTH_FAILED"
	CodeValidation  = "VALIDATION_FAILED"
	CodeUnavailable = "STRATEGY_UNAVAILABLE"
	CodeRejected    = "REJECTED"
	CodeUnknown     = "UNKNOWN_ERROR"
)

// Error is the typed error adapters return at their boundary.
// Status carries an HTTP-like status when the failure came from an upstream
// response; Code overrides the derived error code when set.
type Error struct {
	Kind   ErrorKind
	Status int
	Code   string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s %d", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the normalized code for this error.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	switch e.Kind {
	case KindConnRefused:
		return CodeConnRefused
	case KindTimeout:
		return CodeTimeout
	case KindDNS:
		return CodeDNS
	case KindRateLimited:
		return CodeRateLimited
	case KindAuth:
		return CodeAuth
	case KindValidation:
		return CodeValidation
	case KindUnavailable:
		return CodeUnavailable
	case KindRejected:
		return CodeRejected
	case KindHTTP:
		if e.Status != 0 {
			return fmt.Sprintf("HTTP_%d", e.Status)
		}
	}
	return CodeUnknown
}

// Retryable reports whether the same request may succeed if attempted again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnRefused, KindTimeout, KindDNS, KindRateLimited:
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusError builds an *Error from an upstream HTTP status.
func StatusError(op string, status int, err error) *Error {
	kind := KindHTTP
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	}
	return &Error{Kind: kind, Status: status, Op: op, Err: err}
}

// Unavailable reports that a strategy cannot run at all, e.g. missing credentials.
func Unavailable(op, reason string) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: errors.New(reason)}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Classify returns the normalized error code and retryability of err.
// Typed adapter errors are classified by kind and status; raw network
// errors fall back to the same table.
func Classify(err error) (code string, retryable bool) {
	if err == nil {
		return "", false
	}
	if ae, ok := AsError(err); ok {
		return ae.ErrorCode(), ae.Retryable()
	}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused, true
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return CodeTimeout, true
		}
		return CodeDNS, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout, true
	}
	return CodeUnknown, false
}
