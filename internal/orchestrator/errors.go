package orchestrator

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/eventcast/internal/adapter"
)

// ErrorKind classifies failures surfaced synchronously by Submit.
type ErrorKind string

const (
	KindPrecondition ErrorKind = "precondition"
	KindAccess       ErrorKind = "access"
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindUpstream     ErrorKind = "upstream"
	KindConnection   ErrorKind = "connection"
	KindInternal     ErrorKind = "internal"
)

// Error is returned by Submit for anything that fails before background
// publishing starts.
type Error struct {
	Kind       ErrorKind
	Message    string
	Platforms  []string            // offending platforms for access errors
	Violations []adapter.Violation // for validation errors
	SessionID  string              // set when the session was already opened
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Platforms) > 0 {
		msg += ": " + strings.Join(e.Platforms, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindPrecondition:
		return http.StatusBadRequest
	case KindAccess:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	case KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the kind of an orchestrator error, or KindInternal.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}

func precondition(msg string) *Error {
	return &Error{Kind: KindPrecondition, Message: msg}
}

// classify wraps an unexpected failure into the submit taxonomy.
func classify(msg string, err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	kind := KindInternal
	if ae, ok := adapter.AsError(err); ok && ae.Status != 0 {
		kind = KindUpstream
	} else {
		switch code, _ := adapter.Classify(err); code {
		case adapter.CodeConnRefused, adapter.CodeTimeout, adapter.CodeDNS:
			kind = KindConnection
		}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}
