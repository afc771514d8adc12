package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/djwarf/calsync/pkg/calendar"
)

// Errors returned by Client implementations.
//
// They can be checked with errors.Is on any error a Client returns,
// including *Error values of the matching Kind:
//
//	if errors.Is(err, providers.ErrConflict) {
//	    // precondition failed, hand over to the resolver
//	}
var (
	// ErrConflict is returned when a precondition (If-Match,
	// If-None-Match) did not hold.
	ErrConflict = errors.New("precondition failed")

	// ErrNotFound is returned when the item or collection does not exist.
	ErrNotFound = errors.New("remote item not found")

	// ErrNotSupported is returned when the server does not implement
	// the requested method or report.
	ErrNotSupported = errors.New("operation not supported by server")

	// ErrSyncTokenInvalid is returned by ChangeFeed when the server no
	// longer accepts the token.
	ErrSyncTokenInvalid = errors.New("sync token rejected by server")

	// ErrUnauthorized is returned when the server rejected the credentials.
	ErrUnauthorized = errors.New("authentication failed")
)

// Kind classifies remote failures.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindAuth        Kind = "auth"
	KindServer      Kind = "server"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindUnsupported Kind = "unsupported"
	KindParse       Kind = "parse"
	KindClient      Kind = "client"
	KindCanceled    Kind = "canceled"
)

// Error is a classified remote failure.
type Error struct {
	Kind      Kind
	Code      int // HTTP status, 0 when no response was received
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrNotSupported:
		return e.Kind == KindUnsupported
	case ErrUnauthorized:
		return e.Kind == KindAuth
	}
	return false
}

// StatusError builds the error for an HTTP status code.
func StatusError(code int, message string) *Error {
	if message == "" {
		message = http.StatusText(code)
	}
	e := &Error{Code: code, Message: message}
	switch {
	case code == http.StatusUnauthorized:
		e.Kind = KindAuth
	case code == http.StatusNotFound || code == http.StatusGone:
		e.Kind = KindNotFound
	case code == http.StatusPreconditionFailed || code == http.StatusConflict:
		e.Kind = KindConflict
	case code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented:
		e.Kind = KindUnsupported
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		e.Kind = KindNetwork
		e.Retryable = true
	case code >= 500:
		e.Kind = KindServer
		e.Retryable = true
	default:
		e.Kind = KindClient
	}
	return e
}

// Classify returns err as an *Error, inferring the kind for errors that
// did not originate from a server response. Unrecognized errors are
// treated as transient network failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Message: err.Error(), Retryable: true, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindNetwork, Message: "request timed out", Retryable: true, Err: err}
	case errors.Is(err, ErrUnauthorized):
		return &Error{Kind: KindAuth, Code: http.StatusUnauthorized, Message: err.Error(), Err: err}
	case errors.Is(err, ErrConflict):
		return &Error{Kind: KindConflict, Code: http.StatusPreconditionFailed, Message: err.Error(), Err: err}
	case errors.Is(err, ErrNotFound):
		return &Error{Kind: KindNotFound, Code: http.StatusNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, ErrNotSupported):
		return &Error{Kind: KindUnsupported, Message: err.Error(), Err: err}
	case errors.Is(err, ErrSyncTokenInvalid):
		return &Error{Kind: KindClient, Message: err.Error(), Err: err}
	case errors.Is(err, calendar.ErrInvalidObject):
		return &Error{Kind: KindParse, Message: err.Error(), Err: err}
	}

	// net.Error, *url.Error and anything unknown
	return &Error{Kind: KindNetwork, Message: err.Error(), Retryable: true, Err: err}
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return err != nil && Classify(err).Kind == KindAuth
}
