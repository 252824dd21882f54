package cutout

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of a request; it decides the HTTP status.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindUnsupportedMedia
	KindNotFound
	KindConflict
	KindRemoteRejected
	KindRemoteUnreachable
	KindTimeout
	KindLocal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnsupportedMedia:
		return "unsupported_media"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindRemoteUnreachable:
		return "remote_unreachable"
	case KindTimeout:
		return "timeout"
	case KindLocal:
		return "local"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the single error type the service hands back to the HTTP layer.
// Message is safe to show to the caller; Err keeps the cause for logs.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

var defaultStatus = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindUnsupportedMedia:  http.StatusBadRequest,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindRemoteRejected:    http.StatusBadGateway,
	KindRemoteUnreachable: http.StatusServiceUnavailable,
	KindTimeout:           http.StatusGatewayTimeout,
	KindLocal:             http.StatusInternalServerError,
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Status: defaultStatus[kind], Message: message, Err: err}
}

// AsError extracts an *Error from err, wrapping anything else as a local failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindLocal, "Internal server error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
