package cms

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed CMS step.
type ErrorKind string

const (
	// KindContextUnavailable means no context id could be derived from the host.
	KindContextUnavailable ErrorKind = "context_unavailable"

	// KindTransport means the host bridge call itself failed.
	KindTransport ErrorKind = "transport"

	// KindUnexpectedShape means the response could not be decoded.
	KindUnexpectedShape ErrorKind = "unexpected_shape"

	// KindMissingIdentifier means a step returned no id for the next step.
	KindMissingIdentifier ErrorKind = "missing_identifier"

	// KindRemote means the GraphQL endpoint reported errors and no data.
	KindRemote ErrorKind = "remote"

	// KindValidation means the input was rejected before any remote call.
	KindValidation ErrorKind = "validation"
)

// Error is a classified CMS failure.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Op is the GraphQL operation or workflow step that failed.
	Op string `json:"op,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s (op=%s)", e.Kind, e.Message, e.Op)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a classified error.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrContextUnavailable is returned by every step run without a context id.
var ErrContextUnavailable = &Error{Kind: KindContextUnavailable, Message: "sitecore context ID is unavailable"}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
