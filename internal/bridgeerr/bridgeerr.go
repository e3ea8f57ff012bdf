// Package bridgeerr classifies the error taxonomy as
// sentinel-wrapped values, the way the teacher wraps errors with
// fmt.Errorf("...: %w", err) and classifies them with errors.Is/As rather
// than defining a parallel exception hierarchy.
package bridgeerr

import "errors"

// Kind is one of the abstract error kinds a caller can classify an error
// into, without this module knowing anything about the outer wire
// protocol's status codes.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindInvalidName       Kind = "invalid_name"
	KindNotSupported      Kind = "not_supported"
	KindTransport         Kind = "transport"
	KindRemoteStatus      Kind = "remote_status"
	KindLocalIO           Kind = "local_io"
	KindInternalInvariant Kind = "internal_invariant"
)

// Error is a bridgeerr-classified error.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New creates a classified error with the given kind and message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Wrap classifies an existing error under kind, preserving it for
// errors.Is/As.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Is lets errors.Is(err, bridgeerr.NotFound) work against any *Error of
// the matching kind, sentinel-style.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Sentinels usable with errors.Is. Each carries no message/cause of its
// own; construct real errors with New/Wrap and compare against these.
var (
	NotFound          = &Error{kind: KindNotFound}
	AlreadyExists     = &Error{kind: KindAlreadyExists}
	InvalidName       = &Error{kind: KindInvalidName}
	NotSupported      = &Error{kind: KindNotSupported}
	Transport         = &Error{kind: KindTransport}
	RemoteStatus      = &Error{kind: KindRemoteStatus}
	LocalIO           = &Error{kind: KindLocalIO}
	InternalInvariant = &Error{kind: KindInternalInvariant}
)

// Of extracts the Kind of err, if it (or something it wraps) is a
// *Error. The zero Kind ("") is returned otherwise.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

// Retryable reports whether the processor should retry an operation that
// failed with err (transport failures and explicit 5xx-class remote
// status).
func Retryable(err error) bool {
	k := Of(err)
	return k == KindTransport
}
