// Package fault defines the error taxonomy shared by the queue gateway, the object
// gateway and the ingest pipeline.
//
// Every error produced by a gateway carries a Kind. The retry executor inspects the
// Kind once to decide whether an attempt may be repeated; everything else only wraps
// and reports.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero Kind, reported for errors that were never classified.
	Unknown Kind = iota
	// Configuration is a fatal startup error: a required setting is absent or invalid.
	Configuration
	// RemoteService is a transient failure talking to SQS or S3 (transport,
	// throttling, 5xx). It is the only retryable kind.
	RemoteService
	// NotFound means the queue, bucket or object does not exist.
	NotFound
	// AccessDenied means the credentials are not allowed to perform the call.
	AccessDenied
	// AlreadyGone means a receipt handle is no longer valid (message deleted or
	// its visibility timeout expired).
	AlreadyGone
	// LocalIO is a filesystem failure.
	LocalIO
	// MalformedMessage means a queue message body could not be decoded.
	MalformedMessage
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case RemoteService:
		return "remote_service"
	case NotFound:
		return "not_found"
	case AccessDenied:
		return "access_denied"
	case AlreadyGone:
		return "already_gone"
	case LocalIO:
		return "local_io"
	case MalformedMessage:
		return "malformed_message"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether another attempt of the failed operation may succeed.
func IsRetryable(err error) bool {
	return Is(err, RemoteService)
}
