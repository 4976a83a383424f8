// Package model holds the data types, flags, and error taxonomy shared by
// every layer of the bus: names, messages, quotas, and the kernel-style
// notifications the dispatcher emits.
package model

import "fmt"

// Kind classifies a bus error onto the taxonomy of spec §7. Transport
// layers (http, grpc, the in-process API) map a Kind onto whatever status
// representation fits their wire format.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindPermissionDenied
	KindAlreadyExists
	KindNotFound
	KindAddressNotAvailable
	KindConnectionReset
	KindBrokenPipe
	KindNoBufferSpace
	KindTooManyLinks
	KindResourceBusy
	KindAlreadyFinished
	KindInterrupted
	KindCanceled
	KindTimedOut
	KindCommunicationError
	KindShutdown
	KindChangedIdentity
	KindTooManyOpenFiles
	KindArgumentListTooLong
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindNotFound:
		return "NotFound"
	case KindAddressNotAvailable:
		return "AddressNotAvailable"
	case KindConnectionReset:
		return "ConnectionReset"
	case KindBrokenPipe:
		return "BrokenPipe"
	case KindNoBufferSpace:
		return "NoBufferSpace"
	case KindTooManyLinks:
		return "TooManyLinks"
	case KindResourceBusy:
		return "ResourceBusy"
	case KindAlreadyFinished:
		return "AlreadyFinished"
	case KindInterrupted:
		return "Interrupted"
	case KindCanceled:
		return "Canceled"
	case KindTimedOut:
		return "TimedOut"
	case KindCommunicationError:
		return "CommunicationError"
	case KindShutdown:
		return "Shutdown"
	case KindChangedIdentity:
		return "ChangedIdentity"
	case KindTooManyOpenFiles:
		return "TooManyOpenFiles"
	case KindArgumentListTooLong:
		return "ArgumentListTooLong"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every core operation. It
// carries a Kind so callers can branch on the taxonomy without string
// matching, and an optional wrapped cause for %w-chains.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, model.KindNotFound) style checks by treating
// a bare Kind as a sentinel comparable to any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError constructs a taxonomy error for op with a human-readable message.
func NewError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Message: msg}
}

// WrapError constructs a taxonomy error that also carries a lower-level cause.
func WrapError(op string, kind Kind, msg string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Message: msg, Cause: cause}
}

// Sentinel returns a zero-message *Error of the given kind, suitable for
// errors.Is comparisons: errors.Is(err, model.Sentinel(model.KindNotFound)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
