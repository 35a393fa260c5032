package tuple

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by every tuplespace component.
// It wraps a return code (of type RetCode) and an error message.
//
// Errors compare by code, so errors.Is(err, tuple.ErrNotFound) holds for
// every not-found error regardless of its message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("tuplespace: %s", e.Code)
	}
	return fmt.Sprintf("tuplespace: %s: %s", e.Code, e.Msg)
}

// Is matches errors with the same code.
// A timeout also counts as not found because a timed out blocking read found nothing.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	return e.Code == RetCTimeout && t.Code == RetCNotFound
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with a formatted message
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// CodeOf returns the code of err if it is (or wraps) an *Error, RetCSuccess for nil
// and RetCInternalError for any other error.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Operation succeeded.
	RetCInternalError                    // 1: Operation failed due to an internal error.
	RetCInvalidIdentifier                // 2: Malformed owner or key.
	RetCNotFound                         // 3: No matching tuple, or the tuple expired.
	RetCNotDeclared                      // 4: Meta tuple used before it was declared.
	RetCUnbound                          // 5: Meta tuple declared but not pointing anywhere.
	RetCInvalidHandle                    // 6: Unknown or already unregistered callback handle.
	RetCTimeout                          // 7: Blocking read exceeded its deadline.
	RetCNotRunning                       // 8: Engine is not started or already stopped.
	RetCNoTransport                      // 9: Remote write without a transport.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidIdentifier:
		return "InvalidIdentifier"
	case RetCNotFound:
		return "NotFound"
	case RetCNotDeclared:
		return "NotDeclared"
	case RetCUnbound:
		return "Unbound"
	case RetCInvalidHandle:
		return "InvalidHandle"
	case RetCTimeout:
		return "Timeout"
	case RetCNotRunning:
		return "NotRunning"
	case RetCNoTransport:
		return "NoTransport"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Sentinels (for errors.Is)
// --------------------------------------------------------------------------

var (
	ErrInvalidIdentifier = &Error{Code: RetCInvalidIdentifier}
	ErrNotFound          = &Error{Code: RetCNotFound}
	ErrNotDeclared       = &Error{Code: RetCNotDeclared}
	ErrUnbound           = &Error{Code: RetCUnbound}
	ErrInvalidHandle     = &Error{Code: RetCInvalidHandle}
	ErrTimeout           = &Error{Code: RetCTimeout}
	ErrNotRunning        = &Error{Code: RetCNotRunning}
	ErrNoTransport       = &Error{Code: RetCNoTransport}
)
