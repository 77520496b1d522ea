package lockstep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-lockstep/internal/poll"
)

// Error represents a structured barrier error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "OPEN", "SET_NUM_PROCESSES")
	Path  string        // Backing file path ("" if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // System errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("lockstep: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("lockstep: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinel LockstepError values and other *Error values by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if le, ok := target.(LockstepError); ok {
		return e.Code == ErrorCode(le)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeBootstrapTimeout  ErrorCode = "bootstrap timeout"
	ErrCodeAllocationFailure ErrorCode = "allocation failure"
	ErrCodeIOFailure         ErrorCode = "I/O failure"
	ErrCodeMisuse            ErrorCode = "misuse"
)

// LockstepError is a sentinel error comparable with errors.Is
type LockstepError string

func (e LockstepError) Error() string {
	return "lockstep: " + string(e)
}

// Sentinel errors, one per code
const (
	ErrBootstrapTimeout  LockstepError = LockstepError(ErrCodeBootstrapTimeout)
	ErrAllocationFailure LockstepError = LockstepError(ErrCodeAllocationFailure)
	ErrIOFailure         LockstepError = LockstepError(ErrCodeIOFailure)
	ErrMisuse            LockstepError = LockstepError(ErrCodeMisuse)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewPathError creates a new structured error bound to a backing file
func NewPathError(op, path string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Path: path,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with barrier context. Exhausted
// bootstrap polls and cancelled contexts map to ErrCodeBootstrapTimeout;
// errno values are mapped by mapErrnoToCode; anything else is an I/O failure.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var le *Error
	if errors.As(inner, &le) {
		return &Error{
			Op:    op,
			Path:  le.Path,
			Code:  le.Code,
			Errno: le.Errno,
			Msg:   le.Msg,
			Inner: le.Inner,
		}
	}

	if errors.Is(inner, poll.ErrExhausted) ||
		errors.Is(inner, context.DeadlineExceeded) ||
		errors.Is(inner, context.Canceled) {
		return &Error{
			Op:    op,
			Code:  ErrCodeBootstrapTimeout,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIOFailure,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to error codes. Timeouts and misuse are
// decided by the barrier itself, never by a system call's errno.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE:
		return ErrCodeAllocationFailure
	default:
		return ErrCodeIOFailure
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Errno == errno
	}
	return false
}
