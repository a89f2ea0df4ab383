package mainmemory

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured mainmemory error with context and
// errno mapping
type Error struct {
	Op    string    // Operation that failed (e.g., "LISTEN", "SERVE")
	Core  int       // Core index (-1 if not applicable)
	Part  int       // Partition index (-1 if not applicable)
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

// Error implements the error interface
func (e *Error) Error() string {
	var ctx string
	switch {
	case e.Op != "":
		ctx = fmt.Sprintf("op=%s", e.Op)
	case e.Core >= 0:
		ctx = fmt.Sprintf("core=%d", e.Core)
	case e.Part >= 0:
		ctx = fmt.Sprintf("partition=%d", e.Part)
	case e.Errno != 0:
		ctx = fmt.Sprintf("errno=%d", e.Errno)
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if ctx != "" {
		return fmt.Sprintf("mainmemory: %s (%s)", msg, ctx)
	}
	return fmt.Sprintf("mainmemory: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for code comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories, mirroring the
// protocol's failure taxonomy.
type ErrorCode string

const (
	ErrCodeParse     ErrorCode = "malformed input"
	ErrCodeProtocol  ErrorCode = "unrecognized command"
	ErrCodeResource  ErrorCode = "out of memory"
	ErrCodeIO        ErrorCode = "I/O error"
	ErrCodeTimeout   ErrorCode = "timeout"
	ErrCodeFatal     ErrorCode = "invariant violated"
	ErrCodeConfig    ErrorCode = "invalid configuration"
	ErrCodeNotServed ErrorCode = "server not running"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Core: -1, Part: -1, Code: code, Msg: msg}
}

// NewCoreError creates a core-specific error
func NewCoreError(op string, core int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Core: core, Part: -1, Code: code, Msg: msg}
}

// NewPartitionError creates a partition-specific error
func NewPartitionError(op string, part int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Core: -1, Part: part, Code: code, Msg: msg}
}

// WrapError wraps an existing error with mainmemory context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if me, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Core:  me.Core,
			Part:  me.Part,
			Code:  me.Code,
			Errno: me.Errno,
			Msg:   me.Msg,
			Inner: me.Inner,
		}
	}

	code := ErrCodeIO
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
		return &Error{
			Op:    op,
			Core:  -1,
			Part:  -1,
			Code:  code,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Core: -1, Part: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps syscall errno to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeConfig
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeResource
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIO
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Errno == errno
	}
	return false
}
