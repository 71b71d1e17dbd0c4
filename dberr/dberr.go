// Package dberr defines the error kinds surfaced by every layer of the
// engine (vfs, pager, btree, record, vm) and the helpers for wrapping and
// classifying them, the way the teacher project wraps github.com/pkg/errors
// around its own sentinel values in store and engine.
package dberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code enumerates the error kinds from spec §7.
type Code int

const (
	OK Code = iota
	IOErr
	Corrupt
	FullDisk
	Busy
	Locked
	ReadOnly
	Constraint
	TypeMismatch
	RangeError
	MisuseError
	Interrupt
	SchemaChanged
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case IOErr:
		return "IOErr"
	case Corrupt:
		return "Corrupt"
	case FullDisk:
		return "FullDisk"
	case Busy:
		return "Busy"
	case Locked:
		return "Locked"
	case ReadOnly:
		return "ReadOnly"
	case Constraint:
		return "Constraint"
	case TypeMismatch:
		return "TypeMismatch"
	case RangeError:
		return "RangeError"
	case MisuseError:
		return "MisuseError"
	case Interrupt:
		return "Interrupt"
	case SchemaChanged:
		return "SchemaChanged"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a classified, stack-wrapped engine error.
type Error struct {
	Code Code
	msg  string
	// cause preserves the pkg/errors-wrapped chain so errors.Cause keeps
	// working across the boundary.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies and wraps an existing error, preserving its stack via
// pkg/errors so the original I/O or btree failure is never discarded.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err (or something it wraps) carries the given Code.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Code == code {
				return true
			}
			err = e.cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf extracts the Code from err, or Internal if err is not a classified
// *Error. Used at the connection boundary to decide retry/rollback policy.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Internal
		}
		err = u.Unwrap()
	}
	return OK
}
