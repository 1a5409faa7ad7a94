// Package quilterrors implements the error taxonomy of spec §7:
// BadArgument, NotFound, Conflict, ResourceExhausted, Runtime, Store, and
// Internal. RPC handlers translate a Code to a transport status. Most
// packages return a *Error (or wrap one); CodeOf maps any other error
// to Internal, so the translation at the boundary is total.
package quilterrors

import (
	"errors"
	"fmt"
)

// Code is one of the taxonomy categories from spec §7.
type Code string

const (
	BadArgument      Code = "bad_argument"
	NotFound         Code = "not_found"
	Conflict         Code = "conflict"
	ResourceExhausted Code = "resource_exhausted"
	Runtime          Code = "runtime"
	Store            Code = "store"
	Internal         Code = "internal"
)

// Error carries a taxonomy code alongside the usual wrapped error chain.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds an *Error around an existing error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal for
// errors that never passed through this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err (or something it wraps) carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

func BadArgumentf(format string, args ...any) *Error {
	return New(BadArgument, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}
