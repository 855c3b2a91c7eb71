// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-sock.

package api

import (
	"errors"
	"fmt"
)

// Non-blocking control flow. These are never escalated to hooks.
var (
	ErrWouldBlock = errors.New("operation would block")
	ErrBusy       = errors.New("previous operation still in progress")
)

// Contract violations and resource errors.
var (
	ErrNotSocket           = errors.New("socket has no descriptor")
	ErrNotConnected        = errors.New("socket is not connected")
	ErrInvalidState        = errors.New("operation not valid in current state")
	ErrAlreadyCreated      = errors.New("socket descriptor already created")
	ErrRegistryFull        = errors.New("socket registry is full")
	ErrWrongContext        = errors.New("socket belongs to another context")
	ErrContextClosed       = errors.New("context is closed")
	ErrNoCandidates        = errors.New("no address candidates")
	ErrFamilyMismatch      = errors.New("address family not supported by socket")
	ErrLayerAdd            = errors.New("layers cannot be added in current state")
	ErrVerificationReply   = errors.New("no pending verification for reply")
	ErrUnsupportedPlatform = errors.New("platform does not provide a readiness facility")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrClosed              = errors.New("socket is closed")
)

// IsTransient reports whether err is a normal non-blocking result.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrBusy)
}

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTransport
	ErrCodeProtocol
	ErrCodeNotConnected
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapError creates a structured error around cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Err = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
