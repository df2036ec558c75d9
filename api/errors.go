// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-reactor.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures reported by the reactor and the session layer.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeInvalidArgument
	CodeTransport
	CodeProtocol
	CodeCrypto
	CodeOversized
	CodeTimeout
	CodeChannelFull
	CodeChannelClosed
	CodeLoopCrashed
	CodeAlreadyExists
	CodeNotFound
	CodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeTransport:
		return "transport"
	case CodeProtocol:
		return "protocol"
	case CodeCrypto:
		return "crypto"
	case CodeOversized:
		return "oversized"
	case CodeTimeout:
		return "timeout"
	case CodeChannelFull:
		return "channel_full"
	case CodeChannelClosed:
		return "channel_closed"
	case CodeLoopCrashed:
		return "loop_crashed"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Common errors used across the library.
var (
	// ErrWouldBlock classifies a non-blocking read or write that made no progress.
	ErrWouldBlock = errors.New("operation would block")

	ErrInvalidArgument  = NewError(CodeInvalidArgument, "invalid argument")
	ErrOversizedMessage = NewError(CodeOversized, "buffer ceiling exceeded")
	ErrChannelFull      = NewError(CodeChannelFull, "command channel is full")
	ErrChannelClosed    = NewError(CodeChannelClosed, "reactor is shut down")
	ErrLoopCrashed      = NewError(CodeLoopCrashed, "reactor loop crashed")
	ErrAlreadyExists    = NewError(CodeAlreadyExists, "resource already exists")
	ErrNotFound         = NewError(CodeNotFound, "resource not found")
)

// Error represents a structured error with code, context and optional cause.
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
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so wrapped instances of the
// sentinels above compare equal with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap attaches a code to an existing error.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithContext returns a copy of the error with an additional context entry.
// Sentinels stay untouched.
func (e *Error) WithContext(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// KindOf reports the ErrorCode carried by err, or CodeInternal when err does
// not wrap an *Error. A nil error is CodeOK.
func KindOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrWouldBlock) {
		return CodeOK
	}
	return CodeInternal
}
