// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package errors defines the single result-or-error type shared across
// module boundaries. No component throws; every fallible operation
// returns one of these kinds explicitly.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an Error. Callers should switch on Kind, never on the
// formatted message.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	AlreadyExists
	Corruption
	NotSupported
	InvalidArgument
	IOError
	BufferFull
	Disconnected
	AssertionFailed
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case Corruption:
		return "Corruption"
	case NotSupported:
		return "NotSupported"
	case InvalidArgument:
		return "InvalidArgument"
	case IOError:
		return "IOError"
	case BufferFull:
		return "BufferFull"
	case Disconnected:
		return "Disconnected"
	case AssertionFailed:
		return "AssertionFailed"
	default:
		return "Unknown"
	}
}

// Error is the one error type used across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and a message to an underlying cause. Used at package
// boundaries to attach a Kind to an underlying dependency error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Of reports the Kind of err, or Unknown if err is not (or does not wrap)
// an *Error.
func Of(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

var (
	ErrNotFound        = New(NotFound, "not found")
	ErrAlreadyExists   = New(AlreadyExists, "already exists")
	ErrCorruption      = New(Corruption, "corruption")
	ErrNotSupported    = New(NotSupported, "not supported")
	ErrInvalidArgument = New(InvalidArgument, "invalid argument")
	ErrIOError         = New(IOError, "io error")
	ErrBufferFull      = New(BufferFull, "buffer full")
	ErrDisconnected    = New(Disconnected, "disconnected")
	ErrAssertionFailed = New(AssertionFailed, "assertion failed")
)
