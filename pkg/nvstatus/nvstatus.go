// Copyright 2024 The UVM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nvstatus holds the standardized status-code error definitions for
// the UVM core.
//
// A nil error means success. Statuses are immutable package-level values;
// callers compare with ==. Warning statuses (currently only
// MoreProcessingRequired) flow through control paths and are never surfaced
// to callers of the external interfaces.
package nvstatus

import (
	"golang.org/x/sys/unix"
)

// Code enumerates status codes.
type Code int

// Status codes used by the UVM core.
const (
	CodeOK Code = iota
	CodeNoMemory
	CodeInvalidArgument
	CodeInvalidAddress
	CodeInvalidState
	CodeBusyRetry
	CodeInUse
	CodeAddressInUse
	CodeEccError
	CodeNotSupported
	CodeBadFileState
	CodeMoreProcessingRequired
	CodeGenericError
)

// Error represents a status code with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying status code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeOK
	}
	return e.code
}

var (
	// ErrNoMemory indicates a failed allocation.
	ErrNoMemory = New(CodeNoMemory, "insufficient memory")

	// ErrInvalidArgument indicates a caller-supplied argument that fails
	// validation before any state change.
	ErrInvalidArgument = New(CodeInvalidArgument, "invalid argument")

	// ErrInvalidAddress indicates a misaligned or out-of-bounds address.
	ErrInvalidAddress = New(CodeInvalidAddress, "invalid address")

	// ErrInvalidState indicates an operation on an entity in the wrong
	// lifecycle state.
	ErrInvalidState = New(CodeInvalidState, "invalid state")

	// ErrBusyRetry indicates transient lock contention; the caller is
	// expected to retry the whole operation.
	ErrBusyRetry = New(CodeBusyRetry, "busy, retry")

	// ErrInUse indicates a resource that is already registered.
	ErrInUse = New(CodeInUse, "resource in use")

	// ErrAddressInUse indicates a virtual address range collision.
	ErrAddressInUse = New(CodeAddressInUse, "address range in use")

	// ErrEccError indicates an uncorrected ECC error on a GPU.
	ErrEccError = New(CodeEccError, "ECC error")

	// ErrNotSupported indicates an unsupported operation.
	ErrNotSupported = New(CodeNotSupported, "operation not supported")

	// ErrBadFileState indicates use of a device file before initialization
	// or after release.
	ErrBadFileState = New(CodeBadFileState, "file descriptor in bad state")

	// MoreProcessingRequired is a warning status used by resolvers to
	// request another resolution pass, typically for thrashing mitigation.
	MoreProcessingRequired = New(CodeMoreProcessingRequired, "more processing required")

	// ErrGeneric is a catch-all failure.
	ErrGeneric = New(CodeGenericError, "generic error")
)

var errnoMap = map[Code]unix.Errno{
	CodeNoMemory:        unix.ENOMEM,
	CodeInvalidArgument: unix.EINVAL,
	CodeInvalidAddress:  unix.EINVAL,
	CodeInvalidState:    unix.EIO,
	CodeBusyRetry:       unix.EAGAIN,
	CodeInUse:           unix.EBUSY,
	CodeAddressInUse:    unix.EADDRINUSE,
	CodeEccError:        unix.EIO,
	CodeNotSupported:    unix.EOPNOTSUPP,
	CodeBadFileState:    unix.EBADFD,
	CodeGenericError:    unix.EIO,
}

// ToErrno translates a status to a unix.Errno. A nil error translates to 0.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if s, ok := err.(*Error); ok {
		if errno, ok := errnoMap[s.code]; ok {
			return errno
		}
	}
	return unix.EIO
}

// FromErrno translates a unix.Errno to a status. 0 translates to nil.
func FromErrno(errno unix.Errno) error {
	switch errno {
	case 0:
		return nil
	case unix.ENOMEM:
		return ErrNoMemory
	case unix.EINVAL:
		return ErrInvalidArgument
	case unix.EAGAIN:
		return ErrBusyRetry
	case unix.EBUSY:
		return ErrInUse
	case unix.EADDRINUSE:
		return ErrAddressInUse
	default:
		return ErrGeneric
	}
}

// IsWarning returns true if err is a warning status rather than a failure.
func IsWarning(err error) bool {
	if s, ok := err.(*Error); ok {
		return s.code == CodeMoreProcessingRequired
	}
	return false
}
