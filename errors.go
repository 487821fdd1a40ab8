// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error categories for SPICE operations.
type ErrorCode int

const (
	// ErrProtocol indicates a protocol-level error such as a magic mismatch
	// or a corrupted message stream.
	ErrProtocol ErrorCode = iota
	// ErrAuthentication indicates the ticket was rejected.
	ErrAuthentication
	// ErrLink indicates the server answered the link message with an error code.
	ErrLink
	// ErrNetwork indicates a transport failure.
	ErrNetwork
	// ErrConfiguration indicates a configuration error.
	ErrConfiguration
	// ErrTimeout indicates the connection did not become ready in time.
	ErrTimeout
	// ErrValidation indicates input validation failure.
	ErrValidation
	// ErrUnsupported indicates an unsupported encoding, format or operation.
	ErrUnsupported
	// ErrMalformed indicates a payload that could not be parsed.
	ErrMalformed
	// ErrMissingSurface indicates a reference to a surface that does not exist.
	ErrMissingSurface
	// ErrCacheMiss indicates a reference to an image that is not cached.
	ErrCacheMiss
	// ErrDecode indicates an external decoder rejected its input.
	ErrDecode
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrLink:
		return "link"
	case ErrNetwork:
		return "network"
	case ErrConfiguration:
		return "configuration"
	case ErrTimeout:
		return "timeout"
	case ErrValidation:
		return "validation"
	case ErrUnsupported:
		return "unsupported"
	case ErrMalformed:
		return "malformed"
	case ErrMissingSurface:
		return "missing surface"
	case ErrCacheMiss:
		return "cache miss"
	case ErrDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this code abort the connection.
func (e ErrorCode) Fatal() bool {
	switch e {
	case ErrProtocol, ErrAuthentication, ErrLink, ErrNetwork, ErrTimeout:
		return true
	default:
		return false
	}
}

// SpiceError provides structured error information with operation context,
// error codes, and message wrapping.
type SpiceError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *SpiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spice %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("spice %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *SpiceError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target error.
func (e *SpiceError) Is(target error) bool {
	var spiceErr *SpiceError
	if errors.As(target, &spiceErr) {
		return e.Code == spiceErr.Code && e.Op == spiceErr.Op
	}
	return false
}

// NewSpiceError creates a new SpiceError with the specified parameters.
func NewSpiceError(op string, code ErrorCode, message string, err error) *SpiceError {
	return &SpiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps an existing error with SPICE-specific context.
// Returns nil if the input error is nil.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return NewSpiceError(op, code, message, err)
}

// IsSpiceError checks if an error is a SpiceError and optionally matches
// one of the given codes. With no codes it matches any SpiceError.
func IsSpiceError(err error, code ...ErrorCode) bool {
	var spiceErr *SpiceError
	if !errors.As(err, &spiceErr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if spiceErr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from a SpiceError.
// Returns -1 if the error is not a SpiceError.
func GetErrorCode(err error) ErrorCode {
	var spiceErr *SpiceError
	if errors.As(err, &spiceErr) {
		return spiceErr.Code
	}
	return ErrorCode(-1)
}

// IsFatal reports whether err must abort the connection. Errors that are not
// SpiceErrors are treated as fatal since their origin is unknown.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var spiceErr *SpiceError
	if !errors.As(err, &spiceErr) {
		return true
	}
	return spiceErr.Code.Fatal()
}

func protocolError(op, message string, err error) error {
	return NewSpiceError(op, ErrProtocol, message, err)
}

func authenticationError(op, message string, err error) error {
	return NewSpiceError(op, ErrAuthentication, message, err)
}

func linkError(op, message string, err error) error {
	return NewSpiceError(op, ErrLink, message, err)
}

func networkError(op, message string, err error) error {
	return NewSpiceError(op, ErrNetwork, message, err)
}

func configurationError(op, message string, err error) error {
	return NewSpiceError(op, ErrConfiguration, message, err)
}

func timeoutError(op, message string, err error) error {
	return NewSpiceError(op, ErrTimeout, message, err)
}

func validationError(op, message string, err error) error {
	return NewSpiceError(op, ErrValidation, message, err)
}

func unsupportedError(op, message string, err error) error {
	return NewSpiceError(op, ErrUnsupported, message, err)
}

func malformedError(op, message string, err error) error {
	return NewSpiceError(op, ErrMalformed, message, err)
}

func missingSurfaceError(op string, id uint32) error {
	return NewSpiceError(op, ErrMissingSurface, fmt.Sprintf("surface %d does not exist", id), nil)
}

func cacheMissError(op string, id uint64) error {
	return NewSpiceError(op, ErrCacheMiss, fmt.Sprintf("image %d is not in the cache", id), nil)
}

func decodeError(op, message string, err error) error {
	return NewSpiceError(op, ErrDecode, message, err)
}
