// Package fserr wraps POSIX-style errno codes in Go errors so callers
// can branch on the failure class while still getting a useful message.
package fserr

import (
	"fmt"
)

type Errno int

const (
	EOK Errno = iota
	EPERM
	ENOENT
	EIO
	EFAULT
	EACCES
	EEXIST
	EINVAL
	ENOSPC
	EUCLEAN
)

var errorMessagesByCode = map[Errno]string{
	EOK:     "success",
	EPERM:   "operation not permitted",
	ENOENT:  "no such file",
	EIO:     "input/output error",
	EFAULT:  "bad address",
	EACCES:  "permission denied",
	EEXIST:  "file exists",
	EINVAL:  "invalid argument",
	ENOSPC:  "no space left on device",
	EUCLEAN: "structure needs cleaning",
}

func StrError(code Errno) string {
	msg, ok := errorMessagesByCode[code]
	if ok {
		return msg
	}
	return fmt.Sprintf("errno %d", int(code))
}

// Error is an error with an attached errno classification.
type Error interface {
	error
	Errno() Errno
	Unwrap() error
}

type fsError struct {
	errno         Errno
	message       string
	originalError error
}

func (e fsError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e fsError) Errno() Errno {
	return e.errno
}

func (e fsError) Unwrap() error {
	return e.originalError
}

// New creates an Error with the default message for the code.
func New(code Errno) Error {
	return fsError{
		errno:   code,
		message: StrError(code),
	}
}

// WithMessage creates an Error with a custom message.
func WithMessage(code Errno, message string) Error {
	return fsError{
		errno:   code,
		message: fmt.Sprintf("%s: %s", StrError(code), message),
	}
}

// Errorf creates an Error with a formatted message.
func Errorf(code Errno, format string, a ...interface{}) Error {
	return WithMessage(code, fmt.Sprintf(format, a...))
}

// Wrap creates an Error whose Unwrap returns the original error.
func Wrap(code Errno, originalError error) Error {
	return fsError{
		errno:         code,
		message:       fmt.Sprintf("%s: %s", StrError(code), originalError.Error()),
		originalError: originalError,
	}
}

// GetErrno reports the errno carried by err, or EOK for nil and EIO for
// errors with no classification.
func GetErrno(err error) Errno {
	if err == nil {
		return EOK
	}
	if e, ok := err.(Error); ok {
		return e.Errno()
	}
	return EIO
}

// Is reports whether err carries the given errno.
func Is(err error, code Errno) bool {
	if e, ok := err.(Error); ok {
		return e.Errno() == code
	}
	return false
}
