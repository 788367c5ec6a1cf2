package exceptions

import (
	"errors"
	"strconv"
	"syscall"
)

type ErrorKind uint8

const (
	KindOther ErrorKind = iota
	KindRefused
	KindReset
	KindBrokenPipe
	KindAddressInUse
	KindAddressNotAvailable
	KindTimeout
	KindUnreachable
	KindAborted
	KindResourceExhausted
	KindPermission
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindRefused:
		return "connection refused"
	case KindReset:
		return "connection reset"
	case KindBrokenPipe:
		return "broken pipe"
	case KindAddressInUse:
		return "address in use"
	case KindAddressNotAvailable:
		return "address not available"
	case KindTimeout:
		return "timed out"
	case KindUnreachable:
		return "unreachable"
	case KindAborted:
		return "aborted"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindPermission:
		return "permission denied"
	case KindInvalid:
		return "invalid argument"
	default:
		return "other"
	}
}

// Errno is an OS error code classified into an ErrorKind.
type Errno struct {
	Kind        ErrorKind
	Code        syscall.Errno
	Description string
}

func (e *Errno) Error() string {
	message := e.Code.Error()
	if message == "" {
		message = "errno " + strconv.Itoa(int(e.Code))
	}
	if e.Description == "" {
		return message
	}
	return e.Description + ": " + message
}

func (e *Errno) Unwrap() error {
	return e.Code
}

func (e *Errno) Timeout() bool {
	return e.Kind == KindTimeout
}

// FromErrno maps a numeric OS error code plus a description into an *Errno.
// It keeps no state.
func FromErrno(code int, description string) error {
	errno := syscall.Errno(code)
	return &Errno{
		Kind:        kindOf(errno),
		Code:        errno,
		Description: description,
	}
}

// Syscall wraps the result of a failed system call made by op.
func Syscall(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return FromErrno(int(errno), op)
	}
	return Cause(err, op)
}

// KindOf reports the ErrorKind carried by err, or KindOther.
func KindOf(err error) ErrorKind {
	var errnoErr *Errno
	if errors.As(err, &errnoErr) {
		return errnoErr.Kind
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return kindOf(errno)
	}
	return KindOther
}

func kindOf(errno syscall.Errno) ErrorKind {
	switch errno {
	case syscall.ECONNREFUSED:
		return KindRefused
	case syscall.ECONNRESET:
		return KindReset
	case syscall.EPIPE:
		return KindBrokenPipe
	case syscall.EADDRINUSE:
		return KindAddressInUse
	case syscall.EADDRNOTAVAIL:
		return KindAddressNotAvailable
	case syscall.ETIMEDOUT:
		return KindTimeout
	case syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ENETDOWN:
		return KindUnreachable
	case syscall.ECONNABORTED:
		return KindAborted
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM:
		return KindResourceExhausted
	case syscall.EACCES, syscall.EPERM:
		return KindPermission
	case syscall.EINVAL, syscall.EBADF, syscall.ENOTSOCK:
		return KindInvalid
	default:
		return KindOther
	}
}
