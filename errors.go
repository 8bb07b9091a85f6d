package tapdisk

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Negative errnos travel the data path: drivers complete treqs with
// them, the VBD layer classifies them, and the frontends translate
// them to wire status. Zero is success.
const (
	EPERM      = -int(unix.EPERM)
	EIO        = -int(unix.EIO)
	EAGAIN     = -int(unix.EAGAIN)
	ENOMEM     = -int(unix.ENOMEM)
	EACCES     = -int(unix.EACCES)
	EBUSY      = -int(unix.EBUSY)
	ENODEV     = -int(unix.ENODEV)
	EINVAL     = -int(unix.EINVAL)
	ENOSPC     = -int(unix.ENOSPC)
	EBADF      = -int(unix.EBADF)
	EEXIST     = -int(unix.EEXIST)
	ENOENT     = -int(unix.ENOENT)
	EPROTO     = -int(unix.EPROTO)
	ETIMEDOUT  = -int(unix.ETIMEDOUT)
	EOPNOTSUPP = -int(unix.EOPNOTSUPP)
	EPROTONOSUPPORT = -int(unix.EPROTONOSUPPORT)
)

// Errno converts an error to a negative errno, defaulting to -EIO.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return EIO
}

// ErrnoError converts a negative errno back to an error.
func ErrnoError(errno int) error {
	if errno == 0 {
		return nil
	}
	return syscall.Errno(-errno)
}

// ErrorCode is the high-level error category of a structured Error.
type ErrorCode string

const (
	ErrCodeNotFound       ErrorCode = "not found"
	ErrCodeBusy           ErrorCode = "busy"
	ErrCodeInvalid        ErrorCode = "invalid parameters"
	ErrCodeNotSupported   ErrorCode = "not supported"
	ErrCodePermission     ErrorCode = "permission denied"
	ErrCodeNoMemory       ErrorCode = "insufficient memory"
	ErrCodeIO             ErrorCode = "I/O error"
	ErrCodeTimeout        ErrorCode = "timeout"
	ErrCodeProtocol       ErrorCode = "protocol error"
	ErrCodeChainInvalid   ErrorCode = "invalid image chain"
	ErrCodeShutdown       ErrorCode = "shutting down"
)

// Error is a structured error with operation context and errno
// mapping, used at the API boundary (control plane, chain open).
type Error struct {
	Op    string        // operation that failed, e.g. "open-chain"
	VBD   int           // VBD uuid (-1 if not applicable)
	Code  ErrorCode     // high-level category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.VBD >= 0:
		return fmt.Sprintf("tapdisk: %s (op=%s vbd=%d)", msg, e.Op, e.VBD)
	case e.Op != "":
		return fmt.Sprintf("tapdisk: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("tapdisk: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches structured errors by code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, VBD: -1, Code: code, Msg: msg}
}

// NewVBDError creates a VBD-scoped structured error
func NewVBDError(op string, uuid int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, VBD: uuid, Code: code, Msg: msg}
}

// WrapError wraps an existing error with operation context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			VBD:   te.VBD,
			Code:  te.Code,
			Errno: te.Errno,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			VBD:   -1,
			Code:  codeForErrno(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, VBD: -1, Code: ErrCodeIO, Msg: inner.Error(), Inner: inner}
}

func codeForErrno(errno syscall.Errno) ErrorCode {
	switch errno {
	case unix.ENOENT, unix.ENODEV:
		return ErrCodeNotFound
	case unix.EBUSY, unix.EAGAIN:
		return ErrCodeBusy
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalid
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrCodeNotSupported
	case unix.EPERM, unix.EACCES:
		return ErrCodePermission
	case unix.ENOMEM, unix.ENOSPC:
		return ErrCodeNoMemory
	case unix.ETIMEDOUT:
		return ErrCodeTimeout
	case unix.EPROTO, unix.EPROTONOSUPPORT:
		return ErrCodeProtocol
	default:
		return ErrCodeIO
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

// ErrNoParent is returned by drivers whose image has no parent layer.
var ErrNoParent = errors.New("tapdisk: no parent")
