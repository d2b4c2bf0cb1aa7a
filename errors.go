package libxr

import (
	"errors"
	"fmt"
)

// ErrorCode is the result kind of every substrate operation. Success is
// reported as a nil error; OK exists only as the zero value of CodeOf.
type ErrorCode int8

const (
	OK ErrorCode = iota
	ErrEmpty
	ErrFull
	ErrBusy
	ErrFailed
	ErrNotSupport
	ErrArg
	ErrTimeout
)

func (c ErrorCode) Error() string {
	switch c {
	case OK:
		return "ok"
	case ErrEmpty:
		return "empty"
	case ErrFull:
		return "full"
	case ErrBusy:
		return "busy"
	case ErrFailed:
		return "failed"
	case ErrNotSupport:
		return "not supported"
	case ErrArg:
		return "invalid argument"
	case ErrTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error code %d", int8(c))
	}
}

func (c ErrorCode) String() string { return c.Error() }

// CodeOf maps err back to its ErrorCode. Errors that do not wrap an
// ErrorCode are reported as ErrFailed.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrFailed
}

// pending reports whether a hook result means "will complete later".
func pending(err error) bool {
	switch CodeOf(err) {
	case ErrEmpty, ErrBusy, ErrFull:
		return true
	}
	return false
}

func assert(cond bool, format string, args ...any) {
	if !cond {
		panic("libxr: " + fmt.Sprintf(format, args...))
	}
}
