package ifhd

import (
	"errors"
	"fmt"
)

// Kind tags the category of a failure, mirroring the taxonomy every core
// operation surfaces errors under.
type Kind int

const (
	KindEndOfFile Kind = iota
	KindInvalidFile
	KindInvalidArgument
	KindOutOfRange
	KindNotFound
	KindIOError
	KindIllegalState
	KindWriteThreadError
)

func (k Kind) String() string {
	switch k {
	case KindEndOfFile:
		return "end of file"
	case KindInvalidFile:
		return "invalid file"
	case KindInvalidArgument:
		return "invalid argument"
	case KindOutOfRange:
		return "out of range"
	case KindNotFound:
		return "not found"
	case KindIOError:
		return "I/O error"
	case KindIllegalState:
		return "illegal state"
	case KindWriteThreadError:
		return "write thread error"
	default:
		return "unknown error"
	}
}

// Error is the structured error every exported operation returns on
// failure. Op names the failing operation; Err, when set, is the nested
// cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers
// can use errors.Is(err, &ifhd.Error{Kind: ifhd.KindNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrEndOfFile is returned by iteration once the last chunk has been
// consumed; Reset is required to resume.
var ErrEndOfFile = &Error{Kind: KindEndOfFile}

// last-system-error tracking for WriteThreadError, mirroring
// last_system_error() on the writer.
type systemErrorHolder struct {
	err error
}

func (h *systemErrorHolder) set(err error) {
	h.err = err
}

func (h *systemErrorHolder) get() error {
	return h.err
}
