//go:build linux

package sandbox

import (
	"errors"
	"fmt"
)

// Error kinds returned by the export engine. Callers match them with
// [errors.Is]; the wrapped message carries the offending path and the
// underlying OS error.
var (
	// ErrNotFound means the path does not exist or cannot be inspected.
	// It is never fatal to a container launch.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is a syntactic precondition violation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrReserved means the path belongs to the container framework.
	ErrReserved = errors.New("reserved path")

	// ErrTooManyLinks mirrors ELOOP.
	ErrTooManyLinks = errors.New("too many levels of symbolic links")

	// ErrEscape means a symlink would resolve outside the sysroot.
	ErrEscape = errors.New("symbolic link escapes from sysroot")

	// ErrBlocked means an autofs check did not complete in time.
	ErrBlocked = errors.New("blocked by autofs")

	// ErrUnsupportedType is returned for devices, fifos and other special files.
	ErrUnsupportedType = errors.New("unsupported file type")
)

// IsSkippable reports whether err only means "do not export this path".
func IsSkippable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrBlocked)
}

// pathError ties an error kind to a human readable detail. Both the kind
// and any OS error in cause are visible to errors.Is.
type pathError struct {
	kind  error
	msg   string
	cause error
}

func (e *pathError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}

	return e.msg
}

func (e *pathError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}

	return []error{e.kind}
}

func kindErrorf(kind error, format string, args ...any) error {
	return &pathError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func kindWrapf(kind, cause error, format string, args ...any) error {
	return &pathError{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %s", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %s", op, detail)
}

// noCopy is a marker for go vet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
