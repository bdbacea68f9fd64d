// Package errs defines the failure classes shared by the DWARF index, the
// symbol cache and the runtime session.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound classifies lookups that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous classifies lookups that matched more than one candidate.
	ErrAmbiguous = errors.New("ambiguous")
	// ErrNotImplemented classifies recognized but unsupported DWARF
	// constructs.
	ErrNotImplemented = errors.New("not implemented")
)

// NotFoundError is returned when a unit, subprogram, frame entry, line or
// name does not exist.
type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.What, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a *NotFoundError.
func NotFound(what, key string) error {
	return &NotFoundError{What: what, Key: key}
}

// AmbiguousError is returned when a key identifies several candidates.
type AmbiguousError struct {
	What       string
	Key        string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("%s %q is ambiguous", e.What, e.Key)
	}
	return fmt.Sprintf("%s %q is ambiguous: %s", e.What, e.Key, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Is(target error) bool { return target == ErrAmbiguous }

// NotImplementedError names a DWARF form, opcode or construct that is
// recognized but not handled.
type NotImplementedError struct {
	What string
}

func (e *NotImplementedError) Error() string {
	return e.What + ": not implemented"
}

func (e *NotImplementedError) Is(target error) bool { return target == ErrNotImplemented }

// NotImplemented builds a *NotImplementedError.
func NotImplemented(format string, args ...interface{}) error {
	return &NotImplementedError{What: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is classified as not found.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAmbiguous reports whether err is classified as ambiguous.
func IsAmbiguous(err error) bool { return errors.Is(err, ErrAmbiguous) }

// IsNotImplemented reports whether err is classified as not implemented.
func IsNotImplemented(err error) bool { return errors.Is(err, ErrNotImplemented) }
