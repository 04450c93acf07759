package copier

import (
	"errors"
	"fmt"
)

// Kind classifies why a single copy was skipped
type Kind int

const (
	// KindIO covers missing sources, permissions and other I/O failures
	KindIO Kind = iota
	// KindContainment means the target resolved outside the computer directory
	KindContainment
	// KindCannotCreateDirectory means a path segment that must be a directory
	// is occupied by something else
	KindCannotCreateDirectory
	// KindLocked means the destination is held open by another process
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindContainment:
		return "containment"
	case KindCannotCreateDirectory:
		return "cannot-create-directory"
	case KindLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// Sentinels matched by CopyError.Is
var (
	ErrOutsideRoot           = errors.New("target resolves outside the computer directory")
	ErrCannotCreateDirectory = errors.New("cannot create directory")
	ErrFileLocked            = errors.New("file is locked or in use")
)

var errTargetIsDirectory = errors.New("a directory exists at the target path")

// CopyError describes one skipped entry
type CopyError struct {
	Kind   Kind
	Source string // source file as given
	Target string // rule target, or the offending path for directory conflicts
	Err    error
}

// Error renders the message shown to users.
func (e *CopyError) Error() string {
	switch e.Kind {
	case KindContainment:
		return fmt.Sprintf("Security violation: target %q for %s resolves outside the computer directory", e.Target, e.Source)
	case KindCannotCreateDirectory:
		return fmt.Sprintf("Cannot create directory %q for %s: a file with that name already exists", e.Target, e.Source)
	case KindLocked:
		return fmt.Sprintf("File is locked or in use: %s (copying %s)", e.Target, e.Source)
	default:
		return fmt.Sprintf("Failed to copy %s to %s: %v", e.Source, e.Target, e.Err)
	}
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a CopyError against the package sentinels.
func (e *CopyError) Is(target error) bool {
	switch target {
	case ErrOutsideRoot:
		return e.Kind == KindContainment
	case ErrCannotCreateDirectory:
		return e.Kind == KindCannotCreateDirectory
	case ErrFileLocked:
		return e.Kind == KindLocked
	}
	return false
}
