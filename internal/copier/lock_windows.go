//go:build windows

package copier

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isLocked reports whether err means the destination is held open by
// another process.
func isLocked(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION) ||
		errors.Is(err, windows.ERROR_USER_MAPPED_FILE)
}
