//go:build unix

package copier

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isLocked reports whether err means the destination is busy.
func isLocked(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY)
}
