//go:build unix

package copier

import "golang.org/x/sys/unix"

var lockedErr error = unix.EBUSY
