//go:build windows

package copier

import "golang.org/x/sys/windows"

var lockedErr error = windows.ERROR_SHARING_VIOLATION
