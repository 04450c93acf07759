//go:build !unix && !windows

package copier

var lockedErr error
