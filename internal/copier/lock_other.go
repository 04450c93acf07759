//go:build !unix && !windows

package copier

func isLocked(error) bool {
	return false
}
