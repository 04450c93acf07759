// Package pathutil canonicalizes paths written with mixed separators and
// compares them according to the host filesystem's case policy.
//
// Every path that flows through rule resolution and target computation is
// kept in the normalized "/"-separated form produced by Normalize. Conversion
// to the host separator happens only at the I/O boundary via ToSystemPath.
package pathutil

import (
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/text/cases"
)

// Normalize rewrites p into the internal representation: backslashes become
// slashes, repeated slashes collapse, "." segments are dropped and ".."
// segments are resolved against what precedes them. Drive letters ("C:") and
// network share prefixes ("//host") are kept verbatim.
//
// A leading ".." that cannot be resolved in a relative path is kept, since
// escaping a root is for the caller to judge. ".." above an absolute root is
// dropped. When keepTrailingSlash is false a trailing slash is removed unless
// the result is a root.
func Normalize(p string, keepTrailingSlash bool) string {
	if p == "" {
		return ""
	}

	p = strings.ReplaceAll(p, `\`, "/")
	trailing := strings.HasSuffix(p, "/")

	prefix, rest := splitPrefix(p)
	absolute := strings.HasPrefix(rest, "/")

	var stack []string
	for _, seg := range strings.Split(rest, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 && stack[len(stack)-1] != ".." {
				stack = stack[:len(stack)-1]
				continue
			}
			if absolute {
				continue
			}
			stack = append(stack, seg)
		default:
			stack = append(stack, seg)
		}
	}

	body := strings.Join(stack, "/")

	var out string
	switch {
	case absolute:
		out = prefix + "/" + body
	case body == "" && prefix != "":
		out = prefix
	case body == "":
		out = "."
	default:
		out = prefix + body
	}

	if keepTrailingSlash && trailing && !strings.HasSuffix(out, "/") {
		out += "/"
	}
	return out
}

// NormalizePath is Normalize with trailing slashes preserved.
func NormalizePath(p string) string {
	return Normalize(p, true)
}

// splitPrefix separates a drive letter or network share prefix from the rest
// of an already slash-converted path.
func splitPrefix(p string) (prefix, rest string) {
	if strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "///") {
		host := p[2:]
		if i := strings.IndexByte(host, '/'); i >= 0 {
			return p[:2+i], host[i:]
		}
		return p, ""
	}
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		return p[:2], p[2:]
	}
	return "", p
}

func isDriveLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// HasRootPrefix reports whether p carries a drive letter or network share
// prefix after normalization.
func HasRootPrefix(p string) bool {
	prefix, _ := splitPrefix(strings.ReplaceAll(p, `\`, "/"))
	return prefix != ""
}

// ToSystemPath converts p to the separator expected by the host OS.
func ToSystemPath(p string) string {
	return filepath.FromSlash(Normalize(p, true))
}

// FromSystemPath converts a path produced by the OS (filepath.Abs, os.ReadDir
// walks, fsnotify events) into the internal representation.
func FromSystemPath(p string) string {
	return Normalize(filepath.ToSlash(p), false)
}

// Join joins elements with "/" and normalizes the result without a trailing
// slash.
func Join(elem ...string) string {
	return Normalize(strings.Join(elem, "/"), false)
}

// Base returns the last element of p in internal form.
func Base(p string) string {
	return path.Base(Normalize(p, false))
}

// HasExtension reports whether the last element of p has a file extension.
// Dotfiles such as ".hidden" have none.
func HasExtension(p string) bool {
	base := Base(p)
	if base == "." || base == ".." || base == "/" {
		return false
	}
	ext := path.Ext(base)
	return ext != "" && ext != base
}

// IsDirectoryTarget reports whether a rule target names a directory: it ends
// in a slash or its last element has no extension. Every directory-vs-file
// decision goes through here.
func IsDirectoryTarget(target string) bool {
	t := strings.ReplaceAll(target, `\`, "/")
	if t == "" || strings.HasSuffix(t, "/") {
		return true
	}
	return !HasExtension(t)
}

// Comparer compares normalized paths under a fixed case policy.
type Comparer struct {
	CaseInsensitive bool
}

// HostComparer carries the case policy of the running OS. It is resolved once
// at startup so a run never mixes policies.
var HostComparer = Comparer{CaseInsensitive: hostCaseInsensitive()}

func hostCaseInsensitive() bool {
	switch runtime.GOOS {
	case "windows", "darwin", "ios":
		return true
	}
	return false
}

// Key returns the comparison key of p: its normalized form without trailing
// slash, case folded when the policy is case-insensitive.
func (c Comparer) Key(p string) string {
	n := Normalize(p, false)
	if c.CaseInsensitive {
		// Casers are stateful; one per call.
		n = cases.Fold().String(n)
	}
	return n
}

// Equal reports whether a and b name the same path.
func (c Comparer) Equal(a, b string) bool {
	return c.Key(a) == c.Key(b)
}

// Within reports whether p equals root or lies beneath it. Both are expected
// to be absolute; relative inputs are compared lexically.
func (c Comparer) Within(root, p string) bool {
	r := c.Key(root)
	k := c.Key(p)
	if k == r {
		return true
	}
	if k == ".." || strings.HasPrefix(k, "../") {
		return false
	}
	if strings.HasSuffix(r, "/") {
		return strings.HasPrefix(k, r)
	}
	return strings.HasPrefix(k, r+"/")
}

// PathsAreEqual compares a and b using HostComparer.
func PathsAreEqual(a, b string) bool {
	return HostComparer.Equal(a, b)
}
