package rules

import (
	"path/filepath"
	"sort"

	"github.com/bngarren/ccsync-sub002/internal/computer"
	"github.com/bngarren/ccsync-sub002/internal/pathutil"
)

// SelectorKind tells how a rule's computer token was interpreted
type SelectorKind int

const (
	// DeviceID is a literal computer ID
	DeviceID SelectorKind = iota
	// GroupRef names an entry of computerGroups
	GroupRef
)

func (k SelectorKind) String() string {
	switch k {
	case DeviceID:
		return "computer"
	case GroupRef:
		return "group"
	default:
		return "unknown"
	}
}

// Selector is one resolved token of a rule's computers list
type Selector struct {
	Kind  SelectorKind
	Value string
}

// Target is the rule target carried through resolution untouched. Whether it
// names a file or a directory is decided by the copier.
type Target struct {
	Path            string
	IsDirectoryHint bool // the target ends in a separator
}

// ResolvedFileRule is one concrete source file bound to a target and the
// computers it is copied to
type ResolvedFileRule struct {
	SourceAbsolutePath string
	SourceRelativePath string // relative to sourceRoot, "/"-separated
	Target             Target
	Computers          []string
	RuleIndex          int // index into config.Rules
}

// ValidationResult is the outcome of one resolution pass
type ValidationResult struct {
	ResolvedFileRules  []ResolvedFileRule
	AvailableComputers []computer.Computer
	Errors             []string
}

// HasErrors reports whether any rule failed to resolve.
func (v ValidationResult) HasErrors() bool {
	return len(v.Errors) > 0
}

// ForComputer returns the resolved rules that include computer id, in order.
func (v ValidationResult) ForComputer(id string) []ResolvedFileRule {
	var out []ResolvedFileRule
	for _, r := range v.ResolvedFileRules {
		for _, c := range r.Computers {
			if c == id {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// ReferencedComputers returns every computer ID named by a resolved rule, in
// first-seen order, whether or not it was discovered.
func (v ValidationResult) ReferencedComputers() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range v.ResolvedFileRules {
		for _, c := range r.Computers {
			if !seen[c] {
				seen[c] = true
				ids = append(ids, c)
			}
		}
	}
	return ids
}

// ChangedFiles is the set of source files touched since the last run. A nil
// set means a full run.
type ChangedFiles map[string]struct{}

// NewChangedFiles builds a set from OS paths. Relative paths are made
// absolute against the working directory.
func NewChangedFiles(paths ...string) ChangedFiles {
	c := make(ChangedFiles, len(paths))
	for _, p := range paths {
		c.Add(p)
	}
	return c
}

// Add records p as changed.
func (c ChangedFiles) Add(p string) {
	c[changedKey(p)] = struct{}{}
}

// Contains reports whether p was recorded as changed.
func (c ChangedFiles) Contains(p string) bool {
	_, ok := c[changedKey(p)]
	return ok
}

// Paths returns the recorded keys; intended for logging.
func (c ChangedFiles) Paths() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func changedKey(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return pathutil.HostComparer.Key(pathutil.FromSystemPath(p))
}
