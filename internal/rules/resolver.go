// Package rules expands configured sync rules into concrete per-file copy
// instructions.
//
// Resolution walks the rules in declaration order. Each rule's source is
// expanded as a glob (or checked as a literal path) below the source root,
// optionally narrowed to the files changed since the last run, and bound to
// the deduplicated list of computers its selectors name. Failures are
// collected per rule; one bad rule never stops the others from resolving.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/bngarren/ccsync-sub002/internal/computer"
	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/logging"
	"github.com/bngarren/ccsync-sub002/internal/pathutil"
)

// Resolver resolves the rules of one config against a source tree
type Resolver struct {
	cfg    *config.Config
	fsys   fs.FS
	logger zerolog.Logger
}

// NewResolver creates a resolver reading sources from cfg.SourceRoot on disk
func NewResolver(cfg *config.Config, logger zerolog.Logger) *Resolver {
	return NewResolverFS(cfg, os.DirFS(cfg.SourceRoot), logger)
}

// NewResolverFS creates a resolver reading sources from fsys, which must be
// rooted at cfg.SourceRoot
func NewResolverFS(cfg *config.Config, fsys fs.FS, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		fsys:   fsys,
		logger: logging.Component(logger, "rules"),
	}
}

// Resolve resolves cfg against the discovered computers. changed limits the
// run to the given source files; pass nil for a full run.
func Resolve(cfg *config.Config, computers []computer.Computer, changed ChangedFiles) ValidationResult {
	return NewResolver(cfg, zerolog.Nop()).Resolve(computers, changed)
}

// Resolve expands every rule. It never fails as a whole: problems are
// reported in ValidationResult.Errors.
func (r *Resolver) Resolve(computers []computer.Computer, changed ChangedFiles) ValidationResult {
	var result ValidationResult

	known := make(map[string]bool, len(computers))
	for _, c := range computers {
		known[c.ID] = true
	}

	for i, rule := range r.cfg.Rules {
		logger := r.logger.With().Int("rule", i+1).Str("source", rule.Source).Logger()

		matches, err := r.expandSource(rule.Source)
		if err != nil {
			logger.Debug().Err(err).Msg("source did not resolve")
			result.Errors = append(result.Errors, fmt.Sprintf("Rule %d: %s", i+1, err))
			continue
		}

		if changed != nil {
			matches = r.filterChanged(matches, changed)
			if len(matches) == 0 {
				logger.Debug().Msg("no changed files for rule")
				continue
			}
		}

		selectors, unknown := ParseSelectors(rule.Computers, r.cfg.ComputerGroups, known)
		if len(unknown) > 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("Rule %d: %s", i+1, unknownMessage(unknown)))
			logger.Debug().Strs("unknown", unknown).Msg("rule skipped")
			continue
		}
		if len(selectors) == 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("Rule %d: no computers specified", i+1))
			continue
		}
		ids := Expand(selectors, r.cfg.ComputerGroups)

		target := Target{
			Path:            rule.Target,
			IsDirectoryHint: strings.HasSuffix(strings.ReplaceAll(rule.Target, `\`, "/"), "/"),
		}
		for _, rel := range matches {
			result.ResolvedFileRules = append(result.ResolvedFileRules, ResolvedFileRule{
				SourceAbsolutePath: filepath.Join(r.cfg.SourceRoot, filepath.FromSlash(rel)),
				SourceRelativePath: rel,
				Target:             target,
				Computers:          append([]string(nil), ids...),
				RuleIndex:          i,
			})
		}
		logger.Debug().Int("files", len(matches)).Strs("computers", ids).Msg("rule resolved")
	}

	referenced := make(map[string]bool)
	for _, id := range result.ReferencedComputers() {
		referenced[id] = true
	}
	for _, c := range computers {
		if referenced[c.ID] {
			result.AvailableComputers = append(result.AvailableComputers, c)
		}
	}

	return result
}

// expandSource returns the files a rule source names, as sorted
// slash-separated paths relative to the source root.
func (r *Resolver) expandSource(source string) ([]string, error) {
	pattern := strings.TrimLeft(pathutil.Normalize(source, false), "/")
	if pattern == "" || pattern == "." {
		return nil, fmt.Errorf("source %q does not name a file", source)
	}
	if pattern == ".." || strings.HasPrefix(pattern, "../") || pathutil.HasRootPrefix(pattern) {
		return nil, fmt.Errorf("source %q is outside sourceRoot", source)
	}

	if !hasGlobMeta(pattern) {
		info, err := fs.Stat(r.fsys, pattern)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("source file not found: %q", source)
			}
			return nil, fmt.Errorf("cannot access source %q: %w", source, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("source %q is a directory; use a glob such as %q", source, pattern+"/*")
		}
		return []string{pattern}, nil
	}

	matches, err := doublestar.Glob(r.fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid source pattern %q: %w", source, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no matching files found for source %q", source)
	}
	sort.Strings(matches)
	return matches, nil
}

func (r *Resolver) filterChanged(matches []string, changed ChangedFiles) []string {
	kept := matches[:0:0]
	for _, rel := range matches {
		if changed.Contains(filepath.Join(r.cfg.SourceRoot, filepath.FromSlash(rel))) {
			kept = append(kept, rel)
		}
	}
	return kept
}

func unknownMessage(tokens []string) string {
	if len(tokens) == 1 {
		return fmt.Sprintf("computer or group %q not found", tokens[0])
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return fmt.Sprintf("computers or groups %s not found", strings.Join(quoted, ", "))
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// ParseSelectors classifies each token as a group reference or a computer
// ID. Group names win over IDs. Tokens that are neither a group nor a known
// computer are returned in unknown.
func ParseSelectors(tokens config.Selectors, groups map[string]config.ComputerGroup, known map[string]bool) (selectors []Selector, unknown []string) {
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if _, ok := groups[token]; ok {
			selectors = append(selectors, Selector{Kind: GroupRef, Value: token})
			continue
		}
		if known[token] {
			selectors = append(selectors, Selector{Kind: DeviceID, Value: token})
			continue
		}
		unknown = append(unknown, token)
	}
	return selectors, unknown
}

// Expand flattens selectors into computer IDs, splicing group members in
// declaration order and keeping the first occurrence of each ID.
func Expand(selectors []Selector, groups map[string]config.ComputerGroup) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, sel := range selectors {
		switch sel.Kind {
		case GroupRef:
			for _, id := range groups[sel.Value].Computers {
				add(strings.TrimSpace(id))
			}
		case DeviceID:
			add(sel.Value)
		}
	}
	return ids
}
