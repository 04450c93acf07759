// Package copier writes resolved files into a computer's storage directory.
//
// Every destination is computed from the rule target in normalized form and
// must stay strictly inside the computer directory, both lexically and after
// resolving symlinks of the directories that already exist. A failing entry
// is recorded and skipped; the remaining entries are still attempted.
package copier

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bngarren/ccsync-sub002/internal/logging"
	"github.com/bngarren/ccsync-sub002/internal/pathutil"
	"github.com/bngarren/ccsync-sub002/internal/rules"
)

const tempPattern = ".ccsync-tmp-*"

// Result is the outcome of copying a batch of files into one computer
type Result struct {
	CopiedFiles  []string // source paths that were written
	SkippedFiles []string // source paths that were not
	Errors       []string // one message per skipped file

	Copies   []Copied
	Failures []*CopyError
}

// Copied pairs a written source with its destination on disk
type Copied struct {
	Source string
	Target string
}

// Success reports whether every file was copied.
func (r Result) Success() bool {
	return len(r.SkippedFiles) == 0
}

// Total is the number of files attempted.
func (r Result) Total() int {
	return len(r.CopiedFiles) + len(r.SkippedFiles)
}

type outcome struct {
	source string
	target string
	err    *CopyError
}

func (r *Result) record(o outcome) {
	if o.err != nil {
		r.SkippedFiles = append(r.SkippedFiles, o.source)
		r.Errors = append(r.Errors, o.err.Error())
		r.Failures = append(r.Failures, o.err)
		return
	}
	r.CopiedFiles = append(r.CopiedFiles, o.source)
	r.Copies = append(r.Copies, Copied{Source: o.source, Target: o.target})
}

// Engine copies files onto a filesystem
type Engine struct {
	fs     afero.Fs
	logger zerolog.Logger
	// realpath resolves symlinks of an existing path; nil disables the check
	realpath func(string) (string, error)
}

// New creates an engine writing to the host filesystem.
func New(logger zerolog.Logger) *Engine {
	return &Engine{
		fs:       afero.NewOsFs(),
		logger:   logging.Component(logger, "copier"),
		realpath: filepath.EvalSymlinks,
	}
}

// NewWithFs creates an engine over fsys. Symlinks are not resolved.
func NewWithFs(fsys afero.Fs, logger zerolog.Logger) *Engine {
	return &Engine{
		fs:     fsys,
		logger: logging.Component(logger, "copier"),
	}
}

// Copy writes each file into rootDir following its rule target. The
// Computers field of the entries is ignored; the caller picks the entries
// that apply to this computer.
func (e *Engine) Copy(files []rules.ResolvedFileRule, rootDir string) Result {
	root := absRoot(rootDir)
	var result Result
	for _, f := range files {
		result.record(e.copyOne(f, root))
	}
	e.logger.Debug().
		Str("root", rootDir).
		Int("copied", len(result.CopiedFiles)).
		Int("skipped", len(result.SkippedFiles)).
		Msg("copy finished")
	return result
}

// PlannedCopy is one destination computed without touching the disk
type PlannedCopy struct {
	Source string
	Target string // OS path, empty when Err is set
	Err    *CopyError
}

// Plan computes the destination of each file in rootDir without writing.
// Only lexical containment is checked.
func Plan(files []rules.ResolvedFileRule, rootDir string) []PlannedCopy {
	root := absRoot(rootDir)
	planned := make([]PlannedCopy, 0, len(files))
	for _, f := range files {
		final, err := TargetPath(root, f.Target.Path, f.SourceAbsolutePath)
		if err != nil {
			planned = append(planned, PlannedCopy{
				Source: f.SourceAbsolutePath,
				Err:    &CopyError{Kind: KindContainment, Source: f.SourceAbsolutePath, Target: f.Target.Path, Err: err},
			})
			continue
		}
		planned = append(planned, PlannedCopy{Source: f.SourceAbsolutePath, Target: pathutil.ToSystemPath(final)})
	}
	return planned
}

// TargetPath computes the normalized destination of source for a rule
// target below rootDir. Targets naming a directory receive the source's
// base name. Leading separators are stripped so the target is always
// relative to rootDir. ErrOutsideRoot is returned when the result is not
// strictly inside rootDir or the target carries a drive or share prefix.
func TargetPath(rootDir, target, source string) (string, error) {
	root := pathutil.Normalize(rootDir, false)
	rel := strings.TrimLeft(strings.ReplaceAll(target, `\`, "/"), "/")
	if pathutil.HasRootPrefix(rel) {
		return "", ErrOutsideRoot
	}

	var final string
	if pathutil.IsDirectoryTarget(target) {
		final = pathutil.Join(root, rel, pathutil.Base(source))
	} else {
		final = pathutil.Join(root, rel)
	}

	if !pathutil.HostComparer.Within(root, final) || pathutil.HostComparer.Equal(root, final) {
		return "", ErrOutsideRoot
	}
	return final, nil
}

func absRoot(rootDir string) string {
	if abs, err := filepath.Abs(rootDir); err == nil {
		rootDir = abs
	}
	return pathutil.FromSystemPath(rootDir)
}

func (e *Engine) copyOne(f rules.ResolvedFileRule, root string) outcome {
	source := f.SourceAbsolutePath
	logger := e.logger.With().Str("source", source).Str("target", f.Target.Path).Logger()

	fail := func(kind Kind, target string, err error) outcome {
		ce := &CopyError{Kind: kind, Source: source, Target: target, Err: err}
		logger.Warn().Str("kind", kind.String()).Err(err).Msg("skipping file")
		return outcome{source: source, err: ce}
	}

	final, err := TargetPath(root, f.Target.Path, source)
	if err != nil {
		return fail(KindContainment, f.Target.Path, err)
	}
	if err := e.checkResolved(root, final); err != nil {
		return fail(KindContainment, f.Target.Path, err)
	}

	dir := path.Dir(final)
	if blocked := e.blockingAncestor(root, dir); blocked != "" {
		return fail(KindCannotCreateDirectory, pathutil.ToSystemPath(blocked), ErrCannotCreateDirectory)
	}
	if err := e.fs.MkdirAll(pathutil.ToSystemPath(dir), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fail(KindCannotCreateDirectory, pathutil.ToSystemPath(dir), err)
		}
		return fail(KindIO, pathutil.ToSystemPath(dir), err)
	}

	dst := pathutil.ToSystemPath(final)
	if info, err := e.fs.Stat(dst); err == nil && info.IsDir() {
		return fail(KindIO, dst, errTargetIsDirectory)
	}

	if err := e.copyFile(source, dst); err != nil {
		if isLocked(err) {
			return fail(KindLocked, dst, fmt.Errorf("%w: %w", ErrFileLocked, err))
		}
		return fail(KindIO, dst, err)
	}

	logger.Debug().Str("dest", dst).Msg("copied file")
	return outcome{source: source, target: dst}
}

// checkResolved re-checks containment after resolving symlinks of the
// deepest part of final that already exists.
func (e *Engine) checkResolved(root, final string) error {
	if e.realpath == nil {
		return nil
	}

	realRoot, err := e.realpath(pathutil.ToSystemPath(root))
	if err != nil {
		// Root does not exist yet; nothing below it can be a link.
		return nil
	}

	existing, rest := final, ""
	for {
		if _, err := e.fs.Stat(pathutil.ToSystemPath(existing)); err == nil {
			break
		}
		parent := path.Dir(existing)
		if parent == existing || !pathutil.HostComparer.Within(root, parent) {
			return nil
		}
		rest = path.Join(path.Base(existing), rest)
		existing = parent
	}

	resolved, err := e.realpath(pathutil.ToSystemPath(existing))
	if err != nil {
		return nil
	}
	full := pathutil.Join(pathutil.FromSystemPath(resolved), rest)
	realRootKey := pathutil.FromSystemPath(realRoot)
	if !pathutil.HostComparer.Within(realRootKey, full) || pathutil.HostComparer.Equal(realRootKey, full) {
		return ErrOutsideRoot
	}
	return nil
}

// blockingAncestor returns the first existing non-directory between root
// (exclusive) and dir (inclusive), or "".
func (e *Engine) blockingAncestor(root, dir string) string {
	rel := strings.TrimPrefix(dir, root)
	if pathutil.HostComparer.Equal(root, dir) {
		return ""
	}
	current := root
	for _, seg := range strings.Split(strings.Trim(rel, "/"), "/") {
		if seg == "" {
			continue
		}
		current = pathutil.Join(current, seg)
		info, err := e.fs.Stat(pathutil.ToSystemPath(current))
		if err != nil {
			return ""
		}
		if !info.IsDir() {
			return current
		}
	}
	return ""
}

// copyFile copies src to dst through a temp file in the destination
// directory, so a reader never sees a partial file.
func (e *Engine) copyFile(src, dst string) error {
	srcFile, err := e.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if srcInfo.IsDir() {
		return fmt.Errorf("source is a directory")
	}

	tmpFile, err := afero.TempFile(e.fs, filepath.Dir(dst), tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = e.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := e.fs.Chmod(tmpPath, srcInfo.Mode().Perm()|0o200); err != nil {
		return err
	}

	return e.fs.Rename(tmpPath, dst)
}
