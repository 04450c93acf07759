// Package sync runs the ccsync pipeline once: validate the save, discover
// computers, resolve rules and copy files into every targeted computer.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bngarren/ccsync-sub002/internal/computer"
	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/copier"
	"github.com/bngarren/ccsync-sub002/internal/logging"
	"github.com/bngarren/ccsync-sub002/internal/pathutil"
	"github.com/bngarren/ccsync-sub002/internal/rules"
)

var (
	// ErrRunInProgress is returned when another process holds the save's lock
	ErrRunInProgress = errors.New("another sync is already running for this save")
	// ErrInvalidSave is returned when the save directory is missing required entries
	ErrInvalidSave = errors.New("invalid save directory")
)

// Engine orchestrates the sync process
type Engine struct {
	cfg     *config.Config
	copier  *copier.Engine
	base    zerolog.Logger
	logger  zerolog.Logger
	dryRun  bool
	lockDir string
}

// Option customizes an Engine
type Option func(*Engine)

// WithLockDir places run locks in dir instead of the XDG state directory.
func WithLockDir(dir string) Option {
	return func(e *Engine) {
		e.lockDir = dir
	}
}

// WithCopier replaces the copy engine.
func WithCopier(c *copier.Engine) Option {
	return func(e *Engine) {
		e.copier = c
	}
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, logger zerolog.Logger, dryRun bool, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		base:    logger,
		logger:  logging.Component(logger, "sync"),
		dryRun:  dryRun,
		lockDir: filepath.Join(xdg.StateHome, "ccsync"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.copier == nil {
		e.copier = copier.New(logger)
	}
	return e
}

// Run executes the complete sync process. changed limits the run to those
// source files; nil means everything. Per-file problems end up in the
// report; an error is returned only when the run could not start or was
// cancelled.
func (e *Engine) Run(ctx context.Context, changed rules.ChangedFiles) (*Report, error) {
	start := time.Now()
	report := &Report{DryRun: e.dryRun, ChangedFiles: len(changed)}

	e.logger.Info().
		Str("source_root", e.cfg.SourceRoot).
		Str("save", e.cfg.MinecraftSavePath).
		Int("changed", len(changed)).
		Bool("dry_run", e.dryRun).
		Msg("starting sync")
	if len(changed) > 0 {
		e.logger.Debug().Strs("files", changed.Paths()).Msg("changed files")
	}

	if !e.dryRun {
		unlock, err := e.lock()
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	computers, err := e.discover()
	if err != nil {
		return nil, err
	}

	result := rules.NewResolver(e.cfg, e.base).Resolve(computers, changed)
	report.ResolutionErrors = result.Errors
	report.MissingComputers = missingComputers(result, computers)
	for _, msg := range result.Errors {
		e.logger.Warn().Msg(msg)
	}
	for _, id := range report.MissingComputers {
		e.logger.Warn().Str("computer", id).Msg("computer referenced by a rule was not found in the save")
	}

	e.logger.Info().
		Int("files", len(result.ResolvedFileRules)).
		Int("computers", len(result.AvailableComputers)).
		Int("errors", len(result.Errors)).
		Msg("rules resolved")

	if e.dryRun {
		report.Planned = plan(result)
		e.logPlanDetails(report.Planned)
		e.logger.Info().Msg("dry-run complete, no changes applied")
		report.Duration = time.Since(start)
		return report, nil
	}

	reports, err := e.copyAll(ctx, result)
	report.Computers = reports
	report.Duration = time.Since(start)
	if err != nil {
		return report, fmt.Errorf("sync interrupted: %w", err)
	}

	e.logger.Info().
		Int("copied", report.Copied()).
		Int("skipped", report.Skipped()).
		Dur("duration", report.Duration).
		Msg("sync finished")
	return report, nil
}

// Validate resolves the rules without copying anything.
func (e *Engine) Validate() (rules.ValidationResult, []string, error) {
	computers, err := e.discover()
	if err != nil {
		return rules.ValidationResult{}, nil, err
	}
	result := rules.NewResolver(e.cfg, e.base).Resolve(computers, nil)
	return result, missingComputers(result, computers), nil
}

// Computers validates the save and lists its computers.
func (e *Engine) Computers() ([]computer.Computer, error) {
	return e.discover()
}

func (e *Engine) discover() ([]computer.Computer, error) {
	validation := computer.ValidateSaveDirectory(e.cfg.MinecraftSavePath)
	if !validation.IsValid {
		return nil, fmt.Errorf("%w %s: %s", ErrInvalidSave, e.cfg.MinecraftSavePath,
			strings.Join(validation.Errors, "; "))
	}

	computers, err := computer.Discover(e.cfg.MinecraftSavePath)
	if err != nil {
		return nil, fmt.Errorf("failed to discover computers: %w", err)
	}
	e.logger.Debug().Strs("computers", computer.IDs(computers)).Msg("computers discovered")
	return computers, nil
}

// copyAll copies each available computer's files, several computers at a
// time. One computer's batch runs sequentially.
func (e *Engine) copyAll(ctx context.Context, result rules.ValidationResult) ([]ComputerReport, error) {
	reports := make([]ComputerReport, len(result.AvailableComputers))

	limit := e.cfg.Advanced.Concurrency
	if limit <= 0 {
		limit = config.DefaultConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range result.AvailableComputers {
		files := result.ForComputer(c.ID)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			logger := e.logger.With().Str("computer", c.ID).Logger()
			logger.Debug().Int("files", len(files)).Msg("copying to computer")

			res := e.copier.Copy(files, c.Path)
			reports[i] = ComputerReport{Computer: c, Result: res}
			for _, msg := range res.Errors {
				logger.Warn().Msg(msg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return compact(reports), err
	}
	return reports, nil
}

// compact drops the reports of computers that were never reached.
func compact(reports []ComputerReport) []ComputerReport {
	out := reports[:0]
	for _, r := range reports {
		if r.Computer.ID != "" {
			out = append(out, r)
		}
	}
	return out
}

func plan(result rules.ValidationResult) []ComputerPlan {
	plans := make([]ComputerPlan, 0, len(result.AvailableComputers))
	for _, c := range result.AvailableComputers {
		plans = append(plans, ComputerPlan{
			Computer: c,
			Copies:   copier.Plan(result.ForComputer(c.ID), c.Path),
		})
	}
	return plans
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plans []ComputerPlan) {
	for _, p := range plans {
		for _, op := range p.Copies {
			if op.Err != nil {
				e.logger.Warn().Str("computer", p.Computer.ID).Msg(op.Err.Error())
				continue
			}
			e.logger.Info().
				Str("computer", p.Computer.ID).
				Str("source", op.Source).
				Str("dest", op.Target).
				Msg("[dry-run] would copy")
		}
	}
}

func missingComputers(result rules.ValidationResult, computers []computer.Computer) []string {
	var missing []string
	for _, id := range result.ReferencedComputers() {
		if _, ok := computer.Lookup(computers, id); !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// lock takes the per-save run lock. The returned function releases it.
func (e *Engine) lock() (func(), error) {
	if err := os.MkdirAll(e.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	path := filepath.Join(e.lockDir, LockName(e.cfg.MinecraftSavePath))
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrRunInProgress, path)
	}
	e.logger.Debug().Str("lock", path).Msg("run lock acquired")

	return func() {
		if err := fl.Unlock(); err != nil {
			e.logger.Warn().Err(err).Str("lock", path).Msg("failed to release run lock")
		}
	}, nil
}

// LockName is the lock file name for a save; equal paths under the host's
// case policy share a lock.
func LockName(savePath string) string {
	if abs, err := filepath.Abs(savePath); err == nil {
		savePath = abs
	}
	sum := sha256.Sum256([]byte(pathutil.HostComparer.Key(pathutil.FromSystemPath(savePath))))
	return "run-" + hex.EncodeToString(sum[:8]) + ".lock"
}
