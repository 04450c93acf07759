// Package watch re-runs the sync pipeline when files under the source root
// or the config file change.
//
// Events are debounced; each run receives the set of files touched since the
// previous one. A change to the config file reloads it and triggers a full
// run. At most one run is in flight, with at most one queued behind it.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/logging"
	"github.com/bngarren/ccsync-sub002/internal/pathutil"
	"github.com/bngarren/ccsync-sub002/internal/rules"
)

// RunFunc performs one sync. changed is nil for a full run.
type RunFunc func(ctx context.Context, cfg *config.Config, changed rules.ChangedFiles) error

// LoadFunc reloads the config from path.
type LoadFunc func(path string) (*config.Config, error)

// Watcher drives RunFunc from filesystem events
type Watcher struct {
	run    RunFunc
	load   LoadFunc
	logger zerolog.Logger

	mu       sync.Mutex // guards cfg, changed and full
	cfg      *config.Config
	changed  rules.ChangedFiles
	full     bool
	debounce *debouncer

	syncMu      sync.Mutex // guards syncRunning, syncPending and closed
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	closed      bool
	inflight    sync.WaitGroup

	fsw *fsnotify.Watcher
}

// New creates a watcher for cfg. load is used to re-read the config file
// when it changes; config.Load when nil.
func New(cfg *config.Config, run RunFunc, load LoadFunc, logger zerolog.Logger) *Watcher {
	if load == nil {
		load = config.Load
	}
	return &Watcher{
		run:      run,
		load:     load,
		logger:   logging.Component(logger, "watch"),
		cfg:      cfg,
		debounce: newDebouncer(cfg.Advanced.Debounce),
	}
}

// Start performs an initial full sync, then watches until ctx is cancelled.
// It waits for an in-flight sync to finish before returning.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	defer func() {
		_ = fsw.Close()
	}()

	cfg := w.config()
	if err := w.addTree(cfg.SourceRoot); err != nil {
		return err
	}
	if p := cfg.Path(); p != "" {
		// Editors replace files on save; watch the directory instead.
		if err := fsw.Add(filepath.Dir(p)); err != nil {
			return err
		}
	}

	w.logger.Info().Str("source_root", cfg.SourceRoot).Msg("performing initial sync before watching")
	w.performSync(ctx, true)
	w.logger.Info().Dur("debounce", cfg.Advanced.Debounce).Msg("watching for changes")

	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("stopping watcher")
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) shutdown() {
	w.syncMu.Lock()
	w.closed = true
	w.syncMu.Unlock()

	w.debounce.stop()
	w.inflight.Wait()
}

func (w *Watcher) config() *config.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	cfg := w.config()

	if p := cfg.Path(); p != "" && pathutil.HostComparer.Equal(pathutil.FromSystemPath(ev.Name), pathutil.FromSystemPath(p)) {
		if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
			w.logger.Info().Str("path", ev.Name).Msg("config changed")
			w.mu.Lock()
			w.full = true
			w.mu.Unlock()
			w.schedule(ctx)
		}
		return
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if !pathutil.HostComparer.Within(pathutil.FromSystemPath(cfg.SourceRoot), pathutil.FromSystemPath(ev.Name)) {
		return
	}
	if ignored(ev.Name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
			}
			w.markTree(ev.Name)
			w.schedule(ctx)
			return
		}
	}

	w.logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("file changed")
	w.mark(ev.Name)
	w.schedule(ctx)
}

func (w *Watcher) schedule(ctx context.Context) {
	w.debounce.trigger(func() {
		w.performSync(ctx, false)
	})
}

func (w *Watcher) mark(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.changed == nil {
		w.changed = rules.NewChangedFiles()
	}
	w.changed.Add(path)
}

// markTree records every file below dir; files created before the directory
// was watched produce no events of their own.
func (w *Watcher) markTree(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && !ignored(p) {
			w.mark(p)
		}
		return nil
	})
}

// takeBatch returns the pending changes and resets them. A nil set means a
// full run.
func (w *Watcher) takeBatch() (*config.Config, rules.ChangedFiles, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	full := w.full
	changed := w.changed
	w.full = false
	w.changed = nil
	return w.cfg, changed, full
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued.
// fullRun forces the first iteration to sync everything.
func (w *Watcher) performSync(ctx context.Context, fullRun bool) {
	w.syncMu.Lock()
	if w.closed {
		w.syncMu.Unlock()
		return
	}
	if w.syncRunning {
		w.syncPending = true
		w.syncMu.Unlock()
		w.logger.Debug().Msg("sync already in progress, queuing pending re-run")
		return
	}
	w.syncRunning = true
	w.inflight.Add(1)
	w.syncMu.Unlock()
	defer w.inflight.Done()

	first := fullRun
	for {
		cfg, changed, full := w.takeBatch()
		switch {
		case full:
			cfg = w.reload(cfg)
			changed = nil
		case first:
			changed = nil
		case changed == nil:
			// an earlier iteration already took these changes
			cfg = nil
		}
		first = false

		if cfg != nil && ctx.Err() == nil {
			w.logger.Info().Int("changed", len(changed)).Msg("performing sync")
			if err := w.run(ctx, cfg, changed); err != nil {
				w.logger.Error().Err(err).Msg("sync failed")
			}
		}

		w.syncMu.Lock()
		if !w.syncPending || w.closed {
			w.syncRunning = false
			w.syncPending = false
			w.syncMu.Unlock()
			break
		}
		w.syncPending = false
		w.syncMu.Unlock()

		w.logger.Debug().Msg("re-running sync due to pending request")
	}
}

// reload re-reads the config file. On failure the previous config stays in
// effect. A changed source root moves the watches.
func (w *Watcher) reload(prev *config.Config) *config.Config {
	if prev.Path() == "" {
		return prev
	}

	next, err := w.load(prev.Path())
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to reload config, keeping previous")
		return prev
	}

	if !pathutil.PathsAreEqual(pathutil.FromSystemPath(prev.SourceRoot), pathutil.FromSystemPath(next.SourceRoot)) {
		w.logger.Info().Str("source_root", next.SourceRoot).Msg("source root changed")
		w.unwatchTree(prev.SourceRoot)
		if err := w.addTree(next.SourceRoot); err != nil {
			w.logger.Error().Err(err).Msg("failed to watch new source root")
		}
	}

	w.mu.Lock()
	w.cfg = next
	w.mu.Unlock()
	w.debounce.setDelay(next.Advanced.Debounce)
	w.logger.Info().Msg("config reloaded")
	return next
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
			return err
		}
		return nil
	})
}

func (w *Watcher) unwatchTree(root string) {
	key := pathutil.FromSystemPath(root)
	for _, p := range w.fsw.WatchList() {
		if pathutil.HostComparer.Within(key, pathutil.FromSystemPath(p)) {
			_ = w.fsw.Remove(p)
		}
	}
}

// ignored filters editor swap and backup files.
func ignored(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".#") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasPrefix(base, ".ccsync-tmp-")
}
