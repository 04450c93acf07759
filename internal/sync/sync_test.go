package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/copier"
	"github.com/bngarren/ccsync-sub002/internal/rules"
	"github.com/bngarren/ccsync-sub002/internal/testutil"
)

type fixture struct {
	save    string
	source  string
	lockDir string
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	save := testutil.NewSave(t, "1", "2", "3")
	source := testutil.NewSourceTree(t, map[string]string{
		"startup.lua":    "shell.run('main')",
		"lib/util.lua":   "return {}",
		"programs/a.lua": "print('a')",
	})

	cfg := &config.Config{
		SourceRoot:        source,
		MinecraftSavePath: save,
		ComputerGroups: map[string]config.ComputerGroup{
			"all":    {Name: "All", Computers: config.Selectors{"1", "2"}},
			"ghosts": {Name: "Ghosts", Computers: config.Selectors{"7"}},
		},
		Rules: []config.Rule{
			{Source: "startup.lua", Target: "/startup.lua", Computers: config.Selectors{"all"}},
			{Source: "lib/*.lua", Target: "lib/", Computers: config.Selectors{"3"}},
			{Source: "programs/a.lua", Target: "../escape.lua", Computers: config.Selectors{"1"}},
			{Source: "startup.lua", Target: "startup.lua", Computers: config.Selectors{"99"}},
			{Source: "startup.lua", Target: "startup.lua", Computers: config.Selectors{"ghosts"}},
		},
		Advanced: config.Advanced{Concurrency: 2},
	}

	return &fixture{save: save, source: source, lockDir: t.TempDir(), cfg: cfg}
}

func (f *fixture) engine(dryRun bool) *Engine {
	return NewEngine(f.cfg, zerolog.Nop(), dryRun,
		WithLockDir(f.lockDir),
		WithCopier(copier.New(zerolog.Nop())))
}

func readComputerFile(t *testing.T, save, id, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(testutil.ComputerDir(save, id), filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine(false).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, "shell.run('main')", readComputerFile(t, f.save, "1", "startup.lua"))
	assert.Equal(t, "shell.run('main')", readComputerFile(t, f.save, "2", "startup.lua"))
	assert.Equal(t, "return {}", readComputerFile(t, f.save, "3", "lib/util.lua"))

	_, err = os.Stat(filepath.Join(testutil.ComputerDir(f.save, "1"), "..", "escape.lua"))
	assert.True(t, os.IsNotExist(err), "traversal target must not be written")

	require.Len(t, report.Computers, 3)
	assert.Equal(t, "1", report.Computers[0].Computer.ID)
	assert.Equal(t, "2", report.Computers[1].Computer.ID)
	assert.Equal(t, "3", report.Computers[2].Computer.ID)
	assert.Len(t, report.Computers[0].Result.SkippedFiles, 1)
	assert.Contains(t, report.Computers[0].Result.Errors[0], "Security violation")

	assert.Equal(t, 3, report.Copied())
	assert.Equal(t, 1, report.Skipped())
	assert.Equal(t, []string{`Rule 4: computer or group "99" not found`}, report.ResolutionErrors)
	assert.Equal(t, []string{"7"}, report.MissingComputers)
	assert.True(t, report.HasErrors())
	assert.False(t, report.DryRun)
}

func TestRunChangedFiles(t *testing.T) {
	f := newFixture(t)
	changed := rules.NewChangedFiles(filepath.Join(f.source, "lib", "util.lua"))

	report, err := f.engine(false).Run(context.Background(), changed)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ChangedFiles)
	require.Len(t, report.Computers, 1)
	assert.Equal(t, "3", report.Computers[0].Computer.ID)
	assert.Equal(t, "return {}", readComputerFile(t, f.save, "3", "lib/util.lua"))

	_, err = os.Stat(filepath.Join(testutil.ComputerDir(f.save, "1"), "startup.lua"))
	assert.True(t, os.IsNotExist(err), "unchanged files must not be copied")
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine(true).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Empty(t, report.Computers)
	require.Len(t, report.Planned, 3)

	first := report.Planned[0]
	assert.Equal(t, "1", first.Computer.ID)
	require.Len(t, first.Copies, 2)
	assert.Equal(t, filepath.Join(testutil.ComputerDir(f.save, "1"), "startup.lua"), first.Copies[0].Target)
	require.NotNil(t, first.Copies[1].Err)
	assert.Equal(t, copier.KindContainment, first.Copies[1].Err.Kind)
	assert.Equal(t, 1, report.Skipped())

	_, err = os.Stat(filepath.Join(testutil.ComputerDir(f.save, "1"), "startup.lua"))
	assert.True(t, os.IsNotExist(err), "dry run must not write")
}

func TestRunInvalidSave(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(filepath.Join(f.save, "session.lock")))

	report, err := f.engine(false).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidSave)
	assert.ErrorContains(t, err, "session.lock")
	assert.Nil(t, report)
}

func TestRunInProgress(t *testing.T) {
	f := newFixture(t)

	held := flock.New(filepath.Join(f.lockDir, LockName(f.save)))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	t.Cleanup(func() { _ = held.Unlock() })

	_, err = f.engine(false).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	// Dry runs never write and do not need the lock.
	_, err = f.engine(true).Run(context.Background(), nil)
	assert.NoError(t, err)
}

func TestRunReleasesLock(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(false)

	_, err := engine.Run(context.Background(), nil)
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), nil)
	require.NoError(t, err)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine(false).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Computers)
}

func TestRunNoRules(t *testing.T) {
	f := newFixture(t)
	changed := rules.NewChangedFiles(filepath.Join(f.source, "unrelated.txt"))

	report, err := f.engine(false).Run(context.Background(), changed)
	require.NoError(t, err)
	assert.True(t, report.Empty())
	assert.Empty(t, report.ResolutionErrors, "rules without changed files are skipped before selector checks")
}

func TestValidate(t *testing.T) {
	f := newFixture(t)

	result, missing, err := f.engine(false).Validate()
	require.NoError(t, err)
	assert.Len(t, result.ResolvedFileRules, 4)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, []string{"7"}, missing)

	_, err = os.Stat(filepath.Join(testutil.ComputerDir(f.save, "1"), "startup.lua"))
	assert.True(t, os.IsNotExist(err))
}

func TestComputers(t *testing.T) {
	f := newFixture(t)

	computers, err := f.engine(false).Computers()
	require.NoError(t, err)
	require.Len(t, computers, 3)
	assert.Equal(t, "world/computercraft/computer/2", computers[1].ShortPath)
}

func TestLockName(t *testing.T) {
	dir := t.TempDir()
	a := LockName(filepath.Join(dir, "world"))
	assert.Equal(t, a, LockName(filepath.Join(dir, "world", ".")))
	assert.NotEqual(t, a, LockName(filepath.Join(dir, "other")))
	assert.Regexp(t, `^run-[0-9a-f]{16}\.lock$`, a)
}
