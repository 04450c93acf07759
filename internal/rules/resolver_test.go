package rules

import (
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bngarren/ccsync-sub002/internal/computer"
	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/testutil"
)

func sourceFS(files ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, f := range files {
		fsys[f] = &fstest.MapFile{Data: []byte("-- " + f)}
	}
	return fsys
}

func discovered(ids ...string) []computer.Computer {
	out := make([]computer.Computer, len(ids))
	for i, id := range ids {
		out[i] = computer.Computer{ID: id, Path: filepath.Join("/save/computercraft/computer", id)}
	}
	return out
}

func resolve(t *testing.T, cfg *config.Config, fsys fstest.MapFS, computers []computer.Computer, changed ChangedFiles) ValidationResult {
	t.Helper()
	if cfg.SourceRoot == "" {
		cfg.SourceRoot = t.TempDir()
	}
	return NewResolverFS(cfg, fsys, zerolog.Nop()).Resolve(computers, changed)
}

func TestResolveGlobWithGroup(t *testing.T) {
	cfg := &config.Config{
		ComputerGroups: map[string]config.ComputerGroup{
			"network": {Name: "Network", Computers: config.Selectors{"1", "2", "3"}},
		},
		Rules: []config.Rule{
			{Source: "apis/*.lua", Target: "/apis/", Computers: config.Selectors{"network"}},
		},
	}
	fsys := sourceFS("apis/json.lua", "apis/http.lua", "apis/readme.md", "startup.lua")

	result := resolve(t, cfg, fsys, discovered("1", "2", "3"), nil)

	require.Empty(t, result.Errors)
	require.Len(t, result.ResolvedFileRules, 2)
	for _, r := range result.ResolvedFileRules {
		assert.Equal(t, []string{"1", "2", "3"}, r.Computers)
		assert.Equal(t, Target{Path: "/apis/", IsDirectoryHint: true}, r.Target)
	}
	assert.Equal(t, "apis/http.lua", result.ResolvedFileRules[0].SourceRelativePath)
	assert.Equal(t, "apis/json.lua", result.ResolvedFileRules[1].SourceRelativePath)
	assert.Equal(t, filepath.Join(cfg.SourceRoot, "apis", "http.lua"), result.ResolvedFileRules[0].SourceAbsolutePath)
	assert.Equal(t, []string{"1", "2", "3"}, computer.IDs(result.AvailableComputers))
}

func TestResolveSelectorOrderAndDedup(t *testing.T) {
	cfg := &config.Config{
		ComputerGroups: map[string]config.ComputerGroup{
			"network": {Computers: config.Selectors{"1", "2"}},
			"pair":    {Computers: config.Selectors{"2", "1"}},
		},
		Rules: []config.Rule{
			{Source: "a.lua", Target: "/", Computers: config.Selectors{"network", "3", "1", "pair"}},
			{Source: "a.lua", Target: "/", Computers: config.Selectors{"3", "network"}},
		},
	}

	result := resolve(t, cfg, sourceFS("a.lua"), discovered("1", "2", "3"), nil)

	require.Empty(t, result.Errors)
	require.Len(t, result.ResolvedFileRules, 2)
	assert.Equal(t, []string{"1", "2", "3"}, result.ResolvedFileRules[0].Computers)
	assert.Equal(t, []string{"3", "1", "2"}, result.ResolvedFileRules[1].Computers)
}

func TestResolveUnknownGroup(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: "a.lua", Target: "/", Computers: config.Selectors{"nonexistent_group"}},
			{Source: "b.lua", Target: "/", Computers: config.Selectors{"1"}},
		},
	}

	result := resolve(t, cfg, sourceFS("a.lua", "b.lua"), discovered("1"), nil)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "nonexistent_group")
	assert.Contains(t, result.Errors[0], "Rule 1")
	require.Len(t, result.ResolvedFileRules, 1)
	assert.Equal(t, "b.lua", result.ResolvedFileRules[0].SourceRelativePath)
	assert.Equal(t, 1, result.ResolvedFileRules[0].RuleIndex)
}

func TestResolvePartialSelectorFailureIsRuleFatal(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: "*.lua", Target: "/", Computers: config.Selectors{"1", "ghost", "2"}},
		},
	}

	result := resolve(t, cfg, sourceFS("a.lua", "b.lua"), discovered("1", "2"), nil)

	assert.Empty(t, result.ResolvedFileRules)
	assert.Empty(t, result.AvailableComputers)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `"ghost"`)
}

func TestResolveSeveralUnknownSelectorsOneError(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: "a.lua", Target: "/", Computers: config.Selectors{"ghost1", "1", "ghost2"}},
		},
	}

	result := resolve(t, cfg, sourceFS("a.lua"), discovered("1"), nil)

	assert.Empty(t, result.ResolvedFileRules)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, `Rule 1: computers or groups "ghost1", "ghost2" not found`, result.Errors[0])
}

func TestResolveRuleWithoutComputers(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: "a.lua", Target: "/"},
			{Source: "b.lua", Target: "/", Computers: config.Selectors{"1"}},
		},
	}

	result := resolve(t, cfg, sourceFS("a.lua", "b.lua"), discovered("1"), nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "Rule 1: no computers specified", result.Errors[0])
	require.Len(t, result.ResolvedFileRules, 1)
	assert.Equal(t, "b.lua", result.ResolvedFileRules[0].SourceRelativePath)
}

func TestResolveSourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		errMsg string
	}{
		{name: "glob without matches", source: "missing/*.lua", errMsg: "no matching files"},
		{name: "missing literal", source: "nope.lua", errMsg: "source file not found"},
		{name: "directory literal", source: "apis", errMsg: "is a directory"},
		{name: "escapes source root", source: "../secret.lua", errMsg: "outside sourceRoot"},
		{name: "drive letter", source: `C:\secret.lua`, errMsg: "outside sourceRoot"},
		{name: "bad pattern", source: "apis/[.lua", errMsg: "invalid source pattern"},
		{name: "empty after normalization", source: "./", errMsg: "does not name a file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Rules: []config.Rule{
					{Source: tt.source, Target: "/", Computers: config.Selectors{"1"}},
					{Source: "apis/http.lua", Target: "/", Computers: config.Selectors{"1"}},
				},
			}
			result := resolve(t, cfg, sourceFS("apis/http.lua"), discovered("1"), nil)

			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.errMsg)
			require.Len(t, result.ResolvedFileRules, 1, "sibling rule still resolves")
		})
	}
}

func TestResolveLiteralSourceForms(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: `lib\util.lua`, Target: "/lib/", Computers: config.Selectors{"1"}},
			{Source: "/startup.lua", Target: "main.lua", Computers: config.Selectors{"1"}},
			{Source: "./lib/../startup.lua", Target: "/", Computers: config.Selectors{"1"}},
		},
	}

	result := resolve(t, cfg, sourceFS("lib/util.lua", "startup.lua"), discovered("1"), nil)

	require.Empty(t, result.Errors)
	require.Len(t, result.ResolvedFileRules, 3)
	assert.Equal(t, "lib/util.lua", result.ResolvedFileRules[0].SourceRelativePath)
	assert.Equal(t, "startup.lua", result.ResolvedFileRules[1].SourceRelativePath)
	assert.False(t, result.ResolvedFileRules[1].Target.IsDirectoryHint)
	assert.Equal(t, "startup.lua", result.ResolvedFileRules[2].SourceRelativePath)
}

func TestResolveDoublestar(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: "programs/**/*.lua", Target: "/programs/", Computers: config.Selectors{"1"}},
		},
	}
	fsys := sourceFS("programs/a.lua", "programs/mining/dig.lua", "programs/mining/deep/b.lua", "programs/notes.txt")

	result := resolve(t, cfg, fsys, discovered("1"), nil)

	require.Empty(t, result.Errors)
	var rels []string
	for _, r := range result.ResolvedFileRules {
		rels = append(rels, r.SourceRelativePath)
	}
	assert.Equal(t, []string{"programs/a.lua", "programs/mining/deep/b.lua", "programs/mining/dig.lua"}, rels)
}

func TestResolveChangedFiles(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		SourceRoot: root,
		Rules: []config.Rule{
			{Source: "lib/*.lua", Target: "/lib/", Computers: config.Selectors{"1"}},
			{Source: "startup.lua", Target: "/", Computers: config.Selectors{"ghost"}},
			{Source: "missing.lua", Target: "/", Computers: config.Selectors{"1"}},
		},
	}
	fsys := sourceFS("lib/a.lua", "lib/b.lua", "startup.lua")
	changed := NewChangedFiles(filepath.Join(root, "lib", "b.lua"))

	result := resolve(t, cfg, fsys, discovered("1"), changed)

	require.Len(t, result.ResolvedFileRules, 1)
	assert.Equal(t, "lib/b.lua", result.ResolvedFileRules[0].SourceRelativePath)
	// the unchanged rule with a bad selector is omitted silently; a missing
	// source is still reported
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "missing.lua")
}

func TestResolveAvailableComputers(t *testing.T) {
	cfg := &config.Config{
		ComputerGroups: map[string]config.ComputerGroup{
			"far": {Computers: config.Selectors{"9", "3"}},
		},
		Rules: []config.Rule{
			{Source: "a.lua", Target: "/", Computers: config.Selectors{"far"}},
			{Source: "a.lua", Target: "/", Computers: config.Selectors{"1"}},
		},
	}

	result := resolve(t, cfg, sourceFS("a.lua"), discovered("1", "2", "3", "4"), nil)

	require.Empty(t, result.Errors)
	assert.Equal(t, []string{"1", "3"}, computer.IDs(result.AvailableComputers))
	assert.Equal(t, []string{"9", "3", "1"}, result.ReferencedComputers())
	assert.Len(t, result.ForComputer("3"), 1)
	assert.Len(t, result.ForComputer("1"), 1)
	assert.Empty(t, result.ForComputer("2"))
}

func TestResolveDeterministicOrder(t *testing.T) {
	cfg := &config.Config{
		Rules: []config.Rule{
			{Source: "z/*.lua", Target: "/", Computers: config.Selectors{"1"}},
			{Source: "a/*.lua", Target: "/", Computers: config.Selectors{"1"}},
		},
	}
	fsys := sourceFS("z/2.lua", "z/1.lua", "a/b.lua", "a/a.lua")

	first := resolve(t, cfg, fsys, discovered("1"), nil)
	second := resolve(t, cfg, fsys, discovered("1"), nil)

	var rels []string
	for _, r := range first.ResolvedFileRules {
		rels = append(rels, r.SourceRelativePath)
	}
	assert.Equal(t, []string{"z/1.lua", "z/2.lua", "a/a.lua", "a/b.lua"}, rels)
	assert.Equal(t, first, second)
}

func TestParseSelectors(t *testing.T) {
	groups := map[string]config.ComputerGroup{"1": {Computers: config.Selectors{"5"}}}
	known := map[string]bool{"1": true, "2": true}

	selectors, unknown := ParseSelectors(config.Selectors{"1", " 2 ", "x"}, groups, known)

	assert.Equal(t, []Selector{{Kind: GroupRef, Value: "1"}, {Kind: DeviceID, Value: "2"}}, selectors)
	assert.Equal(t, []string{"x"}, unknown)
	assert.Equal(t, []string{"5", "2"}, Expand(selectors, groups))
	assert.Equal(t, "group", GroupRef.String())
	assert.Equal(t, "computer", DeviceID.String())
}

func TestResolveFromDisk(t *testing.T) {
	root := testutil.NewSourceTree(t, map[string]string{
		"apis/http.lua": "http",
		"apis/json.lua": "json",
	})
	cfg := &config.Config{
		SourceRoot: root,
		Rules: []config.Rule{
			{Source: "apis/*.lua", Target: "/apis/", Computers: config.Selectors{"1"}},
		},
	}

	result := Resolve(cfg, discovered("1"), nil)

	require.Empty(t, result.Errors)
	require.Len(t, result.ResolvedFileRules, 2)
	assert.Equal(t, filepath.Join(root, "apis", "json.lua"), result.ResolvedFileRules[1].SourceAbsolutePath)
}

func TestChangedFilesPaths(t *testing.T) {
	root := t.TempDir()
	b := filepath.Join(root, "lib", "b.lua")
	a := filepath.Join(root, "a.lua")

	changed := NewChangedFiles(b, a, filepath.Join(root, "lib", ".", "b.lua"))

	assert.Equal(t, []string{changedKey(a), changedKey(b)}, changed.Paths())
	assert.Empty(t, ChangedFiles(nil).Paths())
}
