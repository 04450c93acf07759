//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the ccsync binary once and runs it against a throwaway
// workspace holding a world save, a source tree and a config file.
type Harness struct {
	t          *testing.T
	binary     string
	workDir    string
	keepOnFail bool
}

// NewHarness creates a new test harness with an isolated workspace
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	workDir, err := os.MkdirTemp("", "ccsync-integration-*")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	h := &Harness{
		t:          t,
		workDir:    workDir,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
	t.Cleanup(h.cleanup)
	return h
}

// Build compiles ./cmd/ccsync into the workspace
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "bin", "ccsync")
	if runtime.GOOS == "windows" {
		h.binary += ".exe"
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/ccsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary built: %s", h.binary)
	return nil
}

// Path returns an absolute path inside the workspace.
func (h *Harness) Path(rel string) string {
	return filepath.Join(h.workDir, filepath.FromSlash(rel))
}

// WriteFile creates a workspace file and its parents.
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	p := h.Path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write %s: %v", rel, err)
	}
}

// ReadFile returns the content of a workspace file.
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(h.Path(rel))
	return string(data), err
}

// Exists reports whether a workspace path exists.
func (h *Harness) Exists(rel string) bool {
	_, err := os.Stat(h.Path(rel))
	return err == nil
}

// Run executes ccsync to completion
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := h.command(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// Process is a ccsync invocation running in the background
type Process struct {
	cmd    *exec.Cmd
	stdout *syncBuffer
	done   chan error
}

// Start launches ccsync without waiting for it.
func (h *Harness) Start(ctx context.Context, args ...string) (*Process, error) {
	h.t.Helper()

	p := &Process{stdout: &syncBuffer{}, done: make(chan error, 1)}
	p.cmd = h.command(ctx, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = &testWriter{t: h.t, prefix: "[ccsync] "}
	if err := p.cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.done <- p.cmd.Wait()
	}()
	return p, nil
}

// Stdout returns what the process has printed so far.
func (p *Process) Stdout() string {
	return p.stdout.String()
}

// Stop interrupts the process and waits for it to exit.
func (p *Process) Stop() error {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case err := <-p.done:
		return err
	case <-time.After(10 * time.Second):
		_ = p.cmd.Process.Kill()
		return fmt.Errorf("process did not exit after interrupt")
	}
}

// WaitFor polls cond until it holds or the timeout expires.
func (h *Harness) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

func (h *Harness) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(),
		"XDG_STATE_HOME="+h.Path("state"),
		"XDG_CONFIG_HOME="+h.Path("xdg-config"),
		"NO_COLOR=1",
	)
	return cmd
}

func (h *Harness) cleanup() {
	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, keeping workspace %s", h.workDir)
		return
	}
	_ = os.RemoveAll(h.workDir)
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
