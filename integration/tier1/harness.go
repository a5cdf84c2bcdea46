//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/czernalex/dirsyncd/internal/testutil"
)

// Harness builds the dirsyncd binary once and runs it against temp trees.
type Harness struct {
	t       *testing.T
	binPath string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{t: t}
}

// Build compiles the dirsyncd binary into the test's temp directory.
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binPath = filepath.Join(h.t.TempDir(), "dirsyncd")

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binPath, "./cmd/dirsyncd")
	cmd.Dir = projectRoot

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w\n%s", err, out.String())
	}

	h.t.Logf("Built %s", h.binPath)
	return nil
}

// Run executes the binary with the given arguments and returns its combined
// output and exit code.
func (h *Harness) Run(ctx context.Context, args ...string) (string, int, error) {
	h.t.Helper()
	if h.binPath == "" {
		return "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binPath, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", 0, fmt.Errorf("run failed: %w", err)
		}
	}

	return out.String(), exitCode, nil
}

// MustSync runs one sync pass and fails the test on a non-zero exit.
func (h *Harness) MustSync(ctx context.Context, source, replica, logFile string) string {
	h.t.Helper()

	out, exitCode, err := h.Run(ctx,
		"sync",
		"--source", source,
		"--replica", replica,
		"--log-file", logFile,
		"--silent",
	)
	if err != nil {
		h.t.Fatalf("sync failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("sync exited with code %d\noutput: %s", exitCode, out)
	}
	return out
}
