package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czernalex/dirsyncd/internal/config"
)

func newTestEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	replica := filepath.Join(tmp, "replica")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(replica, 0o755))

	cfg := &config.Config{
		Paths: config.PathsConfig{
			Source:  src,
			Replica: replica,
		},
	}
	cfg.ApplyDefaults()

	return NewEngine(cfg, testFingerprinter(t), zerolog.Nop()), src, replica
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// readTree returns every relative path under root; files map to their
// content, directories to the marker "<dir>".
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == root {
			return err
		}
		key, err := relKey(root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			tree[key] = "<dir>"
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[key] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func runPass(t *testing.T, e *Engine) Stats {
	t.Helper()
	stats, err := e.RunPass(context.Background())
	require.NoError(t, err)
	return stats
}

func TestReconcileExampleScenario(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "a.txt", "hi")
	writeFile(t, src, "sub/b.txt", "x")

	// First pass: everything is created.
	stats := runPass(t, e)
	assert.Equal(t, Stats{FilesCreated: 2, DirsCreated: 1}, stats)
	assert.Equal(t, map[string]string{
		"/a.txt":     "hi",
		"/sub":       "<dir>",
		"/sub/b.txt": "x",
	}, readTree(t, replica))

	// Second pass with no source change: all counters zero.
	stats = runPass(t, e)
	assert.Equal(t, Stats{}, stats)

	// Remove one file, rewrite another.
	require.NoError(t, os.Remove(filepath.Join(src, "sub", "b.txt")))
	writeFile(t, src, "a.txt", "hey")

	stats = runPass(t, e)
	assert.Equal(t, Stats{FilesUpdated: 1, FilesRemoved: 1}, stats)
	// /sub stays: it is still reachable from the source as an empty dir.
	assert.Equal(t, map[string]string{
		"/a.txt": "hey",
		"/sub":   "<dir>",
	}, readTree(t, replica))
}

func TestReconcileConvergence(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "keep.txt", "keep")
	writeFile(t, src, "nested/deep/file.bin", "\x00\x01\x02")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0o755))

	// Prior replica content that partially overlaps and partially diverges.
	writeFile(t, replica, "keep.txt", "stale")
	writeFile(t, replica, "gone.txt", "gone")
	writeFile(t, replica, "old/dir/file.txt", "old")

	runPass(t, e)

	assert.Equal(t, readTree(t, src), readTree(t, replica))

	// A converged pass is idempotent.
	stats := runPass(t, e)
	assert.Equal(t, Stats{}, stats)
}

func TestReconcileSingleByteChange(t *testing.T) {
	e, src, _ := newTestEngine(t)

	writeFile(t, src, "a.txt", "aaaa")
	writeFile(t, src, "b.txt", "bbbb")
	runPass(t, e)

	writeFile(t, src, "b.txt", "bbbc")

	stats := runPass(t, e)
	assert.Equal(t, Stats{FilesUpdated: 1}, stats)
}

func TestReconcileRewriteIdenticalContent(t *testing.T) {
	e, src, _ := newTestEngine(t)

	writeFile(t, src, "a.txt", "same")
	runPass(t, e)

	// Rewrite with identical bytes but a fresh mtime. The fingerprint is
	// the sole change signal, so this must not count as an update.
	writeFile(t, src, "a.txt", "same")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), future, future))

	stats := runPass(t, e)
	assert.Equal(t, Stats{}, stats)
}

func TestReconcileDeletionCompleteness(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "a.txt", "a")
	writeFile(t, src, "sub/b.txt", "b")
	writeFile(t, src, "sub/c.txt", "c")
	runPass(t, e)

	// Remove the whole subdirectory from the source.
	require.NoError(t, os.RemoveAll(filepath.Join(src, "sub")))

	stats := runPass(t, e)
	assert.Equal(t, 1, stats.DirsRemoved)
	assert.Equal(t, 2, stats.FilesRemoved)
	assert.Equal(t, 0, stats.FilesUpdated)
	assert.Equal(t, 0, stats.FilesCreated)

	assert.Equal(t, map[string]string{"/a.txt": "a"}, readTree(t, replica))
}

func TestReconcileEmptySource(t *testing.T) {
	e, _, replica := newTestEngine(t)

	writeFile(t, replica, "a.txt", "a")
	writeFile(t, replica, "sub/b.txt", "b")

	stats := runPass(t, e)
	assert.Equal(t, 2, stats.FilesRemoved)
	assert.Equal(t, 1, stats.DirsRemoved)
	assert.Empty(t, readTree(t, replica))
}

func TestReconcileSourceMissing(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, replica, "leftover.txt", "x")
	require.NoError(t, os.RemoveAll(src))

	stats := runPass(t, e)
	assert.Equal(t, 1, stats.FilesRemoved)

	// The source dir self-heals and the replica drains.
	info, err := os.Stat(src)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Empty(t, readTree(t, replica))
}

func TestReconcileNestedCreationOrder(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "a/b/c/file.txt", "deep")

	stats := runPass(t, e)
	assert.Equal(t, Stats{FilesCreated: 1, DirsCreated: 3}, stats)
	assert.Equal(t, "deep", readTree(t, replica)["/a/b/c/file.txt"])
}

func TestReconcileCreateInKnownDir(t *testing.T) {
	e, src, _ := newTestEngine(t)

	writeFile(t, src, "sub/a.txt", "a")
	runPass(t, e)

	// A new file inside an already-mirrored directory creates no dirs.
	writeFile(t, src, "sub/b.txt", "b")

	stats := runPass(t, e)
	assert.Equal(t, Stats{FilesCreated: 1}, stats)
}

func TestReconcileKindFlip(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "thing", "file-then-dir")
	writeFile(t, src, "other/inner.txt", "dir-then-file")
	writeFile(t, src, "bare", "file-then-empty-dir")
	runPass(t, e)

	// Flip all three kinds in the source.
	require.NoError(t, os.Remove(filepath.Join(src, "thing")))
	writeFile(t, src, "thing/child.txt", "now a dir")
	require.NoError(t, os.RemoveAll(filepath.Join(src, "other")))
	writeFile(t, src, "other", "now a file")
	require.NoError(t, os.Remove(filepath.Join(src, "bare")))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bare"), 0o755))

	runPass(t, e)
	assert.Equal(t, readTree(t, src), readTree(t, replica))
}

func TestReconcilePreservesModeAndTime(t *testing.T) {
	e, src, replica := newTestEngine(t)

	path := filepath.Join(src, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	mtime := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	runPass(t, e)

	info, err := os.Stat(filepath.Join(replica, "script.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestReconcileDereferencesSymlink(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "target.txt", "hi")
	require.NoError(t, os.Symlink(filepath.Join(src, "target.txt"), filepath.Join(src, "link.txt")))

	runPass(t, e)

	// The link is mirrored as a regular file with the target's content.
	info, err := os.Lstat(filepath.Join(replica, "link.txt"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	assert.Equal(t, "hi", readTree(t, replica)["/link.txt"])
}

func TestRunPassAfterShutdown(t *testing.T) {
	e, src, _ := newTestEngine(t)
	writeFile(t, src, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.RunPass(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReconcileStateConsumed(t *testing.T) {
	e, src, replica := newTestEngine(t)

	writeFile(t, src, "a.txt", "a")
	writeFile(t, src, "sub/b.txt", "b")
	writeFile(t, replica, "a.txt", "stale")
	writeFile(t, replica, "sub/b.txt", "b")

	state, err := Snapshot(e.cfg.Paths.Replica, e.fp, zerolog.Nop())
	require.NoError(t, err)

	_, err = e.Reconcile(state)
	require.NoError(t, err)

	// After a normal pass every surviving entry is checked.
	for key, entry := range state {
		assert.True(t, entry.Checked, "entry %s left unchecked", key)
	}
}
