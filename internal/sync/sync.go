// Package sync implements one-way reconciliation of a source directory tree
// into a replica directory tree. Change detection is purely content-based:
// a file is copied only when its fingerprint differs from the one captured
// in the replica snapshot, never because of timestamps or size.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/czernalex/dirsyncd/internal/config"
	"github.com/czernalex/dirsyncd/internal/fingerprint"
)

// Stats counts the operations applied during one reconciliation pass.
type Stats struct {
	FilesUpdated int `json:"files_updated"`
	FilesCreated int `json:"files_created"`
	FilesRemoved int `json:"files_removed"`
	DirsCreated  int `json:"dirs_created"`
	DirsRemoved  int `json:"dirs_removed"`
}

// Engine reconciles the replica tree against the source tree
type Engine struct {
	cfg    *config.Config
	fp     *fingerprint.Fingerprinter
	logger zerolog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, fp *fingerprint.Fingerprinter, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		fp:     fp,
		logger: logger,
	}
}

// RunPass snapshots the replica and reconciles it against the source. The
// context is consulted only before the pass starts; once running, a pass
// always executes to completion.
func (e *Engine) RunPass(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	state, err := Snapshot(e.cfg.Paths.Replica, e.fp, e.logger)
	if err != nil {
		return Stats{}, err
	}

	return e.Reconcile(state)
}

// Reconcile converges the replica tree to the source tree in two phases:
// first a full walk of the source creates and updates replica entries,
// marking every matched snapshot entry as checked; then every entry left
// unchecked is removed from the replica. The state map is consumed by the
// pass and must not be reused.
func (e *Engine) Reconcile(state State) (Stats, error) {
	var stats Stats

	src := e.cfg.Paths.Source
	replica := e.cfg.Paths.Replica

	info, err := os.Stat(src)
	switch {
	case err != nil && !os.IsNotExist(err):
		return stats, fmt.Errorf("failed to stat source directory: %w", err)

	case err != nil || !info.IsDir():
		// A vanished source is not fatal: recreate it empty and let the
		// deletion sweep drain the replica. The loop keeps trying forever.
		e.logger.Warn().Str("path", src).Msg("source missing")
		if err := os.MkdirAll(src, 0o755); err != nil {
			return stats, fmt.Errorf("failed to create source directory: %w", err)
		}
		e.logger.Info().Str("path", src).Msg("source created")

	default:
		entries, err := os.ReadDir(src)
		if err != nil {
			return stats, fmt.Errorf("failed to read source directory: %w", err)
		}
		if len(entries) == 0 {
			e.logger.Warn().Str("path", src).Msg("source empty")
		} else if err := e.walkSource(src, replica, state, &stats); err != nil {
			return stats, fmt.Errorf("failed to walk source directory: %w", err)
		}
	}

	if err := e.sweep(replica, state, &stats); err != nil {
		return stats, err
	}

	return stats, nil
}

// walkSource performs the source-driven convergence phase.
func (e *Engine) walkSource(src, replica string, state State, stats *Stats) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}

		kind, ok, err := entryKind(path, d)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		key, err := relKey(src, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(replica, filepath.FromSlash(key))

		entry, known := state[key]
		if known {
			if kind == KindDir && entry.Kind == KindFile {
				// The path flipped from file to directory; replace the
				// replica file even when the new directory has no children.
				if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
					return err
				}
				if err := os.MkdirAll(dst, 0o755); err != nil {
					return err
				}
				stats.DirsCreated++
				e.logger.Info().Str("path", key).Msg("dir created")
			}
			if kind == KindFile {
				digest, err := e.fp.File(path)
				if err != nil {
					return err
				}
				// A directory entry has an empty digest, so a path that
				// flipped from dir to file always compares as changed.
				if digest != entry.Digest {
					if err := e.copyFile(path, dst); err != nil {
						return err
					}
					stats.FilesUpdated++
					e.logger.Info().Str("path", key).Msg("file updated")
				}
			}
			entry.Checked = true
			return nil
		}

		switch kind {
		case KindDir:
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			stats.DirsCreated++
			e.logger.Info().Str("path", key).Msg("dir created")

		case KindFile:
			if err := e.ensureParent(replica, dst, stats); err != nil {
				return err
			}
			if err := e.copyFile(path, dst); err != nil {
				return err
			}
			stats.FilesCreated++
			e.logger.Info().Str("path", key).Msg("file created")
		}

		return nil
	})
}

// ensureParent makes sure the directory holding dst exists in the replica.
// The walk visits a directory before its contents, so this is a safety net
// for replicas mutated externally mid-pass, not the primary mechanism for
// directory creation. Newly made intermediate directories still count.
func (e *Engine) ensureParent(replica, dst string, stats *Stats) error {
	parent := filepath.Dir(dst)

	info, err := os.Stat(parent)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		// A file occupies the parent path; replace it with a directory.
		if err := os.Remove(parent); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	missing := 0
	for p := parent; p != replica && p != filepath.Dir(p); p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return err
		}
		missing++
	}

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	stats.DirsCreated += missing

	if missing > 0 {
		if key, err := relKey(replica, parent); err == nil {
			e.logger.Info().Str("path", key).Msg("dir created")
		}
	}

	return nil
}

// sweep performs the replica-driven deletion phase: every snapshot entry
// never matched to a live source path is removed from the replica.
func (e *Engine) sweep(replica string, state State, stats *Stats) error {
	for key, entry := range state {
		if entry.Checked {
			continue
		}
		dst := filepath.Join(replica, filepath.FromSlash(key))

		switch entry.Kind {
		case KindFile:
			// Already-gone targets were removed with their parent earlier
			// in this sweep; that still counts as a removal. ENOTDIR means
			// a parent component is no longer a directory, so the target
			// cannot exist either.
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) && !errors.Is(err, syscall.ENOTDIR) {
				return fmt.Errorf("failed to remove file %s: %w", dst, err)
			}
			stats.FilesRemoved++
			e.logger.Info().Str("path", key).Msg("file removed")

		case KindDir:
			// Best effort: entries below may already be gone.
			_ = os.RemoveAll(dst)
			stats.DirsRemoved++
			e.logger.Info().Str("path", key).Msg("dir removed")
		}
	}
	return nil
}

// copyFile copies src over dst with an atomic temp+rename, preserving the
// source file's permissions and modification time.
func (e *Engine) copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".dirsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	// A directory may occupy the destination when a path flipped from dir
	// to file between passes; rename cannot replace it.
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return err
	}

	return os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime())
}
