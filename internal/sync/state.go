package sync

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/czernalex/dirsyncd/internal/fingerprint"
)

// Kind distinguishes the two entry types tracked in a replica snapshot.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Entry is one path previously observed in the replica tree. Digest is set
// only for files. Checked flips to true when a pass matches the entry to a
// live source path; entries still unchecked after the source walk are
// deletion candidates.
type Entry struct {
	Kind    Kind
	Checked bool
	Digest  string
}

// State maps leading-slash, slash-separated relative paths to replica
// entries. It is built fresh for every pass and discarded afterwards; the
// reconciler owns it exclusively while the pass runs.
type State map[string]*Entry

// relKey computes the snapshot key for path under root: the relative path
// with a leading slash, using slash separators on every platform. Snapshot
// and reconciliation correlate entries purely by equality of this key, so
// both sides must build it identically.
func relKey(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path for %s: %w", path, err)
	}
	return "/" + filepath.ToSlash(rel), nil
}

// entryKind classifies a walked entry, dereferencing symlinks transparently.
// It returns KindFile for regular files (or links resolving to one), KindDir
// for directories (or links resolving to one), and false for anything else,
// including dangling links and special files.
func entryKind(path string, d fs.DirEntry) (Kind, bool, error) {
	t := d.Type()
	if t&fs.ModeSymlink != 0 {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Dangling link; nothing to mirror.
				return "", false, nil
			}
			return "", false, err
		}
		t = info.Mode()
	}
	switch {
	case t.IsRegular():
		return KindFile, true, nil
	case t.IsDir():
		return KindDir, true, nil
	default:
		return "", false, nil
	}
}

// Snapshot captures the current state of the replica tree. Files are
// fingerprinted so the reconciler can compare content without touching the
// replica again. A missing replica root is created on the spot and reported,
// yielding an empty state.
func Snapshot(replicaPath string, fp *fingerprint.Fingerprinter, logger zerolog.Logger) (State, error) {
	state := make(State)

	info, err := os.Stat(replicaPath)
	if err != nil || !info.IsDir() {
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat replica directory: %w", err)
		}
		if err := os.MkdirAll(replicaPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
		logger.Info().Str("path", replicaPath).Msg("replica created")
		return state, nil
	}

	err = filepath.WalkDir(replicaPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == replicaPath {
			return nil
		}

		kind, ok, err := entryKind(path, d)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		key, err := relKey(replicaPath, path)
		if err != nil {
			return err
		}

		entry := &Entry{Kind: kind}
		if kind == KindFile {
			digest, err := fp.File(path)
			if err != nil {
				return err
			}
			entry.Digest = digest
		}
		state[key] = entry

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot replica directory: %w", err)
	}

	return state, nil
}
