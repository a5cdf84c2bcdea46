// Package fingerprint computes content digests used by the sync engine to
// detect file changes. The digest algorithm is fixed per configuration; all
// algorithms read the file incrementally so memory use is independent of
// file size.
package fingerprint

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/fnv"
	"io"
	"os"
)

// Algorithm identifies a supported digest algorithm.
type Algorithm string

const (
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	FNV1a64 Algorithm = "fnv1a64"
)

// Algorithms lists the supported algorithm names in configuration order.
var Algorithms = []Algorithm{SHA1, SHA256, FNV1a64}

// Fingerprinter computes hex-encoded content digests with a fixed algorithm.
type Fingerprinter struct {
	algo Algorithm
	new  func() hash.Hash
}

// New creates a Fingerprinter for the given algorithm.
func New(algo Algorithm) (*Fingerprinter, error) {
	switch algo {
	case SHA1:
		return &Fingerprinter{algo: algo, new: sha1.New}, nil
	case SHA256:
		return &Fingerprinter{algo: algo, new: sha256.New}, nil
	case FNV1a64:
		return &Fingerprinter{algo: algo, new: func() hash.Hash { return fnv.New64a() }}, nil
	default:
		return nil, fmt.Errorf("unsupported fingerprint algorithm: %s", algo)
	}
}

// Algorithm returns the configured algorithm name.
func (f *Fingerprinter) Algorithm() Algorithm {
	return f.algo
}

// File computes the digest of the file's full byte stream.
func (f *Fingerprinter) File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for fingerprinting: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	h := f.new()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to read %s for fingerprinting: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
