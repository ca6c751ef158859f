// Package artifacts is the content-addressed archive for signed export
// documents. Stores persist opaque canonical-JSON blobs keyed by their
// SHA-256 digest and hand back a "sha256:<hex>" reference. Archived
// documents are evidence and therefore immutable; there is no delete.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxDocumentSize bounds one archived document. Exports carry bounded
// event and audit samples, so anything past this is a caller bug.
const MaxDocumentSize = 10 * 1024 * 1024

const refPrefix = "sha256:"

// Store is the content-addressed archive contract. Put satisfies the
// integrity service's archiver.
type Store interface {
	// Put persists data and returns its content reference. Storing the
	// same bytes twice returns the same reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a document by its content reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a reference resolves to a stored document.
	Exists(ctx context.Context, ref string) (bool, error)
}

// contentRef hashes data into its archive reference.
func contentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates a reference and returns the raw hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("invalid archive ref: %s", ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("invalid archive ref: %s", ref)
	}
	return digest, nil
}

func checkSize(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("refusing to archive empty document")
	}
	if len(data) > MaxDocumentSize {
		return fmt.Errorf("document size %d exceeds limit %d", len(data), MaxDocumentSize)
	}
	return nil
}

// FileStore archives documents on the local filesystem, one file per
// digest, committed atomically via rename.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the archive directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for a shared archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.baseDir, digest+".json")
}

// Put writes the document under its digest. An existing file with the
// same digest already holds identical bytes, so the write is skipped.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := checkSize(data); err != nil {
		return "", err
	}
	ref := contentRef(data)
	digest := ref[len(refPrefix):]

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable export documents
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit document: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(digest)) //nolint:gosec // digest validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("document not found: %s", ref)
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(s.path(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat document: %w", err)
	}
	return true, nil
}
