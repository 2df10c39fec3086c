package filetracker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotStore is a content-addressed snapshot store: filename =
// SHA-256(contents). Multiple PatchSets can reference the same digest;
// nothing is deleted here (GC of unreferenced snapshots is a maintenance
// operation, not exercised on the hot path).
type snapshotStore struct {
	dir string
}

func newSnapshotStore(sessionDir string) *snapshotStore {
	return &snapshotStore{dir: sessionDir}
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *snapshotStore) path(digest string) string {
	return filepath.Join(s.dir, digest+".snap")
}

// Save writes data under its content digest and returns (digest, path).
// A no-op if a snapshot with that digest already exists.
func (s *snapshotStore) Save(data []byte) (digest string, path string, err error) {
	digest = hashContent(data)
	path = s.path(digest)
	if _, statErr := os.Stat(path); statErr == nil {
		return digest, path, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write snapshot: %w", err)
	}
	return digest, path, nil
}

// Load reads back a previously saved snapshot by digest.
func (s *snapshotStore) Load(digest string) ([]byte, error) {
	return os.ReadFile(s.path(digest))
}

// Exists reports whether a snapshot for digest is present on disk.
func (s *snapshotStore) Exists(digest string) bool {
	_, err := os.Stat(s.path(digest))
	return err == nil
}
