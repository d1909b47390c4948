package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore is a filesystem-backed Store: artifacts are written under
// baseDir keyed by their content hash, so identical payloads
// deduplicate for free. The content type is persisted alongside the
// payload as a small sidecar file; size and checksum are derived from the
// payload and its key on Get/Head.
type FSStore struct {
	baseDir string
}

// NewFSStore creates an FSStore rooted at baseDir, creating it if
// necessary.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create base dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (f *FSStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	path := f.payloadPath(key)
	if _, err := os.Stat(path); err == nil {
		return key, nil // already stored, content-addressed
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write payload: %w", err)
	}
	if err := os.WriteFile(f.metaPath(key), []byte(contentType), 0o644); err != nil {
		return "", fmt.Errorf("artifact: write metadata: %w", err)
	}
	return key, nil
}

func (f *FSStore) Get(_ context.Context, key string) ([]byte, Metadata, error) {
	data, err := os.ReadFile(f.payloadPath(key))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("artifact: read payload: %w", err)
	}
	contentType, _ := os.ReadFile(f.metaPath(key))
	return data, Metadata{
		Size:        int64(len(data)),
		Checksum:    "sha256:" + key,
		ContentType: string(contentType),
	}, nil
}

func (f *FSStore) Head(_ context.Context, key string) (Metadata, error) {
	info, err := os.Stat(f.payloadPath(key))
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: stat: %w", err)
	}
	contentType, _ := os.ReadFile(f.metaPath(key))
	return Metadata{
		Size:        info.Size(),
		Checksum:    "sha256:" + key,
		ContentType: string(contentType),
	}, nil
}

func (f *FSStore) payloadPath(key string) string { return filepath.Join(f.baseDir, key+".bin") }
func (f *FSStore) metaPath(key string) string    { return filepath.Join(f.baseDir, key+".meta") }
