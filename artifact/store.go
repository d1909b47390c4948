// Package artifact implements the reference-first result store: drivers
// that hold externalized Outcome payloads behind a ResultRef, so the
// engine itself never has to materialize large results in memory.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Metadata describes a stored artifact without its bytes.
type Metadata struct {
	Size        int64
	Checksum    string
	ContentType string
}

// Store is the driver-pluggable artifact contract: put persists bytes
// and returns a key; get retrieves them back; head
// returns metadata only, for admission/size checks that shouldn't pull
// the whole payload into memory.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (key string, err error)
	Get(ctx context.Context, key string) (data []byte, meta Metadata, err error)
	Head(ctx context.Context, key string) (Metadata, error)
}

// checksum computes the sha256:<hex> digest used uniformly across every
// Store implementation and mirrored by outcome.Externalize.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
