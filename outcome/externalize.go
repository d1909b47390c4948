package outcome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/noetl/noetl/value"
)

// Limits bounds inline result size and preview length. Zero values mean
// "use the engine default" at the call site that applies them.
type Limits struct {
	InlineMaxBytes  int
	PreviewMaxBytes int
}

// DefaultLimits mirrors the engine's configuration defaults: 32 KiB
// inline cap, 1 KiB preview cap.
var DefaultLimits = Limits{InlineMaxBytes: 32 * 1024, PreviewMaxBytes: 1024}

// Put is the minimal capability Externalize needs from an artifact store,
// kept narrow here to avoid an import cycle with the artifact package
// (which itself depends on value and outcome for its Store interface).
type Put func(bytes []byte, contentType string) (key string, err error)

// Externalize inspects result's JSON-encoded size against lim and either
// returns an inline Outcome or calls put to persist the payload and
// returns an Outcome carrying a ResultRef. This is the single
// size-discrimination point named by the spec's design notes: the engine
// never materializes a manifest in full, and inline/ref status is decided
// once, at Outcome construction.
func Externalize(store string, result value.Value, lim Limits, meta Meta, put Put) (Outcome, error) {
	if lim.InlineMaxBytes <= 0 {
		lim = DefaultLimits
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Outcome{}, err
	}
	if len(raw) <= lim.InlineMaxBytes {
		return Ok(result, meta), nil
	}

	sum := sha256.Sum256(raw)
	checksum := "sha256:" + hex.EncodeToString(sum[:])

	key, err := put(raw, "application/json")
	if err != nil {
		return Outcome{}, err
	}

	preview := raw
	if len(preview) > lim.PreviewMaxBytes {
		preview = preview[:lim.PreviewMaxBytes]
	}

	ref := ResultRef{
		Store:       store,
		Key:         key,
		Size:        int64(len(raw)),
		Checksum:    checksum,
		ContentType: "application/json",
		Preview:     string(preview),
	}
	return OkRef(ref, meta), nil
}
