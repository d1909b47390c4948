package outcome

import "github.com/noetl/noetl/value"

// ResultRef points at result bytes held in an external artifact store
// rather than inline in the event stream. It is itself a small, bounded
// object; the payload it names may be arbitrarily large.
type ResultRef struct {
	Store       string `json:"store"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type,omitempty"`
	// Preview holds a bounded prefix of the payload (capped by the
	// engine's preview_max_bytes configuration) so events that reference
	// an externalized result still carry enough context to inspect
	// without a round trip to the artifact store.
	Preview string `json:"preview,omitempty"`
}

// Value renders the ref as a tagged reference-kind value.Value so it can
// sit inside outcome.result / ctx / event payloads uniformly with any
// other Value.
func (r ResultRef) Value() value.Value {
	m := map[string]value.Value{
		"store":    value.Str(r.Store),
		"key":      value.Str(r.Key),
		"size":     value.Int(r.Size),
		"checksum": value.Str(r.Checksum),
	}
	if r.ContentType != "" {
		m["content_type"] = value.Str(r.ContentType)
	}
	if r.Preview != "" {
		m["preview"] = value.Str(r.Preview)
	}
	return value.Ref(m)
}

// MergeStrategy names how a Manifest's parts should be recombined by a
// reader that needs the full aggregate value.
type MergeStrategy string

const (
	StrategyAppend  MergeStrategy = "append"
	StrategyReplace MergeStrategy = "replace"
	StrategyMerge   MergeStrategy = "merge"
)

// Manifest aggregates per-iteration or per-page result parts without
// requiring the engine to ever materialize the whole dataset in memory.
type Manifest struct {
	Strategy  MergeStrategy `json:"strategy"`
	MergePath string        `json:"merge_path,omitempty"`
	Parts     []ResultRef   `json:"parts"`
}

// Value renders the manifest as a tagged value.Value, with parts as a
// list of reference-kind values.
func (m Manifest) Value() value.Value {
	parts := make([]value.Value, len(m.Parts))
	for i, p := range m.Parts {
		parts[i] = p.Value()
	}
	out := map[string]value.Value{
		"strategy": value.Str(string(m.Strategy)),
		"parts":    value.List(parts...),
	}
	if m.MergePath != "" {
		out["merge_path"] = value.Str(m.MergePath)
	}
	return value.Map(out)
}

// TotalSize sums the declared size of every part, useful for admission
// decisions and metrics without touching the backing store.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, p := range m.Parts {
		total += p.Size
	}
	return total
}
