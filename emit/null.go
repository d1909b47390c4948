package emit

import (
	"context"

	"github.com/noetl/noetl/event"
)

// NullEmitter discards every event. It is the default when no
// observability backend is configured, and is useful in tests that don't
// care about emitted events but still need a non-nil Emitter.
type NullEmitter struct{}

func (NullEmitter) Emit(ev event.Event) {}

func (NullEmitter) EmitBatch(ctx context.Context, events []event.Event) error { return nil }

func (NullEmitter) Flush(ctx context.Context) error { return nil }
