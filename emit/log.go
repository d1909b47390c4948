package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/noetl/noetl/event"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer, in either human-readable text or JSONL.
//
// Example text output:
//
//	[step.done] execution_id=exec-1 entity=run-1 status=done
//
// Example JSON output (abridged; the full line also carries seq,
// timestamp, source, entity_type, entity_id and payload):
//
//	{"event_id":"e9","execution_id":"exec-1","name":"step.done","status":"done"}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout if
// nil) in jsonMode (JSONL) or text mode.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(ev event.Event) {
	if l.jsonMode {
		l.emitJSON(ev)
	} else {
		l.emitText(ev)
	}
}

func (l *LogEmitter) emitJSON(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(ev event.Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] execution_id=%s entity=%s status=%s",
		ev.Name, ev.ExecutionID, ev.EntityID, ev.Status)
	if ev.Attempt > 0 {
		_, _ = fmt.Fprintf(l.writer, " attempt=%d", ev.Attempt)
	}
	if !ev.Payload.IsNull() {
		payloadJSON, err := json.Marshal(ev.Payload)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " payload=%s", payloadJSON)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event in order, minimizing per-event overhead
// versus calling Emit in a loop from the caller's side.
func (l *LogEmitter) EmitBatch(_ context.Context, events []event.Event) error {
	for _, ev := range events {
		l.Emit(ev)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffering. Provided to satisfy Emitter for polymorphic use alongside
// emitters that do buffer (BufferedEmitter, OTelEmitter).
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
