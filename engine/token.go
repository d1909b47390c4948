package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/noetl/noetl/value"
)

// Token is created by execution start, arc firing, or loop fan-out, and
// carries everything Admission/the Scheduler need to place a step run.
type Token struct {
	ExecutionID   string
	TargetStep    string
	Args          value.Value
	TraceID       string
	ParentEventID string
}

// ComputeOrderKey hashes parent + edgeIndex (SHA-256, first 8 bytes as
// big-endian uint64) into a Command's scheduling key: parent is a
// step_run_id (or the execution_id for the very first token), edgeIndex
// is the arc's position in its step's next.arcs (or the iteration index
// for a loop fan-out). This keeps the Frontier's dequeue order
// deterministic across replays regardless of goroutine completion
// order.
func ComputeOrderKey(parent string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parent))
	edgeBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(edgeBytes, uint32(edgeIndex))
	h.Write(edgeBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// ComputeActionID derives the idempotency key covering every retry of
// one task attempt:
// hash(execution_id, step_run_id, iteration_id?, task_label, pc_epoch).
// Keying attempts by action_id (which folds in pc_epoch) is what makes a
// jump into a task reset its attempt counter: jumping bumps pc_epoch,
// producing a fresh action_id, hence a fresh attempt count.
func ComputeActionID(executionID, stepRunID, iterationID, taskLabel string, pcEpoch int) string {
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte(stepRunID))
	h.Write([]byte(iterationID))
	h.Write([]byte(taskLabel))
	epochBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(epochBytes, uint32(pcEpoch))
	h.Write(epochBytes)
	sum := h.Sum(nil)
	return "sha256:" + hex.EncodeToString(sum)
}

// ComputeEventID derives a deterministic event_id from parts that
// together uniquely identify one event occurrence (e.g. an action_id,
// an event name, and an attempt number). Unlike newID()'s random
// execution/step_run identifiers, event_ids must be stable across
// redelivery: the same task attempt re-executed after a crash or a Nack
// must produce the same event_id so event.Ingestor's (execution_id,
// event_id) dedup actually catches the replay instead of double-
// recording it.
func ComputeEventID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return "evt:" + hex.EncodeToString(sum)
}
