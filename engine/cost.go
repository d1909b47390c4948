// Resource Tracker: per-execution accounting of task attempts, task
// duration, externalized payload bytes, and (for the optional "llm" task
// kind) token cost. Covers the per-execution resource budget
// (RunWallClockBudget enforcement, attempt/byte accounting) plus a
// static pricing table for attributing LLM token spend per model.
package engine

import (
	"fmt"
	"sync"
	"time"
)

// ModelPricing is USD cost per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing lets tool/llm call sites attribute cost without
// each provider adapter needing its own pricing data.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-2.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// TaskRecord is one completed task attempt's resource footprint.
type TaskRecord struct {
	ActionID          string
	TaskLabel         string
	Attempt           int
	Duration          time.Duration
	ExternalizedBytes int64
	Timestamp         time.Time
}

// LLMUsage is one "llm" task invocation's token usage and attributed
// cost.
type LLMUsage struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// ResourceTracker accumulates one execution's resource spend: task
// attempts/durations/externalized bytes for wall-clock-budget
// enforcement, plus optional LLM token cost attribution. Thread-safe.
type ResourceTracker struct {
	ExecutionID string
	StartedAt   time.Time

	mu      sync.RWMutex
	enabled bool

	pricing map[string]ModelPricing

	tasks                  []TaskRecord
	totalDuration          time.Duration
	totalExternalizedBytes int64

	llmCalls     []LLMUsage
	totalCostUSD float64
	modelCosts   map[string]float64
}

// NewResourceTracker returns a tracker for executionID using the
// default pricing table, enabled from construction.
func NewResourceTracker(executionID string) *ResourceTracker {
	return &ResourceTracker{
		ExecutionID: executionID,
		StartedAt:   time.Now(),
		enabled:     true,
		pricing:     defaultModelPricing,
		modelCosts:  make(map[string]float64),
	}
}

// RecordTask records one completed task attempt's duration and any
// bytes it externalized via outcome.Externalize.
func (rt *ResourceTracker) RecordTask(actionID, taskLabel string, attempt int, duration time.Duration, externalizedBytes int64) {
	if !rt.enabled {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.tasks = append(rt.tasks, TaskRecord{
		ActionID: actionID, TaskLabel: taskLabel, Attempt: attempt,
		Duration: duration, ExternalizedBytes: externalizedBytes, Timestamp: time.Now(),
	})
	rt.totalDuration += duration
	rt.totalExternalizedBytes += externalizedBytes
}

// RecordLLMCall records one "llm" task invocation's token usage,
// returning the cost attributed to it. Unknown models are recorded at
// zero cost rather than rejected.
func (rt *ResourceTracker) RecordLLMCall(provider, model string, inputTokens, outputTokens int) float64 {
	if !rt.enabled {
		return 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	pricing, ok := rt.pricing[model]
	if !ok {
		pricing = ModelPricing{}
	}
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M + (float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	rt.llmCalls = append(rt.llmCalls, LLMUsage{
		Provider: provider, Model: model, InputTokens: inputTokens, OutputTokens: outputTokens,
		CostUSD: cost, Timestamp: time.Now(),
	})
	rt.totalCostUSD += cost
	rt.modelCosts[model] += cost
	return cost
}

// Snapshot is a point-in-time, lock-free copy of a ResourceTracker's
// accumulated totals, safe to hand to API handlers or metrics exporters.
type Snapshot struct {
	TaskCount              int
	TotalDuration          time.Duration
	TotalExternalizedBytes int64
	TotalCostUSD           float64
	ModelCosts             map[string]float64
}

// Snapshot returns the tracker's current totals.
func (rt *ResourceTracker) Snapshot() Snapshot {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	costs := make(map[string]float64, len(rt.modelCosts))
	for k, v := range rt.modelCosts {
		costs[k] = v
	}
	return Snapshot{
		TaskCount:              len(rt.tasks),
		TotalDuration:          rt.totalDuration,
		TotalExternalizedBytes: rt.totalExternalizedBytes,
		TotalCostUSD:           rt.totalCostUSD,
		ModelCosts:             costs,
	}
}

// WallClockExceeded reports whether time.Since(StartedAt) has passed
// budget. A zero or negative budget means no wall-clock limit applies.
func (rt *ResourceTracker) WallClockExceeded(budget time.Duration) bool {
	if budget <= 0 {
		return false
	}
	return time.Since(rt.StartedAt) > budget
}

// Disable turns off recording (new calls are no-ops) without discarding
// what has already been recorded.
func (rt *ResourceTracker) Disable() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.enabled = false
}

// Enable re-enables recording after Disable.
func (rt *ResourceTracker) Enable() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.enabled = true
}

func (rt *ResourceTracker) String() string {
	s := rt.Snapshot()
	return fmt.Sprintf("ResourceTracker{execution_id=%s tasks=%d duration=%s externalized_bytes=%d cost_usd=%.4f}",
		rt.ExecutionID, s.TaskCount, s.TotalDuration, s.TotalExternalizedBytes, s.TotalCostUSD)
}
