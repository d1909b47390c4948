package engine

import "time"

// Option is a functional option applied on top of a base Options via
// BuildOptions:
//
//	opts, err := engine.BuildOptions(engine.DefaultOptions(),
//		engine.WithMaxConcurrentStepRuns(16),
//		engine.WithQueueDepth(2048),
//		engine.WithDefaultTaskTimeout(10*time.Second),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// Options collects the engine's configuration in struct form, for
// callers that prefer constructing it directly over functional options
// (both styles are supported and compose).
type Options struct {
	// MaxStepRuns bounds total step-run commands processed in a single
	// execution, guarding against a misconfigured playbook producing an
	// unbounded token cycle. 0 means no limit.
	MaxStepRuns int

	// MaxConcurrentStepRuns bounds how many step runs the Data Plane
	// worker pool executes at once across the whole engine.
	MaxConcurrentStepRuns int

	// QueueDepth is the Frontier's bounded capacity before Enqueue
	// blocks (backpressure).
	QueueDepth int

	// BackpressureTimeout is the longest Enqueue will block once the
	// Frontier is at capacity before returning the context's deadline error.
	BackpressureTimeout time.Duration

	// DefaultTaskTimeout applies to any task whose spec doesn't declare
	// its own timeout_ms.
	DefaultTaskTimeout time.Duration

	// RunWallClockBudget bounds one execution's total wall-clock time.
	// Zero disables the budget.
	RunWallClockBudget time.Duration

	// InlineMaxBytes/PreviewMaxBytes are the Outcome externalization
	// caps.
	InlineMaxBytes  int
	PreviewMaxBytes int

	Metrics  *PrometheusMetrics
	Resource *ResourceTracker
}

// DefaultOptions returns conservative defaults suitable for a
// single-process deployment.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentStepRuns: 8,
		QueueDepth:            1024,
		BackpressureTimeout:   30 * time.Second,
		DefaultTaskTimeout:    30 * time.Second,
		RunWallClockBudget:    10 * time.Minute,
		InlineMaxBytes:        32 * 1024,
		PreviewMaxBytes:       1024,
	}
}

// WithMaxStepRuns bounds total step-run commands processed per
// execution, to catch a runaway routing cycle (an arc loop with no exit
// condition).
func WithMaxStepRuns(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.MaxStepRuns = n; return nil }
}

// WithMaxConcurrentStepRuns sets the Data Plane worker pool size.
func WithMaxConcurrentStepRuns(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.MaxConcurrentStepRuns = n; return nil }
}

// WithQueueDepth sets the Frontier's bounded capacity.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error { cfg.opts.QueueDepth = n; return nil }
}

// WithBackpressureTimeout sets how long Enqueue may block once the
// Frontier is full before returning the context's deadline error.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error { cfg.opts.BackpressureTimeout = d; return nil }
}

// WithDefaultTaskTimeout sets the fallback timeout for tasks without an
// explicit task.spec.timeout_ms.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error { cfg.opts.DefaultTaskTimeout = d; return nil }
}

// WithRunWallClockBudget bounds one execution's total wall-clock time.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error { cfg.opts.RunWallClockBudget = d; return nil }
}

// WithInlineLimits overrides the Outcome externalization caps.
func WithInlineLimits(inlineMaxBytes, previewMaxBytes int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.InlineMaxBytes = inlineMaxBytes
		cfg.opts.PreviewMaxBytes = previewMaxBytes
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error { cfg.opts.Metrics = m; return nil }
}

// WithResourceTracker enables per-run resource accounting (attempt
// counts, duration, externalized bytes, LLM token cost).
func WithResourceTracker(rt *ResourceTracker) Option {
	return func(cfg *engineConfig) error { cfg.opts.Resource = rt; return nil }
}

// BuildOptions applies functional options on top of base, the way every
// caller that mixes the two styles resolves its final configuration.
func BuildOptions(base Options, options ...Option) (Options, error) {
	cfg := &engineConfig{opts: base}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return Options{}, err
		}
	}
	return cfg.opts, nil
}
