// Command noetl-server wires configuration, the durable Event Log, the
// Command Bus, the Tool Driver Registry, the Orchestrator Root, and the
// HTTP API together, then serves until an interrupt signal arrives:
// a flat func main doing constructor calls in dependency order, no
// dependency-injection framework, graceful shutdown via os/signal +
// context.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noetl/noetl/api"
	"github.com/noetl/noetl/artifact"
	"github.com/noetl/noetl/bus"
	"github.com/noetl/noetl/config"
	"github.com/noetl/noetl/emit"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/model/anthropic"
	"github.com/noetl/noetl/model/google"
	"github.com/noetl/noetl/model/openai"
	"github.com/noetl/noetl/orchestrator"
	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/store"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	httptool "github.com/noetl/noetl/tool/http"
	"github.com/noetl/noetl/tool/llm"
	"github.com/noetl/noetl/tool/pyexec"
	toolsql "github.com/noetl/noetl/tool/sql"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server config YAML file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("noetl-server: load config: %v", err)
	}

	eventLog, closeLog, err := buildEventLog(cfg)
	if err != nil {
		log.Fatalf("noetl-server: event log: %v", err)
	}
	defer closeLog()

	commandBus, closeBus, err := buildBus(cfg)
	if err != nil {
		log.Fatalf("noetl-server: command bus: %v", err)
	}
	defer closeBus()

	artifacts, err := buildArtifactStore(cfg)
	if err != nil {
		log.Fatalf("noetl-server: artifact store: %v", err)
	}

	emitter := emit.Multi{emit.NewLogEmitter(os.Stderr, true), emit.NewBufferedEmitter()}

	var tracerProvider *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		tracerProvider = sdktrace.NewTracerProvider()
		emitter = append(emitter, emit.NewOTelEmitter(tracerProvider.Tracer("noetl")))
	}

	optFns := []engine.Option{
		engine.WithMaxConcurrentStepRuns(cfg.Engine.MaxConcurrentStepRuns),
		engine.WithQueueDepth(cfg.Engine.QueueDepth),
	}
	if cfg.Engine.DefaultTaskTimeout > 0 {
		optFns = append(optFns, engine.WithDefaultTaskTimeout(cfg.Engine.DefaultTaskTimeout))
	}
	if cfg.Engine.InlineMaxBytes > 0 || cfg.Engine.PreviewMaxBytes > 0 {
		inline, preview := cfg.Engine.InlineMaxBytes, cfg.Engine.PreviewMaxBytes
		defaults := engine.DefaultOptions()
		if inline <= 0 {
			inline = defaults.InlineMaxBytes
		}
		if preview <= 0 {
			preview = defaults.PreviewMaxBytes
		}
		optFns = append(optFns, engine.WithInlineLimits(inline, preview))
	}
	if cfg.Metrics.Enabled {
		optFns = append(optFns, engine.WithMetrics(engine.NewPrometheusMetrics(nil)))
	}
	opts, err := engine.BuildOptions(engine.DefaultOptions(), optFns...)
	if err != nil {
		log.Fatalf("noetl-server: options: %v", err)
	}

	registry := tool.NewRegistry()
	put := func(data []byte, contentType string) (string, error) {
		return artifacts.Put(context.Background(), data, contentType)
	}
	limits := outcome.Limits{InlineMaxBytes: opts.InlineMaxBytes, PreviewMaxBytes: opts.PreviewMaxBytes}
	httpDriver := httptool.New(put, "artifacts")
	httpDriver.Limits = limits
	registry.Register("http", httpDriver)
	pyDriver := pyexec.New("python3", put, "artifacts")
	pyDriver.Limits = limits
	registry.Register("pyexec", pyDriver)
	if sqlDriver, err := toolsql.Open("sqlite", "noetl_tool_sql.db", put, "artifacts"); err == nil {
		sqlDriver.Limits = limits
		registry.Register("sql", sqlDriver)
	} else {
		log.Printf("noetl-server: sql tool driver unavailable: %v", err)
	}
	registerLLMDriver(registry, put, limits)

	orch := orchestrator.New(commandBus, event.NewIngestor(eventLog), registry, template.Default, keychain.EnvResolver{}, opts, emitter)

	server := &api.Server{
		Orchestrator: orch,
		Events:       eventLog,
		Artifacts:    artifacts,
		Playbooks:    api.FileResolver{Root: cfg.Playbooks.Root, Registry: registry},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go orch.ServeWorkers(ctx, cfg.Workers) // <=0 falls back to Options.MaxConcurrentStepRuns

	httpServer := &http.Server{Addr: cfg.Listen, Handler: server.Mux()}
	go func() {
		log.Printf("noetl-server: listening on %s", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("noetl-server: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("noetl-server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if tracerProvider != nil {
		_ = tracerProvider.Shutdown(shutdownCtx)
	}
}

func buildEventLog(cfg config.Config) (interface {
	event.Log
	api.EventQuerier
}, func(), error) {
	switch cfg.Store.Kind {
	case "sqlite":
		l, err := store.NewSQLiteLog(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "mysql":
		l, err := store.NewMySQLLog(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return store.NewMemoryLog(), func() {}, nil
	}
}

func buildBus(cfg config.Config) (bus.Bus, func(), error) {
	opts := bus.DefaultOptions()
	switch cfg.Bus.Kind {
	case "sqlite":
		b, err := bus.NewSQLiteBus(cfg.Bus.DSN, opts)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return bus.NewMemoryBus(opts), func() {}, nil
	}
}

func buildArtifactStore(cfg config.Config) (artifact.Store, error) {
	if cfg.Artifacts.Kind == "filesystem" {
		return artifact.NewFSStore(cfg.Artifacts.Root)
	}
	return artifact.NewMemStore(), nil
}

// registerLLMDriver wires the optional `kind: llm` tool driver
// to every chat-model provider whose API key is present in
// the environment, so the three otherwise-unused provider SDKs get a
// concrete home without requiring all three to be configured.
func registerLLMDriver(registry *tool.Registry, put func([]byte, string) (string, error), limits outcome.Limits) {
	driver := llm.New(put, "artifacts")
	driver.Limits = limits
	registered := false
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		driver.Register("anthropic", anthropic.NewChatModel(key, "claude-3-5-sonnet-latest"))
		registered = true
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		driver.Register("openai", openai.NewChatModel(key, "gpt-4o"))
		registered = true
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		driver.Register("google", google.NewChatModel(key, "gemini-1.5-pro"))
		registered = true
	}
	if registered {
		registry.Register("llm", driver)
	}
}
