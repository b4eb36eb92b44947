// Command vocalis is the main entry point for the Vocalis voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/agentstore"
	"github.com/vocalis-ai/vocalis/internal/agentstore/memstore"
	agentpg "github.com/vocalis-ai/vocalis/internal/agentstore/postgres"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/httpapi"
	"github.com/vocalis-ai/vocalis/internal/observe"
	"github.com/vocalis-ai/vocalis/internal/retrieval/pgvector"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/tools"
	"github.com/vocalis-ai/vocalis/internal/tools/mcphost"
	"github.com/vocalis-ai/vocalis/internal/turn"
	"github.com/vocalis-ai/vocalis/pkg/provider/embeddings"
	oaembed "github.com/vocalis-ai/vocalis/pkg/provider/embeddings/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm"
	"github.com/vocalis-ai/vocalis/pkg/provider/llm/anyllm"
	llmopenai "github.com/vocalis-ai/vocalis/pkg/provider/llm/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt"
	"github.com/vocalis-ai/vocalis/pkg/provider/stt/deepgram"
	sttopenai "github.com/vocalis-ai/vocalis/pkg/provider/stt/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts"
	"github.com/vocalis-ai/vocalis/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/vocalis-ai/vocalis/pkg/provider/tts/openai"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad/energy"
	"github.com/vocalis-ai/vocalis/pkg/provider/vad/silero"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vocalis",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	resolver := session.NewRegistryResolver(reg, cfg.Providers)

	// closers run in reverse order on exit.
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// ── Agent store ───────────────────────────────────────────────────────────
	agents, checks, err := buildAgentStore(ctx, cfg, &closers)
	if err != nil {
		slog.Error("failed to build agent store", "err", err)
		return 1
	}

	// ── Retrieval ─────────────────────────────────────────────────────────────
	retrievers, err := buildRetrieval(ctx, cfg, reg, &closers)
	if err != nil {
		slog.Error("failed to build retrieval store", "err", err)
		return 1
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	executor, err := buildTools(ctx, cfg, &closers)
	if err != nil {
		slog.Error("failed to register MCP servers", "err", err)
		return 1
	}

	// ── Session manager ───────────────────────────────────────────────────────
	manager, err := session.NewManager(session.ManagerConfig{
		Agents:     agents,
		Resolver:   resolver,
		Retrievers: retrievers,
		Tools:      executor,
		Turn:       turnDefaults(cfg.Turn),
		Metrics:    metrics,
	})
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}

	// ── HTTP control surface ──────────────────────────────────────────────────
	api, err := httpapi.New(httpapi.Config{
		Manager:       manager,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Metrics:       metrics,
		Checks:        checks,
	})
	if err != nil {
		slog.Error("failed to create http server", "err", err)
		return 1
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(old, new, logLevel, agents)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		closers = append(closers, watcher.Stop)
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping…")
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		return manager.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// The anyllm adapter reaches every backend mozilla-ai any-llm-go speaks.
	for _, backend := range []string{"openai", "anthropic", "ollama"} {
		reg.RegisterLLM("anyllm:"+backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if rate := optInt(entry.Options, "output_rate"); rate > 0 {
			opts = append(opts, elevenlabs.WithOutputRate(rate))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if th := optFloat(entry.Options, "threshold"); th > 0 {
			opts = append(opts, energy.WithThreshold(th))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		return silero.New(modelPath)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
}

// ── Subsystem construction ────────────────────────────────────────────────────

// buildAgentStore prefers inline agents from the config file; a PostgreSQL
// store backs multi-tenant deployments. The returned checks probe the store
// for /readyz.
func buildAgentStore(ctx context.Context, cfg *config.Config, closers *[]func()) (agentstore.Store, []httpapi.Check, error) {
	if len(cfg.Agents) > 0 {
		snaps := make([]agentstore.Snapshot, 0, len(cfg.Agents))
		for _, ac := range cfg.Agents {
			snaps = append(snaps, ac.Snapshot())
		}
		slog.Info("using inline agent store", "agents", len(snaps))
		return memstore.New(snaps...), nil, nil
	}

	if cfg.Storage.PostgresDSN == "" {
		return nil, nil, errors.New("no agents configured: define agents in the config file or set storage.postgres_dsn")
	}

	store, err := agentpg.NewStore(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	*closers = append(*closers, store.Close)
	slog.Info("using postgres agent store")

	check := httpapi.Check{
		Name: "agent_store",
		Probe: func(ctx context.Context) error {
			// A not-found answer still proves the database responds.
			_, err := store.Snapshot(ctx, "readiness-probe")
			if errors.Is(err, agentstore.ErrNotFound) {
				return nil
			}
			return err
		},
	}
	return store, []httpapi.Check{check}, nil
}

// buildRetrieval wires the pgvector semantic index when both a DSN and an
// embeddings provider are configured. Retrieval is optional: agents without
// a knowledge base run ungrounded.
func buildRetrieval(ctx context.Context, cfg *config.Config, reg *config.Registry, closers *[]func()) (session.RetrieverSource, error) {
	if cfg.Storage.PostgresDSN == "" || cfg.Providers.Embeddings.Name == "" {
		slog.Debug("retrieval disabled",
			"dsn_set", cfg.Storage.PostgresDSN != "",
			"embeddings", cfg.Providers.Embeddings.Name,
		)
		return nil, nil
	}

	embedder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}

	store, err := pgvector.NewStore(ctx, cfg.Storage.PostgresDSN, embedder)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, store.Close)
	slog.Info("retrieval enabled", "embeddings", cfg.Providers.Embeddings.Name)
	return store, nil
}

// buildTools registers every configured MCP server with a shared host.
func buildTools(ctx context.Context, cfg *config.Config, closers *[]func()) (tools.Executor, error) {
	if len(cfg.Tools.Servers) == 0 {
		return nil, nil
	}

	host := mcphost.New()
	*closers = append(*closers, func() {
		if err := host.Close(); err != nil {
			slog.Warn("mcp host close error", "err", err)
		}
	})

	for _, srv := range cfg.Tools.Servers {
		err := host.RegisterServer(ctx, mcphost.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return host, nil
}

// turnDefaults converts the config turn block to scheduler defaults.
func turnDefaults(tc config.TurnConfig) turn.Config {
	return turn.Config{
		SoftFlushTokens:    tc.SoftFlushTokens,
		PreSpeechWindow:    tc.PreSpeechWindow.Std(),
		STTFinalTimeout:    tc.STTFinalTimeout.Std(),
		RetrievalBudget:    tc.RetrievalBudget.Std(),
		FirstOutputTimeout: tc.FirstOutputTimeout.Std(),
		BargeInDeadline:    tc.BargeInDeadline.Std(),
		IdleTimeout:        tc.IdleTimeout.Std(),
		FallbackUtterance:  tc.FallbackUtterance,
		MaxToolRounds:      tc.MaxToolRounds,
	}
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyReload applies the safely-reloadable parts of a config edit: the log
// level takes effect immediately, agent edits affect new sessions only.
func applyReload(old, new *config.Config, logLevel *slog.LevelVar, agents agentstore.Store) {
	cs := config.Diff(old, new)

	if cs.LogLevelChanged {
		logLevel.Set(slogLevel(cs.NewLogLevel))
		slog.Info("log level changed", "level", cs.NewLogLevel)
	}

	mem, ok := agents.(*memstore.Store)
	if !ok || !cs.AgentsChanged {
		return
	}
	byID := make(map[string]config.AgentConfig, len(new.Agents))
	for _, ac := range new.Agents {
		byID[ac.ID] = ac
	}
	for _, ad := range cs.AgentChanges {
		if ad.Removed {
			mem.Delete(ad.ID)
			slog.Info("agent removed", "agent_id", ad.ID)
			continue
		}
		if ac, found := byID[ad.ID]; found {
			mem.Put(ac.Snapshot())
			slog.Info("agent updated", "agent_id", ad.ID, "added", ad.Added)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Vocalis — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.Storage.PostgresDSN != "" {
		fmt.Printf("║  Storage         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Storage         : %-19s ║\n", "(in-memory)")
	}
	fmt.Printf("║  Agents inline   : %-19d ║\n", len(cfg.Agents))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Tools.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger with a dynamic level so config reloads
// can change verbosity without a restart.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt extracts an int value; YAML decodes integers as int.
func optInt(opts map[string]any, key string) int {
	if v, ok := opts[key].(int); ok {
		return v
	}
	return 0
}

// optFloat extracts a float value, accepting YAML's int or float decoding.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
