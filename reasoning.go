// Package reasoning is the public API for embedding the reasoning service.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := reasoning.New(
//	    reasoning.WithVersion(version),
//	    reasoning.WithLogger(logger),
//	    reasoning.WithRunner(myBackend{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: reasoning (root) imports
// internal/*, but internal/* never imports the root. Public types (Message,
// PipeResult) are standalone structs with no internal imports; the adapters
// (runnerAdapter, embedderAdapter) live here because this is the only file
// that sees both sides of the boundary.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/auth"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/cache"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/config"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/embedding"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/improve"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/mcp"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/policy"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/precedent"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ratelimit"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/server"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage/postgres"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage/sqlite"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/telemetry"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/migrations"
)

// App is the reasoning service lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg           config.Config
	store         storage.Store
	srv           *server.Server
	recorder      *invocations.Recorder
	system        *improve.System
	indexer       *precedent.Indexer     // nil without postgres + Qdrant
	qdrantIndex   *precedent.QdrantIndex // nil when Qdrant is not configured
	limiter       ratelimit.Limiter
	actionLimiter *ratelimit.ActionLimiter
	otelShutdown  telemetry.Shutdown
	logger        *slog.Logger
	version       string
}

// New initialises the reasoning service. It connects to the store, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("reasoning starting", "version", version, "port", cfg.Port, "driver", cfg.StorageDriver)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the store. The postgres driver applies embedded migrations; the
	// sqlite driver carries its schema inline.
	var (
		st storage.Store
		pg *postgres.Store // non-nil only on the postgres driver
	)
	switch cfg.StorageDriver {
	case "postgres":
		pg, err = postgres.Open(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := pg.RunMigrations(context.Background(), migrations.FS); err != nil {
			_ = pg.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := pg.RunMigrations(context.Background(), extraFS); err != nil {
				_ = pg.Close(context.Background())
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		st = pg
	case "sqlite":
		if len(o.extraMigrations) > 0 {
			_ = otelShutdown(context.Background())
			return nil, errors.New("extra migrations require the postgres driver")
		}
		sq, sqErr := sqlite.Open(cfg.SQLitePath, logger)
		if sqErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", sqErr)
		}
		st = sq
	default:
		// config.Validate rejects anything else; keep the failure explicit
		// for callers that construct Config by hand.
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.StorageDriver)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = st.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Hash the operator key once at boot so request handling never sees the
	// plaintext key.
	operatorHash := ""
	if cfg.OperatorKey != "" {
		operatorHash, err = auth.HashOperatorKey(cfg.OperatorKey)
		if err != nil {
			_ = st.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash operator key: %w", err)
		}
	}

	// Pipe backend — external override takes priority over auto-detect.
	var runner, fallback pipes.Runner
	if o.runner != nil {
		runner = &runnerAdapter{r: o.runner}
	} else {
		runner, fallback = newPipeRunner(cfg, logger)
	}
	if o.fallbackRunner != nil {
		fallback = &runnerAdapter{r: o.fallbackRunner}
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = &embedderAdapter{p: o.embedder}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Initialize the Qdrant precedent index and outbox indexer. Both need
	// the postgres driver: sqlite stores incidents without vectors.
	var (
		qdrantIndex *precedent.QdrantIndex
		indexer     *precedent.Indexer
		searcher    precedent.Searcher
		retriever   *precedent.Retriever
	)
	if cfg.QdrantURL == "" {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	} else if pg == nil {
		logger.Warn("qdrant: disabled (precedent index requires the postgres driver)")
	} else {
		qdrantIndex, err = precedent.NewQdrantIndex(precedent.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			_ = st.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			_ = st.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		indexer = precedent.NewIndexer(pg, qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		retriever = precedent.NewRetriever(embedder, qdrantIndex, st, logger)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	}

	// Live runtime configuration and the response cache it governs.
	registry := runtimecfg.NewRegistry(logger)
	answers := cache.New[string, mcp.CachedAnswer](cfg.ResponseCacheSize)
	seedRegistry(registry, cfg, answers)

	// Safety and measurement subsystems.
	brk := breaker.New(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	})
	baselines := baseline.New(baseline.Config{
		Alpha:          cfg.BaselineAlpha,
		WarningMult:    cfg.BaselineWarningMult,
		CriticalMult:   cfg.BaselineCriticalMult,
		TrendDeviation: cfg.BaselineTrendDev,
		MinSamples:     cfg.BaselineMinSamples,
	})
	recorder := invocations.NewRecorder(st, logger, cfg.InvocationBufferSize, cfg.InvocationFlushTimeout)
	source := invocations.NewStoreSource(st)

	// Action allowlist.
	allow, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		_ = st.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("policy: %w", err)
	}

	// The improvement loop. Incident vectors only make sense when a real
	// provider is configured and the store keeps the column.
	var analyzerEmbedder embedding.Provider
	if _, noop := embedder.(*embedding.NoopProvider); !noop && pg != nil {
		analyzerEmbedder = embedder
	}
	var precedents improve.PrecedentSource
	if retriever != nil {
		precedents = retriever
	}
	pipeline := pipes.NewPipeline(runner, pipes.DefaultPipeNames(), logger)
	monitor := improve.NewMonitor(source, baselines, cfg.MetricsWindow, cfg.MetricsMinSamples, logger)
	analyzer := improve.NewAnalyzer(pipeline, allow, registry, st, precedents, analyzerEmbedder, logger)
	actionLimiter := ratelimit.NewActionLimiter(cfg.MaxActionsPerHour, cfg.ActionCooldown, st.CountActionsSince)
	executor := improve.NewExecutor(st, registry, allow, brk, actionLimiter, source, improve.ExecutorConfig{
		Stabilization:     cfg.StabilizationWait,
		RollbackWorsenPct: cfg.RollbackWorsenPct,
	}, logger)
	learner := improve.NewLearner(st, pipeline, improve.RewardWeights{
		Error:    cfg.LearnWeightError,
		Latency:  cfg.LearnWeightLatency,
		Quality:  cfg.LearnWeightQuality,
		Fallback: cfg.LearnWeightFallback,
	}, cfg.ReflectEvery, logger)
	system := improve.NewSystem(monitor, analyzer, executor, learner, st, baselines, brk, improve.SystemConfig{
		Enabled:             cfg.ImproveEnabled,
		Interval:            cfg.TickInterval,
		InvocationRetention: cfg.InvocationRetention,
	}, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter()
		logger.Info("rate limiting: memory (in-process token bucket)")
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(st, runner, fallback, registry, recorder, answers, brk, baselines, mcp.Config{
		Version:     version,
		LoopEnabled: cfg.ImproveEnabled,
	}, logger)

	// HTTP server.
	srv := server.New(server.ServerConfig{
		Store:               st,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Registry:            registry,
		Breaker:             brk,
		Baselines:           baselines,
		Recorder:            recorder,
		Searcher:            searcher,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		AuthEnabled:         cfg.AuthEnabled,
		OperatorKeyHash:     operatorHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		LoopEnabled:         cfg.ImproveEnabled,
	})

	return &App{
		cfg:           cfg,
		store:         st,
		srv:           srv,
		recorder:      recorder,
		system:        system,
		indexer:       indexer,
		qdrantIndex:   qdrantIndex,
		limiter:       limiter,
		actionLimiter: actionLimiter,
		otelShutdown:  otelShutdown,
		logger:        logger,
		version:       version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.recorder.Start(ctx)
	a.system.Start(ctx)
	if a.indexer != nil {
		a.indexer.Start(ctx)
	}

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop the improvement loop and persist baseline and breaker state,
// (3) drain the invocation recorder and the incident outbox.
// It then closes the rate limiters, the vector index, the OTEL provider,
// and the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("reasoning shutting down")

	// Phase 1: HTTP drain. No new requests means no new invocations or
	// pipe calls feeding the writers drained below.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: loop stop. Waits for an in-flight tick, then persists
	// baseline and breaker state one last time.
	loopCtx, loopCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownLoopTimeout)
	if err := a.system.Stop(loopCtx); err != nil {
		a.logger.Error("improve loop stop incomplete", "error", err)
	}
	loopCancel()

	// Phase 3: writer drain.
	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.recorder.Drain(drainCtx)
	if a.indexer != nil {
		a.indexer.Drain(drainCtx)
	}
	drainCancel()

	// Cleanup.
	_ = a.actionLimiter.Close()
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	if err := a.store.Close(context.Background()); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("reasoning stopped")
	return nil
}

// seedRegistry installs boot values for every knob the shipped policy lets
// the loop move later. Param keys mirror policy.Default(); the resource
// levels come from config so deployments size them without code changes.
func seedRegistry(reg *runtimecfg.Registry, cfg config.Config, answers *cache.LRU[string, mcp.CachedAnswer]) {
	reg.SetParam("reasoning.max_steps", model.IntValue(8))
	reg.SetParam("reasoning.temperature", model.FloatValue(0.2))
	reg.SetParam("precedent.top_k", model.IntValue(5))
	reg.SetParam("pipe.request_timeout_ms", model.DurationValue(cfg.PipeTimeout))
	reg.SetParam("cache.response_ttl_ms", model.DurationValue(5*time.Minute))

	reg.SetFeature("response_cache", true)
	reg.SetFeature("self_check", true)
	reg.SetFeature("precedent_memory", true)

	reg.SetResource(model.ResourceMaxConcurrentRequests, int64(cfg.MaxConcurrentRequests))
	reg.SetResource(model.ResourceCacheSize, int64(cfg.ResponseCacheSize))

	reg.RegisterFlusher("response_cache", answers.Purge)
	reg.RegisterResourceHook(model.ResourceCacheSize, func(_ context.Context, _, level int64) error {
		answers.Resize(int(level))
		return nil
	})
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// runnerAdapter wraps a public reasoning.Runner to satisfy pipes.Runner.
// It converts internal pipe types to public types at the boundary.
type runnerAdapter struct {
	r Runner
}

func (a *runnerAdapter) Run(ctx context.Context, pipe string, messages []pipes.Message) (pipes.Response, error) {
	msgs := make([]Message, len(messages))
	for i, m := range messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
	}
	res, err := a.r.Run(ctx, pipe, msgs)
	if err != nil {
		return pipes.Response{}, err
	}
	return pipes.Response{Text: res.Text, Pipe: res.Pipe, LatencyMS: res.LatencyMS}, nil
}

// embedderAdapter wraps a public reasoning.EmbeddingProvider to satisfy
// embedding.Provider.
type embedderAdapter struct {
	p EmbeddingProvider
}

func (a *embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embedderAdapter) Dimensions() int { return a.p.Dimensions() }

// ── Helpers ────────────────────────────────────────────────────────────────────

func newPipeRunner(cfg config.Config, logger *slog.Logger) (primary, fallback pipes.Runner) {
	switch cfg.PipeProvider {
	case "langbase":
		if cfg.LangbaseAPIKey == "" {
			logger.Error("LANGBASE_API_KEY required when REASONING_PIPE_PROVIDER=langbase")
			return pipes.Noop{}, nil
		}
		logger.Info("pipe provider: langbase", "url", cfg.LangbaseURL)
		return pipes.NewLangbase(cfg.LangbaseAPIKey, cfg.LangbaseURL, cfg.PipeTimeout), ollamaFallback(cfg, logger)
	case "ollama":
		logger.Info("pipe provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return pipes.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.PipeTimeout), nil
	case "noop":
		logger.Info("pipe provider: noop (model calls disabled)")
		return pipes.Noop{}, nil
	case "auto":
		fallthrough
	default:
		if cfg.LangbaseAPIKey != "" {
			logger.Info("pipe provider: langbase (auto-detected)", "url", cfg.LangbaseURL)
			return pipes.NewLangbase(cfg.LangbaseAPIKey, cfg.LangbaseURL, cfg.PipeTimeout), ollamaFallback(cfg, logger)
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("pipe provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return pipes.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.PipeTimeout), nil
		}
		logger.Warn("no pipe provider available, using noop (reasoning and diagnosis pipes disabled)")
		return pipes.Noop{}, nil
	}
}

// ollamaFallback returns a local fallback runner when an Ollama daemon is
// reachable, nil otherwise. Only the Langbase primary gets a fallback; a
// failing local daemon has nothing beneath it.
func ollamaFallback(cfg config.Config, logger *slog.Logger) pipes.Runner {
	if !ollamaReachable(cfg.OllamaURL) {
		return nil
	}
	logger.Info("pipe fallback: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
	return pipes.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.PipeTimeout)
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when REASONING_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (precedent memory keeps text only)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (precedent memory keeps text only)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
