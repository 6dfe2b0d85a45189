// Package app assembles the loom pipeline from configuration — stores,
// providers, caches, tool transport — and serves it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	loom "github.com/nevindra/loom"
	"github.com/nevindra/loom/code"
	"github.com/nevindra/loom/ingest"
	"github.com/nevindra/loom/internal/config"
	"github.com/nevindra/loom/internal/janitor"
	"github.com/nevindra/loom/memory"
	"github.com/nevindra/loom/observer"
	"github.com/nevindra/loom/provider/resolve"
	"github.com/nevindra/loom/store/postgres"
	redisstore "github.com/nevindra/loom/store/redis"
	"github.com/nevindra/loom/store/sqlite"
	"github.com/nevindra/loom/toolproxy"
)

// App is the assembled service: one pipeline, its stores, and the
// background janitor.
type App struct {
	cfg config.Config
	log *slog.Logger

	pipeline *loom.Pipeline
	ingestor *ingest.Ingestor
	audit    *loom.AuditLogger
	jan      *janitor.Janitor
	inst     *observer.Instruments

	inits     []func(context.Context) error
	shutdowns []func(context.Context) error
}

// storeSet is the persistence surface New assembles, interface-typed
// so postgres and sqlite deployments wire identically downstream.
type storeSet struct {
	messages  loom.MessageStore
	semantic  loom.SemanticCacheStore
	audits    loom.AuditStore
	metrics   loom.MetricsStore
	docs      loom.DocStore
	exact     loom.ExactCache
	docSearch loom.DocSearcher
	chats     loom.Searcher
	artifacts loom.Searcher
	facts     memory.FactStore
	summaries memory.SummaryStore
	tasks     []janitor.Task
}

// New wires the full pipeline from cfg. It does not touch the network;
// connections are established lazily and schemas on Run.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	a := &App{cfg: cfg, log: log}

	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{
				InputPerMillion:  p.Input,
				OutputPerMillion: p.Output,
			}
		}
		inst, stop, err := observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.inst = inst
		a.shutdowns = append(a.shutdowns, stop)
	}

	providers, err := a.buildProviders()
	if err != nil {
		return nil, err
	}
	manager, err := loom.NewManager(providers, loom.ManagerLogger(log))
	if err != nil {
		return nil, fmt.Errorf("provider manager: %w", err)
	}

	embedder := a.buildEmbedder()

	ss, err := a.buildStores(ctx, embedder)
	if err != nil {
		return nil, err
	}

	cache := a.buildToolCache(ss, embedder)
	executor, toolSource := a.buildExecutor(ss, cache)
	router := a.buildRouter(providers[0])
	rag := a.buildRAG(ss)
	mem := a.buildMemory(providers[0], ss, embedder)

	completionOpts := []loom.CompletionOption{
		loom.CompletionStore(ss.messages),
		loom.CompletionGuard(loom.NewOutputGuard(loom.OutputGuardLogger(log))),
		loom.CompletionLogger(log),
	}
	metrics := ss.metrics
	if a.inst != nil {
		metrics = observer.WrapMetrics(metrics, a.inst)
	}
	completionOpts = append(completionOpts, loom.CompletionMetricsStore(metrics))
	if mem != nil {
		completionOpts = append(completionOpts, loom.CompletionMemory(mem))
	}
	completion := loom.NewCompletionStage(manager, executor, loom.CompletionConfig{
		MaxToolRounds: cfg.Tools.MaxRounds,
	}, completionOpts...)

	pipelineOpts := []loom.PipelineOption{
		loom.PipelineRAG(rag),
		loom.PipelineStore(ss.messages),
		loom.PipelineHistoryLimit(cfg.Server.HistoryLimit),
		loom.PipelineLogger(log),
	}
	if cfg.Server.SystemPrompt != "" {
		pipelineOpts = append(pipelineOpts, loom.PipelineSystemPrompt(cfg.Server.SystemPrompt))
	}
	if toolSource != nil {
		pipelineOpts = append(pipelineOpts, loom.PipelineTools(toolSource))
	}
	if mem != nil {
		pipelineOpts = append(pipelineOpts, loom.PipelineMemory(mem))
	}
	a.pipeline = loom.NewPipeline(router, completion, pipelineOpts...)

	if embedder != nil {
		a.ingestor = ingest.New(ss.docs, embedder, ingest.WithLogger(log))
	}

	if cfg.Janitor.IntervalMinutes > 0 && len(ss.tasks) > 0 {
		interval := time.Duration(cfg.Janitor.IntervalMinutes) * time.Minute
		a.jan = janitor.New(interval, log, ss.tasks...)
	}

	return a, nil
}

func (a *App) buildProviders() ([]loom.Provider, error) {
	primary, err := resolve.Provider(resolve.Config{
		Provider: a.cfg.LLM.Provider,
		APIKey:   a.cfg.LLM.APIKey,
		Model:    a.cfg.LLM.Model,
		BaseURL:  a.cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}
	providers := []loom.Provider{primary}

	if a.cfg.Fallback.Provider != "" {
		fb, err := resolve.Provider(resolve.Config{
			Provider: a.cfg.Fallback.Provider,
			APIKey:   a.cfg.Fallback.APIKey,
			Model:    a.cfg.Fallback.Model,
			BaseURL:  a.cfg.Fallback.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
		providers = append(providers, fb)
	}

	// Retries absorb transient blips inside one provider; the manager
	// fails over between providers above this.
	for i, p := range providers {
		providers[i] = loom.WithRetry(p, loom.RetryLogger(a.log))
	}
	if a.inst != nil {
		for i, p := range providers {
			providers[i] = observer.WrapProvider(p, a.inst)
		}
	}
	return providers, nil
}

// buildEmbedder returns nil when no embedding key is configured; the
// semantic cache tier, document search, and ingestion degrade off.
func (a *App) buildEmbedder() loom.EmbeddingProvider {
	if a.cfg.Embedding.APIKey == "" {
		a.log.Warn("no embedding API key, semantic features disabled")
		return nil
	}
	embedder, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   "gemini",
		APIKey:     a.cfg.Embedding.APIKey,
		Model:      a.cfg.Embedding.Model,
		Dimensions: a.cfg.Embedding.Dimensions,
	})
	if err != nil {
		a.log.Warn("embedding provider unavailable", "error", err)
		return nil
	}
	embedder = loom.WithEmbeddingRetry(embedder, loom.RetryLogger(a.log))
	if a.inst != nil {
		embedder = observer.WrapEmbedding(embedder, a.cfg.Embedding.Model, a.inst)
	}
	return embedder
}

func (a *App) buildStores(ctx context.Context, embedder loom.EmbeddingProvider) (storeSet, error) {
	var ss storeSet
	maxAge := time.Duration(a.cfg.Janitor.SemanticMaxAgeHours) * time.Hour

	if a.cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresURL)
		if err != nil {
			return ss, fmt.Errorf("postgres pool: %w", err)
		}
		store := postgres.New(pool, postgres.WithEmbeddingDimension(a.cfg.Embedding.Dimensions))
		ss.messages, ss.semantic, ss.audits, ss.metrics, ss.docs = store, store, store, store, store
		ss.chats = postgres.NewChatSearch(store)
		ss.artifacts = postgres.NewArtifactSearch(store)
		if embedder != nil {
			ss.docSearch = postgres.NewDocSearch(store, embedder)
		}
		if a.cfg.Memory.Enabled {
			ms := postgres.NewMemoryStore(pool)
			ss.facts, ss.summaries = ms, ms
			a.inits = append(a.inits, ms.Init)
		}
		a.inits = append(a.inits, store.Init)
		a.shutdowns = append(a.shutdowns, func(context.Context) error {
			pool.Close()
			return nil
		})
		if maxAge > 0 {
			ss.tasks = append(ss.tasks, janitor.EvictSemantic(store, maxAge))
		}
	} else {
		store := sqlite.New(a.cfg.Database.SQLitePath, sqlite.WithLogger(a.log))
		ss.messages, ss.semantic, ss.audits, ss.metrics, ss.docs = store, store, store, store, store
		ss.exact = store
		ss.chats = sqlite.NewChatSearch(store)
		ss.artifacts = sqlite.NewArtifactSearch(store)
		if embedder != nil {
			ss.docSearch = sqlite.NewDocSearch(store, embedder)
		}
		if a.cfg.Memory.Enabled {
			ms := sqlite.NewMemoryStore(store.DB(), sqlite.WithMemoryLogger(a.log))
			ss.facts, ss.summaries = ms, ms
			a.inits = append(a.inits, ms.Init)
		}
		a.inits = append(a.inits, store.Init)
		a.shutdowns = append(a.shutdowns, func(context.Context) error {
			return store.Close()
		})
		ss.tasks = append(ss.tasks, janitor.SweepExact(store))
		if maxAge > 0 {
			ss.tasks = append(ss.tasks, janitor.EvictSemantic(store, maxAge))
		}
	}

	// Redis, when configured, replaces the embedded exact tier. Its
	// TTLs are native, so the janitor sweep only covers sqlite.
	if a.cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		ss.exact = redisstore.New(rdb, redisstore.WithPrefix("loom:"))
		a.shutdowns = append(a.shutdowns, func(context.Context) error {
			return rdb.Close()
		})
	}

	return ss, nil
}

func (a *App) buildToolCache(ss storeSet, embedder loom.EmbeddingProvider) *loom.ToolCache {
	if ss.exact == nil {
		a.log.Warn("no exact cache backend, tool caching disabled")
		return nil
	}
	opts := []loom.ToolCacheOption{
		loom.CacheAuthorizer(loom.GroupScopeAuthorizer{}),
		loom.CacheMinSimilarity(a.cfg.Cache.SemanticMinSimilarity),
		loom.CacheLookupTimeout(time.Duration(a.cfg.Cache.LookupTimeoutMs) * time.Millisecond),
		loom.CacheScopeKeys(a.cfg.Cache.ScopeKeys...),
		loom.CacheLogger(a.log),
	}
	if embedder != nil {
		opts = append(opts, loom.CacheSemantic(ss.semantic, embedder))
	}
	return loom.NewToolCache(ss.exact, opts...)
}

func (a *App) buildExecutor(ss storeSet, cache *loom.ToolCache) (*loom.Executor, loom.ToolSource) {
	var dispatcher loom.ToolDispatcher
	var source loom.ToolSource
	if a.cfg.ToolProxy.URL != "" {
		client := toolproxy.New(a.cfg.ToolProxy.URL,
			toolproxy.WithInternalKey(a.cfg.ToolProxy.InternalKey),
			toolproxy.WithLogger(a.log))
		dispatcher = client
		source = client
		if a.inst != nil {
			dispatcher = observer.WrapDispatcher(dispatcher, a.inst)
		}
	} else {
		a.log.Warn("no tool proxy configured, tools disabled")
	}

	auditStore := ss.audits
	if a.cfg.Audit.Endpoint != "" {
		auditStore = newAuditMirror(auditStore, a.cfg.Audit.Endpoint, a.cfg.ToolProxy.InternalKey, a.log)
	}
	a.audit = loom.NewAuditLogger(auditStore,
		loom.AuditBuffer(a.cfg.Audit.Buffer),
		loom.AuditLoggerLog(a.log))

	opts := []loom.ExecutorOption{
		loom.ExecutorAudit(a.audit),
		loom.ExecutorLogger(a.log),
		loom.ExecutorInternalKey(a.cfg.ToolProxy.InternalKey),
		loom.ExecutorAPIKeyPrefixes(a.cfg.ToolProxy.APIKeyPrefixes...),
		loom.ExecutorTimeout(time.Duration(a.cfg.Tools.TimeoutMs) * time.Millisecond),
	}
	if cache != nil {
		opts = append(opts, loom.ExecutorCache(cache))
	}
	if a.cfg.Sandbox.URL != "" {
		var codeOpts []code.Option
		if a.cfg.Sandbox.CallbackAddr != "" {
			codeOpts = append(codeOpts, code.WithCallbackAddr(a.cfg.Sandbox.CallbackAddr))
		}
		runner := code.NewSandboxRunner(a.cfg.Sandbox.URL, codeOpts...)
		opts = append(opts, loom.ExecutorCode(runner, a.cfg.Tools.CodeTools...))
	}
	if a.cfg.ToolProxy.CodeAgentID != "" {
		opts = append(opts, loom.ExecutorCodeAgentID(a.cfg.ToolProxy.CodeAgentID))
	}
	return loom.NewExecutor(dispatcher, opts...), source
}

func (a *App) buildRouter(grader loom.Provider) *loom.Router {
	opts := []loom.RouterOption{loom.RouterLogger(a.log)}
	if a.cfg.Routing.RouteSimpleToOllama && a.cfg.Routing.OllamaModel != "" {
		c := NewClassifier(grader, a.cfg.Memory.Model, a.cfg.Routing.OllamaModel, a.log)
		opts = append(opts, loom.RouterAnalyzer(c), loom.RouterClassifier(c))
	}
	return loom.NewRouter(loom.RouterConfig{
		DefaultModel:       a.cfg.Routing.DefaultModel,
		PipelineModel:      a.cfg.Routing.PipelineModel,
		BandModels:         a.cfg.Routing.BandModels,
		VisionModels:       a.cfg.Routing.VisionModels,
		VisionFallback:     a.cfg.Routing.VisionFallback,
		IntelligentRouting: a.cfg.Routing.RouteSimpleToOllama,
		ToolLimit:          a.cfg.Tools.Limit,
		BackgroundJobTool:  a.cfg.Routing.BackgroundJobTool,
	}, opts...)
}

func (a *App) buildRAG(ss storeSet) *loom.RAGStage {
	opts := []loom.RAGOption{
		loom.RAGChats(ss.chats),
		loom.RAGStageLogger(a.log),
	}
	if ss.docSearch != nil {
		opts = append(opts, loom.RAGDocs(ss.docSearch))
	}
	if a.cfg.RAG.EnableArtifacts {
		opts = append(opts, loom.RAGArtifacts(ss.artifacts))
	}
	return loom.NewRAGStage(loom.RAGConfig{
		Enabled:              a.cfg.RAG.Enabled,
		MaxDocs:              a.cfg.RAG.MaxDocs,
		MaxChats:             a.cfg.RAG.MaxChats,
		MaxArtifacts:         a.cfg.RAG.MaxArtifacts,
		MinRelevance:         a.cfg.RAG.MinRelevance,
		EnableArtifactSearch: a.cfg.RAG.EnableArtifacts,
		Collections:          a.cfg.RAG.Collections,
	}, opts...)
}

func (a *App) buildMemory(llm loom.Provider, ss storeSet, embedder loom.EmbeddingProvider) loom.MemoryProvider {
	if !a.cfg.Memory.Enabled || ss.facts == nil {
		return nil
	}
	opts := []memory.ProviderOption{
		memory.WithFacts(ss.facts),
		memory.WithSummaries(ss.summaries),
		memory.WithChatMatches(ss.chats),
		memory.WithModel(a.cfg.Memory.Model),
		memory.WithLogger(a.log),
	}
	if embedder != nil {
		opts = append(opts, memory.WithEmbedder(embedder))
	}
	return memory.New(llm, opts...)
}

// IngestFiles loads local files into the knowledge store, one document
// per file. The CLI ingest command uses it.
func (a *App) IngestFiles(ctx context.Context, collection string, paths []string) error {
	if a.ingestor == nil {
		return errors.New("ingestion requires an embedding provider")
	}
	for _, init := range a.inits {
		if err := init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := a.ingestor.IngestFile(ctx, collection, path, content)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		a.log.Info("ingested", "document", res.DocumentID, "title", res.Title, "chunks", res.ChunkCount)
	}
	return nil
}

// Run initializes schemas, starts the janitor, and serves HTTP until
// ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	for _, init := range a.inits {
		if err := init(ctx); err != nil {
			return fmt.Errorf("store init: %w", err)
		}
	}

	if a.jan != nil {
		go a.jan.Run(ctx)
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: completions stream over SSE.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("loom listening", "addr", a.cfg.Server.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	a.close()
	return err
}

// RunWithSignal wraps Run with OS signal handling for graceful
// shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func (a *App) close() {
	if a.audit != nil {
		a.audit.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stop := range a.shutdowns {
		if err := stop(ctx); err != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
}
