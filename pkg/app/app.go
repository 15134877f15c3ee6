// Package app assembles the platform from configuration: store, cache,
// adapters, retrieval, reasoning, decision engine, report generator,
// scheduler and HTTP server, in mock or live mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/decision"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag"
	"github.com/moniteurlabs/moniteur/pkg/rag/vectorindex"
	"github.com/moniteurlabs/moniteur/pkg/report"
	"github.com/moniteurlabs/moniteur/pkg/reasoning"
	"github.com/moniteurlabs/moniteur/pkg/scheduler"
	"github.com/moniteurlabs/moniteur/pkg/server"
	"github.com/moniteurlabs/moniteur/pkg/store"
	"github.com/moniteurlabs/moniteur/pkg/telemetry"
	"github.com/moniteurlabs/moniteur/pkg/version"
)

// App holds every wired component plus the resources to release on exit.
type App struct {
	Cfg config.Config
	Log *slog.Logger

	Store     store.Store
	KV        adapters.KV
	Manager   *vectorindex.Manager
	Pipeline  *rag.Pipeline
	Retriever *rag.Retriever
	Reasoner  *reasoning.Service
	Engine    *decision.Engine
	Generator *report.Generator
	Scheduler *scheduler.Scheduler
	Server    *server.Server
	Metrics   *metrics.Metrics

	// Mock is non-nil in mock mode.
	Mock *adapters.MockNetwork

	shutdownTelemetry func(context.Context) error
}

// New builds the platform from cfg. The caller owns Close.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log, Metrics: metrics.New()}

	if !cfg.Telemetry.Skip {
		shutdown, err := telemetry.Init(ctx, version.AppName, version.Current, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		a.shutdownTelemetry = shutdown
	}

	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	a.buildCache()

	var (
		source   adapters.NodeSource
		control  adapters.NodeControl
		embedder adapters.Embedder
		complete adapters.Completer
		resolver rag.SourceResolver
	)
	if cfg.MockMode {
		a.Mock = adapters.NewMockNetwork()
		SeedDemoNetwork(a.Mock)
		source = a.Mock
		control = a.Mock
		embedder = adapters.MockEmbedder{Dim: cfg.Embedding.Dim}
		complete = adapters.MockCompleter{}
		resolver = demoResolver()
		if err := a.seedDemoUsers(ctx); err != nil {
			return nil, err
		}
		log.Info("mock mode: simulated network, embedder and model")
	} else {
		source = adapters.NewHTTPNodeSource(cfg.Adapters.NodeSourceURL, a.caller("node_source"))
		control = adapters.NewHTTPNodeControl(cfg.Adapters.NodeControlURL, a.caller("node_ctl"))

		llm, err := openai.New(openai.WithModel(cfg.Reasoning.ModelID))
		if err != nil {
			return nil, fmt.Errorf("llm client: %w", err)
		}
		complete = adapters.NewLLM(llm, a.caller("llm"))

		embModel, err := openai.New(openai.WithEmbeddingModel(cfg.Embedding.ModelID))
		if err != nil {
			return nil, fmt.Errorf("embedding client: %w", err)
		}
		emb, err := embeddings.NewEmbedder(embModel)
		if err != nil {
			return nil, fmt.Errorf("embedder: %w", err)
		}
		embedder = adapters.NewEmbeddingClient(emb, cfg.Embedding.Dim, a.caller("embedder"))
		resolver = rag.FileResolver{}
	}

	a.Manager = vectorindex.NewManager(cfg.Retrieval.Alias, rag.InvalidateVersion(a.KV), log)
	a.Pipeline = rag.NewPipeline(a.Store, embedder, a.Manager, resolver, a.Metrics, log)
	a.Pipeline.Version = cfg.Embedding.Version
	a.Retriever = rag.NewRetriever(a.Manager, embedder, a.KV, a.Metrics, log, cfg.Retrieval)
	a.Reasoner = reasoning.NewService(complete, a.KV, a.Metrics, log, cfg.Reasoning)
	a.Engine = decision.NewEngine(a.Store, control, a.Metrics, log, cfg.Heuristic, cfg.Limits, cfg.DryRun)
	a.Generator = report.NewGenerator(a.Store, source, a.Retriever, a.Reasoner, a.Metrics, log, cfg.Scheduler.PerReportTimeout)
	a.Generator.Decide = decision.NewRunner(a.Engine, source, log)
	a.Scheduler = scheduler.New(a.Store, a.Generator, a.Metrics, log, cfg.Scheduler, cfg.Limits.MaxAttemptsPerDay)

	var kvPing func(context.Context) error
	if a.KV != nil {
		kvPing = a.KV.Ping
	}
	a.Server = server.New(a.Store, kvPing, a.Manager, a.Pipeline, a.Retriever, a.Engine, a.Metrics, log, cfg.Server)

	if err := a.bootstrapIndex(ctx, resolver); err != nil {
		return nil, err
	}
	return a, nil
}

// bootstrapIndex builds the first index from the persisted corpus so the
// process comes up ready without an explicit ingest call. Mock mode seeds
// the demo corpus first; a live node with an empty store gets an empty
// ready index and fills it through ingestion jobs.
func (a *App) bootstrapIndex(ctx context.Context, resolver rag.SourceResolver) error {
	if a.Cfg.MockMode {
		items, err := resolver.Resolve(ctx, "demo://corpus")
		if err != nil {
			return err
		}
		for _, item := range items {
			doc := store.Document{
				ID:        rag.DocumentID(item.SourceURI, item.Content),
				SourceURI: item.SourceURI,
				Content:   item.Content,
				Metadata:  item.Meta,
			}
			if err := a.Store.UpsertDocument(ctx, doc); err != nil && faults.KindOf(err) != faults.KindConflict {
				return err
			}
		}
	}
	return a.Pipeline.ReindexFromStore(ctx, a.Cfg.Embedding.Version)
}

func (a *App) buildStore(_ context.Context) error {
	switch a.Cfg.Store.Driver {
	case "postgres":
		s, err := store.NewPostgres(a.Cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.Store = s
	default:
		a.Store = store.NewMemory()
	}
	return nil
}

func (a *App) buildCache() {
	if a.Cfg.MockMode || a.Cfg.Adapters.RedisAddr == "" {
		return
	}
	a.KV = adapters.NewRedisKV(a.Cfg.Adapters.RedisAddr, a.caller("kv"))
}

func (a *App) caller(target string) *adapters.Caller {
	return adapters.NewCaller(target, a.Cfg.Adapters, a.Cfg.Breaker, a.Metrics, a.Log)
}

// Run serves HTTP and the daily scheduler until ctx is canceled, then
// shuts both down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Server.Serve(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	return g.Wait()
}

// Close releases the app's resources.
func (a *App) Close(ctx context.Context) error {
	a.Pipeline.Wait()
	if a.KV != nil {
		_ = a.KV.Close()
	}
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.shutdownTelemetry != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if terr := a.shutdownTelemetry(flushCtx); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

func (a *App) seedDemoUsers(ctx context.Context) error {
	return a.Store.UpsertUser(ctx, ln.UserProfile{
		UserID:               "demo",
		TenantID:             "demo",
		LightningPubkey:      DemoNodePubkey,
		DailyReportEnabled:   true,
		Timezone:             "UTC",
		NotificationChannels: []string{"log"},
	})
}
