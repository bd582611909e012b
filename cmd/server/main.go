// Command server is the composition root: it wires configuration, the
// Metadata Store, Vector Store Manager, Embedder/Reranker/LLM clients,
// Fetcher, RSS Crawler, Web Scraper, Ingest Coordinator, Retrieval
// Pipeline, Background Executor, Scheduler, and HTTP API into one running
// process, then waits for SIGINT/SIGTERM for a graceful shutdown.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"newsvault/internal/chunker"
	"newsvault/internal/config"
	"newsvault/internal/dedupe"
	"newsvault/internal/embedding"
	"newsvault/internal/executor"
	"newsvault/internal/fetch"
	"newsvault/internal/httpapi"
	"newsvault/internal/ingest"
	"newsvault/internal/llmclient"
	"newsvault/internal/logging"
	"newsvault/internal/metadata"
	"newsvault/internal/poller"
	"newsvault/internal/rerank"
	"newsvault/internal/retrieval"
	"newsvault/internal/rss"
	"newsvault/internal/scheduler"
	"newsvault/internal/scrape"
	"newsvault/internal/telemetry"
	"newsvault/internal/vectorstore"
	"newsvault/internal/webfallback"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logging.Log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New(cfg.LogLevel, "newsvault.log")
	logging.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config(cfg.OTel))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up telemetry")
	}
	defer shutdownTelemetry(context.Background())

	pool, err := pgxpool.New(ctx, cfg.Database.ConnectionString)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	store := metadata.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply metadata schema")
	}

	vectors := vectorstore.NewManager(cfg.VectorStore.Root, cfg.Embedder.ModelID,
		cfg.VectorStore.LRUCapacity, cfg.VectorStore.CompactThresholdRatio, cfg.VectorStore.CompactThresholdCount,
		logging.Component(log, "vectorstore"))

	embedder := embedding.New(cfg.Embedder.Host, cfg.Embedder.ModelID, cfg.Embedder.BatchSize, logging.Component(log, "embedder"))
	reranker := rerank.New(cfg.Reranker.Host, cfg.Reranker.ModelID, cfg.Reranker.BatchSize)
	llm := llmclient.New(cfg.LLM.Endpoint, cfg.LLM.APIKey)

	fetcher := fetch.New(cfg.Fetcher.UserAgent, cfg.Fetcher.Timeout(), cfg.Fetcher.PerHostRPS, cfg.Fetcher.Proxies)
	crawler := rss.New()
	scraper := scrape.New(fetcher)

	deduper := dedupe.New(store)
	splitter := chunker.New()

	pipeline := retrieval.New(embedder, vectors, reranker, store)
	if cfg.WebFallback.Enabled {
		provider := webfallback.NewHTTPProvider(cfg.WebFallback.Endpoint, cfg.WebFallback.APIKey)
		synth := webfallback.NewSynthesizer(llm, cfg.LLM.ModelID)
		pipeline = pipeline.WithWebFallback(provider, synth)
	}
	pipeline = pipeline.WithSummarizer(llm, cfg.LLM.ModelID)

	// coordinator and pollHandler are assigned their real Submitter/Ingester
	// (the pool itself, the coordinator itself) right after the pool starts;
	// the handler map below closes over these variables rather than their
	// zero values, so every task sees the live collaborator by the time it
	// actually runs.
	var coordinator *ingest.Coordinator
	var pollHandler *poller.Handler

	execPool := executor.NewPool(ctx, cfg.Executor.Workers, cfg.Executor.QueueCapacity, map[executor.TaskKind]executor.Handler{
		executor.IndexDocument:        func(ctx context.Context, t executor.Task) error { return coordinator.RunIndexTask(ctx, t) },
		executor.EvictDocumentVectors: func(ctx context.Context, t executor.Task) error { return coordinator.RunEvictTask(ctx, t) },
		executor.RunSchedulerJob:      func(ctx context.Context, t executor.Task) error { return pollHandler.Run(ctx, t) },
	}, logging.Component(log, "executor"))

	coordinator = ingest.New(store, deduper, splitter, embedder, vectors, execPool, logging.Component(log, "ingest"))
	pollHandler = poller.New(store, coordinator, crawler, scraper, vectors, logging.Component(log, "poller"))

	dispatcher := scheduler.New(store, execPool, cfg.Scheduler.RSSDefaultCadenceS, cfg.Scheduler.WebSweepHour, cfg.Scheduler.MaintenanceDOW, logging.Component(log, "scheduler"))
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	api := httpapi.NewServer(store, coordinator, pipeline, execPool, cfg.Upload.MaxBytes, logging.Component(log, "httpapi"))
	handler := otelhttp.NewHandler(api, "newsvault")

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Info().Str("addr", addr).Msg("newsvault listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	dispatcher.Stop()
	execPool.Shutdown()
	log.Info().Msg("newsvault stopped")
}
