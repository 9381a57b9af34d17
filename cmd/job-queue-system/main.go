// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huggingface/datasets-server/internal/api"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/config"
	"github.com/huggingface/datasets-server/internal/datasetstate"
	"github.com/huggingface/datasets-server/internal/eventbus"
	"github.com/huggingface/datasets-server/internal/graph"
	"github.com/huggingface/datasets-server/internal/hub"
	"github.com/huggingface/datasets-server/internal/mediaurl"
	"github.com/huggingface/datasets-server/internal/obs"
	"github.com/huggingface/datasets-server/internal/orchestrator"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/huggingface/datasets-server/internal/planner"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"github.com/huggingface/datasets-server/internal/reaper"
	"github.com/huggingface/datasets-server/internal/redisclient"
	"github.com/huggingface/datasets-server/internal/steps"
	"github.com/huggingface/datasets-server/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|orchestrator|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLoggerToFile(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	g, err := pipeline.Graph()
	if err != nil {
		logger.Fatal("build step graph", obs.Err(err))
	}
	cacheStore, err := cache.New(rdb)
	if err != nil {
		logger.Fatal("build cache store", obs.Err(err))
	}
	queueStore := queuestore.New(rdb, cfg.Queue.TTL)
	reader := datasetstate.NewReader(cacheStore, queueStore, g)
	hubClient := hub.NewMemo(hub.NewHTTPClient(cfg.Hub), cfg.Tick.HubMemoTTL)

	obs.StartQueueDepthUpdater(ctx, 5*time.Second, g.AllSteps(), queueStore.Depth, logger)

	switch role {
	case "api":
		runAPI(ctx, cfg, cacheStore, queueStore, g, hubClient, logger)
	case "worker":
		runWorker(ctx, cfg, cacheStore, queueStore, g, reader, hubClient, logger)
	case "orchestrator":
		runOrchestrator(ctx, cfg, cacheStore, queueStore, g, hubClient, logger)
		<-ctx.Done()
	case "all":
		go runWorker(ctx, cfg, cacheStore, queueStore, g, reader, hubClient, logger)
		go runOrchestrator(ctx, cfg, cacheStore, queueStore, g, hubClient, logger)
		runAPI(ctx, cfg, cacheStore, queueStore, g, hubClient, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAPI(ctx context.Context, cfg *config.Config, c *cache.Store, q *queuestore.Store, g *graph.Graph, h hub.Client, log *zap.Logger) {
	pl := planner.New(datasetstate.NewReader(c, q, g), q, g)
	orch := orchestrator.New(h, c, q, pl, log)
	srv := api.New(cfg, orch, log)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Start(); err != nil && ctx.Err() == nil {
		log.Fatal("api server error", obs.Err(err))
	}
}

func runWorker(ctx context.Context, cfg *config.Config, c *cache.Store, q *queuestore.Store, g *graph.Graph, reader *datasetstate.Reader, h hub.Client, log *zap.Logger) {
	presigner, err := mediaurl.New(cfg)
	if err != nil {
		log.Fatal("build media presigner", obs.Err(err))
	}
	registry := steps.DefaultRegistry(cfg.API.MaxRowsPerPage, presigner)
	events, err := eventbus.New(cfg, log)
	if err != nil {
		log.Fatal("build event bus publisher", obs.Err(err))
	}
	defer events.Close()

	wrk := worker.New(cfg, c, q, g, registry, reader, h, events, log)
	rep := reaper.New(cfg, q, log)
	go rep.Run(ctx)
	if err := wrk.Run(ctx); err != nil {
		log.Fatal("worker error", obs.Err(err))
	}
}

func runOrchestrator(ctx context.Context, cfg *config.Config, c *cache.Store, q *queuestore.Store, g *graph.Graph, h hub.Client, log *zap.Logger) {
	pl := planner.New(datasetstate.NewReader(c, q, g), q, g)
	orch := orchestrator.New(h, c, q, pl, log)
	sample := newSampleFunc(c, h, cfg.Tick.SampleSize)
	sched, err := orchestrator.NewScheduler(orch, sample, cfg.Tick.Schedule, log)
	if err != nil {
		log.Fatal("build tick scheduler", obs.Err(err))
	}
	sched.Start()
	go func() {
		<-ctx.Done()
		sched.Stop()
	}()
}

// newSampleFunc builds the Tick pass's dataset sample out of whatever
// datasets already have a cache footprint, bounded by sampleSize the
// way the reaper bounds its own zombie scan batch.
func newSampleFunc(c *cache.Store, h hub.Client, sampleSize int) orchestrator.SampleFunc {
	return func(ctx context.Context) ([]orchestrator.DatasetSample, error) {
		datasets, err := c.Datasets(ctx)
		if err != nil {
			return nil, err
		}
		if len(datasets) > sampleSize {
			datasets = datasets[:sampleSize]
		}
		samples := make([]orchestrator.DatasetSample, 0, len(datasets))
		for _, dataset := range datasets {
			rev, err := h.Revision(ctx, dataset)
			if err != nil {
				continue
			}
			samples = append(samples, orchestrator.DatasetSample{Dataset: dataset, Revision: rev})
		}
		return samples, nil
	}
}
