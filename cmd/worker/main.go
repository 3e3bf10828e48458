package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/artifacts"
	"enrichment-orchestrator/internal/bootstrap"
	"enrichment-orchestrator/internal/config"
	"enrichment-orchestrator/internal/enrich"
	"enrichment-orchestrator/internal/errorqueue"
	"enrichment-orchestrator/internal/lease"
	"enrichment-orchestrator/internal/logging"
	"enrichment-orchestrator/internal/publisher"
	"enrichment-orchestrator/internal/scheduler"
	"enrichment-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.Env, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	objects, err := artifacts.NewStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}

	rdb := bootstrap.RedisClient(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	sinks, closeSinks, err := bootstrap.Sinks(cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("init publish sinks")
	}
	defer closeSinks()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	enricher := enrich.NewHTTPClient(cfg)
	errQueue := errorqueue.New(st)
	sched := scheduler.New(st, lease.NewManager(rdb, cfg.LeaseTTL), errQueue, enricher, artifacts.NewCSVSource(objects, cfg.ArtifactMaxBytes), scheduler.Options{
		WorkerID:             workerID,
		ItemConcurrency:      cfg.ItemConcurrency,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		FailureRateThreshold: cfg.FailureRateThreshold,
	})
	pool := scheduler.NewPool(sched, cfg.WorkerConcurrency, cfg.WorkerPollInterval, cfg.LeaseTTL/2)
	retries := errorqueue.NewRetryWorker(st, errQueue, enricher, cfg.RetryBatchSize, cfg.RetryPollInterval)
	relay := publisher.NewRelay(st, publisher.New(publisher.NewDedup(rdb, cfg.DedupTTL), sinks...), rdb, cfg.RelayBatchSize, cfg.RelayPollInterval)

	maintenance := cron.New()
	_, err = maintenance.AddFunc(cfg.MaintenanceSchedule, func() {
		if n, err := errQueue.ReleaseStale(ctx, cfg.RetryClaimTimeout); err != nil {
			log.Error().Err(err).Msg("release stale retries")
		} else if n > 0 {
			log.Info().Int64("released", n).Msg("stale retries returned to pending")
		}
		if n, err := errQueue.Purge(ctx, cfg.ErrorRetention); err != nil {
			log.Error().Err(err).Msg("purge error queue")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("error queue purged")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.MaintenanceSchedule).Msg("invalid maintenance schedule")
	}
	maintenance.Start()
	defer func() { <-maintenance.Stop().Done() }()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("worker_id", workerID).Int("workers", cfg.WorkerConcurrency).Int("item_concurrency", cfg.ItemConcurrency).
		Dur("lease_ttl", cfg.LeaseTTL).Int("error_max_auto_retries", cfg.ErrorMaxAutoRetries).Strs("sinks", cfg.PublishSinks).Msg("worker started")

	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context) error{
		"pool":  pool.Run,
		"retry": retries.Run,
		"relay": relay.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("component", name).Msg("stopped")
			}
		}()
	}
	wg.Wait()
	log.Info().Msg("worker stopped")
}
