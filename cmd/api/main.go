package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/api"
	"enrichment-orchestrator/internal/artifacts"
	"enrichment-orchestrator/internal/bootstrap"
	"enrichment-orchestrator/internal/config"
	"enrichment-orchestrator/internal/errorqueue"
	"enrichment-orchestrator/internal/logging"
	"enrichment-orchestrator/internal/ratelimit"
	"enrichment-orchestrator/internal/scheduler"
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
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	control := scheduler.NewControl(st, artifacts.NewCSVSource(objects, cfg.ArtifactMaxBytes), cfg.DefaultMaxRetries)
	server := api.New(st, control, errorqueue.New(st), limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
