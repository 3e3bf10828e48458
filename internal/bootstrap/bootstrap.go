// Package bootstrap builds the shared dependencies of the binaries from config.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"enrichment-orchestrator/internal/config"
	"enrichment-orchestrator/internal/publisher"
	"enrichment-orchestrator/internal/store"
	"enrichment-orchestrator/internal/store/gormstore"
	"enrichment-orchestrator/internal/store/pgstore"
)

// OpenStore connects the backend named by STORE_DRIVER and migrates it.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch strings.ToLower(cfg.StoreDriver) {
	case "postgres", "":
		st, err = pgstore.New(ctx, cfg.PostgresDSN, int32(cfg.PostgresMax))
	case "sqlite":
		st, err = gormstore.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

func RedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Sinks builds the publisher sinks listed in PUBLISH_SINKS. The returned
// closer shuts down broker connections.
func Sinks(cfg config.Config, client *redis.Client) ([]publisher.Sink, func(), error) {
	var (
		sinks   []publisher.Sink
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, name := range cfg.PublishSinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "redis":
			sinks = append(sinks, publisher.NewRedisSink(client))
		case "amqp":
			sink, err := publisher.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			sinks = append(sinks, sink)
			closers = append(closers, func() {
				if err := sink.Close(); err != nil {
					log.Warn().Err(err).Msg("close amqp sink")
				}
			})
		case "":
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown publish sink %q", name)
		}
	}
	return sinks, closeAll, nil
}
