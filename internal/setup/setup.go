// Package setup turns a config.Config into live redqueue components.
package setup

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/heartbeat"
	"github.com/aura-studio/redqueue/internal/config"
)

// NewLogger builds a zerolog logger writing to w. An unknown level falls
// back to info.
func NewLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewRedisClient returns a cluster client when several addresses are
// configured and a single-node client otherwise.
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Options maps cfg onto driver options. Heartbeat and shutdown always
// share the worker's Redis.
func Options(cfg config.Config, client redis.UniversalClient, logger zerolog.Logger) []redqueue.Option {
	opts := []redqueue.Option{
		redqueue.WithLogger(logger),
		redqueue.WithTriggerClient(client),
		redqueue.WithPrefix(cfg.EventPrefix),
		redqueue.WithRefreshInterval(cfg.RefreshInterval()),
		redqueue.WithHeartbeat(heartbeat.NewRedisStorage(client, cfg.HeartbeatKey)),
		redqueue.WithShutdown(redqueue.NewRedisShutdown(client, cfg.ShutdownKey)),
		redqueue.WithMaxItems(cfg.Worker.MaxItems),
		redqueue.WithMaxClaims(cfg.Monitor.MaxClaims),
		redqueue.WithForkProcess(cfg.Worker.ForkProcess),
	}
	if cfg.Monitor.KeepAliveTTLSec > 0 {
		opts = append(opts, redqueue.WithKeepAliveTTL(cfg.KeepAliveTTL()))
	}
	if cfg.Worker.DelayedQueues {
		opts = append(opts, redqueue.WithDelayedQueues())
	}
	return opts
}

// BuildDriver creates the configured driver, registers every configured
// queue and enables reliable handling when asked to.
func BuildDriver(ctx context.Context, cfg config.Config, client redis.UniversalClient, logger zerolog.Logger) (redqueue.Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := Options(cfg, client, logger)

	var (
		drv redqueue.Driver
		err error
	)
	switch cfg.Driver {
	case config.DriverList:
		drv, err = redqueue.NewListDriver(client, cfg.Queue, opts...)
	case config.DriverSet:
		drv, err = redqueue.NewSetDriver(client, cfg.Queue, opts...)
	case config.DriverSortedSet:
		drv, err = redqueue.NewSortedSetDriver(client, cfg.Queue, opts...)
	case config.DriverStream:
		drv, err = redqueue.NewStreamDriver(ctx, client, cfg.Queue, cfg.Monitor.Key, opts...)
	default:
		err = fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	for _, q := range cfg.Queues {
		if err := drv.SetupPriorityQueue(ctx, q.Name, q.Priority); err != nil {
			return nil, fmt.Errorf("setup queue %s: %w", q.Name, err)
		}
	}

	if cfg.Monitor.Reliable {
		if r, ok := drv.(redqueue.MessageReliability); ok {
			emitter, _ := drv.(redqueue.Emitter)
			if err := r.EnableReliableMessageHandling(cfg.Monitor.Key, emitter, cfg.KeepAliveTTL()); err != nil {
				return nil, err
			}
		}
	}
	return drv, nil
}

// Factory returns a pool factory building one driver per worker, each
// logging with its worker index.
func Factory(cfg config.Config, client redis.UniversalClient, logger zerolog.Logger) redqueue.DriverFactory {
	return func(ctx context.Context, worker int) (redqueue.Driver, error) {
		return BuildDriver(ctx, cfg, client, logger.With().Int("worker", worker).Logger())
	}
}

// Priorities lists the configured priorities including DefaultPriority,
// which always carries cfg.Queue.
func Priorities(cfg config.Config) []int {
	seen := map[int]bool{redqueue.DefaultPriority: true}
	out := []int{redqueue.DefaultPriority}
	for _, q := range cfg.Queues {
		if !seen[q.Priority] {
			seen[q.Priority] = true
			out = append(out, q.Priority)
		}
	}
	return out
}
