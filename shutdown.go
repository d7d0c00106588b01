package redqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultShutdownKey is where RedisShutdown keeps its timestamp.
const DefaultShutdownKey = "redqueue_shutdown"

// Shutdown tells a Wait loop started at startedAt whether it must exit.
type Shutdown interface {
	ShouldShutdown(ctx context.Context, startedAt time.Time) (bool, error)
}

// RedisShutdown stores one shutdown timestamp (unix seconds) at a key.
// Loops started after the timestamp, or before a timestamp that is still
// in the future, keep running.
type RedisShutdown struct {
	cmd redis.Cmdable
	key string
}

func NewRedisShutdown(cmd redis.Cmdable, key string) *RedisShutdown {
	if key == "" {
		key = DefaultShutdownKey
	}
	return &RedisShutdown{cmd: cmd, key: key}
}

func (s *RedisShutdown) ShouldShutdown(ctx context.Context, startedAt time.Time) (bool, error) {
	at, err := s.RequestedAt(ctx)
	if err != nil || at.IsZero() {
		return false, err
	}
	if at.After(time.Now()) {
		return false, nil
	}
	return !at.Before(startedAt.Truncate(time.Second)), nil
}

// RequestedAt returns the stored shutdown time or the zero time when none is set.
func (s *RedisShutdown) RequestedAt(ctx context.Context) (time.Time, error) {
	v, err := s.cmd.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redqueue: invalid shutdown timestamp %q: %w", v, err)
	}
	return time.Unix(sec, 0), nil
}

// Request asks every loop started no later than at to stop.
func (s *RedisShutdown) Request(ctx context.Context, at time.Time) error {
	return s.cmd.Set(ctx, s.key, strconv.FormatInt(at.Unix(), 10), 0).Err()
}

// Clear removes a pending shutdown request.
func (s *RedisShutdown) Clear(ctx context.Context) error {
	return s.cmd.Del(ctx, s.key).Err()
}
