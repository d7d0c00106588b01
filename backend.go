package redqueue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// backend is the Redis structure behind a QueueDriver.
type backend interface {
	kind() string
	push(ctx context.Context, cmd redis.Cmdable, key, body string, score float64) error
	// pop removes one entry; ok is false when the queue is empty.
	pop(ctx context.Context, cmd redis.Cmdable, key string) (body string, ok bool, err error)
	promoter() *redis.Script
	// reliable reports whether ownership can be recorded for popped entries.
	reliable() bool
}

// listBackend is FIFO: RPUSH / LPOP.
type listBackend struct{}

func (listBackend) kind() string { return "list" }

func (listBackend) push(ctx context.Context, cmd redis.Cmdable, key, body string, _ float64) error {
	return cmd.RPush(ctx, key, body).Err()
}

func (listBackend) pop(ctx context.Context, cmd redis.Cmdable, key string) (string, bool, error) {
	return popResult(cmd.LPop(ctx, key).Result())
}

func (listBackend) promoter() *redis.Script { return promoteListScript }
func (listBackend) reliable() bool          { return true }

// setBackend is unordered: SADD / SPOP. It cannot guarantee delivery of a
// popped entry, so reliability is not offered.
type setBackend struct{}

func (setBackend) kind() string { return "set" }

func (setBackend) push(ctx context.Context, cmd redis.Cmdable, key, body string, _ float64) error {
	return cmd.SAdd(ctx, key, body).Err()
}

func (setBackend) pop(ctx context.Context, cmd redis.Cmdable, key string) (string, bool, error) {
	return popResult(cmd.SPop(ctx, key).Result())
}

func (setBackend) promoter() *redis.Script { return promoteSetScript }
func (setBackend) reliable() bool          { return false }

// sortedSetBackend orders by execution time: ZADD score / ZPOPMIN.
type sortedSetBackend struct{}

func (sortedSetBackend) kind() string { return "sortedset" }

func (sortedSetBackend) push(ctx context.Context, cmd redis.Cmdable, key, body string, score float64) error {
	return cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: body}).Err()
}

func (sortedSetBackend) pop(ctx context.Context, cmd redis.Cmdable, key string) (string, bool, error) {
	zs, err := cmd.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return popResult("", err)
	}
	if len(zs) == 0 {
		return "", false, nil
	}
	s, _ := zs[0].Member.(string)
	return s, true, nil
}

func (sortedSetBackend) promoter() *redis.Script { return promoteSortedSetScript }
func (sortedSetBackend) reliable() bool          { return true }

func popResult(s string, err error) (string, bool, error) {
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}
