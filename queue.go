package redqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aura-studio/redqueue/heartbeat"
)

// QueueDriver serves priority queues stored as Redis lists, sets or
// sorted sets. One queue key exists per priority.
type QueueDriver struct {
	*base
	backend     backend
	reliability reliability
}

var (
	_ Driver             = (*QueueDriver)(nil)
	_ QueueAware         = (*QueueDriver)(nil)
	_ Forkable           = (*QueueDriver)(nil)
	_ MessageReliability = (*QueueDriver)(nil)
)

// NewListDriver returns a FIFO driver with key registered at DefaultPriority.
func NewListDriver(cmd redis.Cmdable, key string, opts ...Option) (*QueueDriver, error) {
	return newQueueDriver(cmd, key, listBackend{}, opts)
}

// NewSetDriver returns a driver without ordering within a priority.
func NewSetDriver(cmd redis.Cmdable, key string, opts ...Option) (*QueueDriver, error) {
	return newQueueDriver(cmd, key, setBackend{}, opts)
}

// NewSortedSetDriver returns a driver ordering each priority by execution time.
func NewSortedSetDriver(cmd redis.Cmdable, key string, opts ...Option) (*QueueDriver, error) {
	return newQueueDriver(cmd, key, sortedSetBackend{}, opts)
}

func newQueueDriver(cmd redis.Cmdable, key string, be backend, opts []Option) (*QueueDriver, error) {
	if cmd == nil {
		return nil, errors.New("redqueue: nil redis client")
	}
	d := &QueueDriver{
		base:        newBase(cmd, be.kind(), opts),
		backend:     be,
		reliability: noReliability{},
	}
	if err := d.queues.Set(key, DefaultPriority); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *QueueDriver) SetupPriorityQueue(_ context.Context, name string, priority int) error {
	return d.queues.Set(name, priority)
}

// EnableReliableMessageHandling records ownership of every message under
// the monitor hash prefix. Messages of workers whose agent key outlives ttl
// are handed to emitter by any worker sharing the prefix.
func (d *QueueDriver) EnableReliableMessageHandling(prefix string, emitter Emitter, ttl time.Duration) error {
	if !d.backend.reliable() {
		return fmt.Errorf("%w: %s driver cannot track popped messages", ErrNotSupported, d.backend.kind())
	}
	if prefix == "" {
		return errors.New("redqueue: empty monitor prefix")
	}
	if emitter == nil {
		return errors.New("redqueue: nil emitter")
	}
	if ttl <= 0 {
		ttl = d.opt.KeepAliveTTL
	}
	d.reliability = newReliabilityMonitor(d.base, prefix, emitter, ttl)
	return nil
}

// Reliability returns the ownership monitor, or nil when reliable handling
// is disabled.
func (d *QueueDriver) Reliability() *ReliabilityMonitor {
	rm, _ := d.reliability.(*ReliabilityMonitor)
	return rm
}

// Emit makes the driver usable as its own recovery emitter.
func (d *QueueDriver) Emit(ctx context.Context, msg *Message, priority int) error {
	return d.Send(ctx, msg, priority)
}

func (d *QueueDriver) Send(ctx context.Context, msg *Message, priority int) error {
	key, err := d.queues.Key(priority)
	if err != nil {
		return err
	}
	body, err := d.opt.Serializer.Serialize(msg)
	if err != nil {
		return err
	}
	now := time.Now()
	if msg.Delayed(now) {
		if !d.opt.DelayedQueues {
			return fmt.Errorf("%w: message %s", ErrDelayNotConfigured, msg.ID)
		}
		z := redis.Z{Score: msg.executeScore(now), Member: body}
		if err := d.cmd.ZAdd(ctx, delayedKey(key), z).Err(); err != nil {
			return fmt.Errorf("send delayed %s: %w", key, err)
		}
		return nil
	}
	if err := d.backend.push(ctx, d.cmd, key, body, msg.executeScore(now)); err != nil {
		return fmt.Errorf("send %s: %w", key, err)
	}
	d.publish(ctx, EventSent, key, msg.ID, priority)
	return nil
}

func (d *QueueDriver) Wait(ctx context.Context, callback Callback, priorities []int) error {
	queues, err := d.queues.filter(priorities)
	if err != nil {
		return err
	}
	d.writer.setDriver(d)
	defer d.writer.clear()
	defer d.reliability.release(context.WithoutCancel(ctx))

	wake, stopWake := d.watchWake(ctx, queues)
	defer stopWake()

	startedAt := time.Now()
	for {
		if err := d.checkLiveness(ctx, startedAt); err != nil {
			return d.stop(ctx, err)
		}
		if !d.shouldProcessNext() {
			return nil
		}
		d.promoteDelayed(ctx, queues)
		if _, err := d.reliability.recoverOrphans(ctx); err != nil {
			d.log.Warn().Err(err).Msg("orphan recovery failed")
		}
		d.reliability.record(ctx, nil, 0)

		msg, q, err := d.next(ctx, queues, startedAt)
		if err != nil {
			if IsTerminal(err) {
				return d.stop(ctx, err)
			}
			return err
		}
		if msg != nil {
			if err := d.process(ctx, callback, msg, q); err != nil {
				return d.stop(ctx, err)
			}
			continue
		}

		if d.opt.RefreshInterval > 0 {
			if err := d.checkLiveness(ctx, startedAt); err != nil {
				return d.stop(ctx, err)
			}
			d.ping(ctx, heartbeat.StatusIdle)
			if err := d.idle(ctx, wake); err != nil {
				return d.stop(ctx, err)
			}
		}
	}
}

// next pops one message from the highest-priority non-empty queue.
// Malformed entries are discarded. Liveness is checked again before each
// lower-priority queue.
func (d *QueueDriver) next(ctx context.Context, queues []queueEntry, startedAt time.Time) (*Message, queueEntry, error) {
	for i, q := range queues {
		if i > 0 {
			if err := d.checkLiveness(ctx, startedAt); err != nil {
				return nil, q, err
			}
		}
		for skips := 0; skips < maxSkips; skips++ {
			if err := ctx.Err(); err != nil {
				return nil, q, err
			}
			body, ok, err := d.backend.pop(ctx, d.cmd, q.name)
			if err != nil {
				return nil, q, fmt.Errorf("receive %s: %w", q.name, err)
			}
			if !ok {
				break
			}
			msg, err := d.opt.Serializer.Deserialize(body)
			if err != nil {
				d.log.Warn().Err(err).Str("queue", q.name).Msg("discarding malformed message")
				d.publish(ctx, EventDiscarded, q.name, "", q.priority)
				continue
			}
			return msg, q, nil
		}
	}
	return nil, queueEntry{}, nil
}

// process runs callback for msg. Only terminal errors are returned.
func (d *QueueDriver) process(ctx context.Context, callback Callback, msg *Message, q queueEntry) error {
	d.ping(ctx, heartbeat.StatusProcessing)
	d.publish(ctx, EventReceived, q.name, msg.ID, q.priority)
	d.writer.setMessage(msg, q.priority)

	err := d.reliability.monitor(ctx, msg, q.priority, func(ctx context.Context) error {
		return d.supervise(ctx, func(ctx context.Context) error {
			return callback(withAccessor(ctx, d.accessor), msg, q.priority)
		})
	})
	d.writer.clear()
	d.processed.Add(1)

	if err != nil {
		if IsTerminal(err) {
			return err
		}
		d.log.Warn().Err(err).Str("queue", q.name).Str("message_id", msg.ID).Msg("callback failed")
	} else {
		d.publish(ctx, EventProcessed, q.name, msg.ID, q.priority)
	}
	// an operator may have killed the process while the callback ran
	if err := d.checkKilled(ctx); err != nil {
		return err
	}
	d.ping(ctx, heartbeat.StatusIdle)
	return nil
}

// promoteDelayed moves due messages of each served queue out of its delayed zset.
func (d *QueueDriver) promoteDelayed(ctx context.Context, queues []queueEntry) {
	if !d.opt.DelayedQueues {
		return
	}
	promote(ctx, d.base, d.backend.promoter(), queues)
}

func promote(ctx context.Context, b *base, script *redis.Script, queues []queueEntry) {
	now := time.Now().UnixMicro()
	for _, q := range queues {
		moved, err := script.Run(ctx, b.cmd, []string{delayedKey(q.name), q.name}, now, b.opt.PromoteBatch).Int64()
		if err != nil {
			b.log.Debug().Err(err).Str("queue", q.name).Msg("promote delayed messages")
			continue
		}
		if moved > 0 {
			b.publish(ctx, EventPromoted, q.name, "", q.priority)
		}
	}
}

// PromoteDue moves every due delayed message into its live queue.
func (d *QueueDriver) PromoteDue(ctx context.Context) {
	queues, _ := d.queues.filter(nil)
	promote(ctx, d.base, d.backend.promoter(), queues)
}

func (d *QueueDriver) refreshStatus(ctx context.Context, msg *Message, _ *Envelope, priority int) {
	d.reliability.record(ctx, msg, priority)
}

func (d *QueueDriver) writeProcessingStatus(ctx context.Context, ps *ProcessingStatus) {
	d.reliability.processingStatus(ctx, ps)
}
