package redqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aura-studio/redqueue/heartbeat"
)

// StreamGroup is the consumer group every stream queue is read through.
const StreamGroup = "consumers"

// StreamDriver serves priority queues stored as Redis streams read through
// one consumer group. Each driver instance is a distinct consumer, tracked
// by a StreamConsumerMonitor so entries of dead consumers are claimed.
type StreamDriver struct {
	*base
	monitor *StreamConsumerMonitor
}

var (
	_ Driver          = (*StreamDriver)(nil)
	_ QueueAware      = (*StreamDriver)(nil)
	_ Forkable        = (*StreamDriver)(nil)
	_ MonitoredStream = (*StreamDriver)(nil)
)

// NewStreamDriver creates the stream and group of key (registered at
// DefaultPriority) and tracks consumers in the monitor hash monitorKey.
// Delayed delivery is always enabled.
func NewStreamDriver(ctx context.Context, cmd redis.Cmdable, key, monitorKey string, opts ...Option) (*StreamDriver, error) {
	if cmd == nil {
		return nil, errors.New("redqueue: nil redis client")
	}
	if strings.TrimSpace(monitorKey) == "" {
		return nil, errors.New("redqueue: empty monitor key")
	}
	b := newBase(cmd, "stream", opts)
	b.opt.DelayedQueues = true
	d := &StreamDriver{
		base:    b,
		monitor: newStreamConsumerMonitor(b, monitorKey, uuid.NewString(), b.opt.KeepAliveTTL),
	}
	if err := d.SetupPriorityQueue(ctx, key, DefaultPriority); err != nil {
		return nil, err
	}
	return d, nil
}

// Consumer is this driver's consumer name within StreamGroup.
func (d *StreamDriver) Consumer() string { return d.monitor.consumer }

// Monitor returns the consumer monitor of this driver.
func (d *StreamDriver) Monitor() *StreamConsumerMonitor { return d.monitor }

// SetupPriorityQueue registers name and ensures its stream and group exist.
func (d *StreamDriver) SetupPriorityQueue(ctx context.Context, name string, priority int) error {
	if err := d.queues.Set(name, priority); err != nil {
		return err
	}
	res, err := createGroupScript.Run(ctx, d.cmd, []string{name}, StreamGroup).Slice()
	if err != nil {
		return fmt.Errorf("create group %s: %w", name, err)
	}
	if len(res) == 2 {
		if ok, _ := res[0].(int64); ok == 0 {
			detail, _ := res[1].(string)
			if !strings.Contains(detail, "BUSYGROUP") {
				return fmt.Errorf("create group %s: %s", name, detail)
			}
		}
	}
	return nil
}

// Reconcile repairs the group membership of every registered stream
// against the monitor hash. Wait does this on every iteration.
func (d *StreamDriver) Reconcile(ctx context.Context) {
	queues, _ := d.queues.filter(nil)
	d.monitor.reconcile(ctx, queues)
}

func (d *StreamDriver) SetMaximumXClaims(n int) error {
	return d.monitor.setMaxClaims(n)
}

// Emit makes the driver usable as an Emitter.
func (d *StreamDriver) Emit(ctx context.Context, msg *Message, priority int) error {
	return d.Send(ctx, msg, priority)
}

func (d *StreamDriver) Send(ctx context.Context, msg *Message, priority int) error {
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
		z := redis.Z{Score: msg.executeScore(now), Member: body}
		if err := d.cmd.ZAdd(ctx, delayedKey(key), z).Err(); err != nil {
			return fmt.Errorf("send delayed %s: %w", key, err)
		}
		return nil
	}
	err = d.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"body": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("send %s: %w", key, err)
	}
	d.publish(ctx, EventSent, key, msg.ID, priority)
	return nil
}

func (d *StreamDriver) Wait(ctx context.Context, callback Callback, priorities []int) error {
	queues, err := d.queues.filter(priorities)
	if err != nil {
		return err
	}
	if err := d.register(ctx, queues); err != nil {
		return err
	}
	d.writer.setDriver(d)
	defer d.writer.clear()
	defer d.deregister(context.WithoutCancel(ctx), queues)

	wake, stopWake := d.watchWake(ctx, queues)
	defer stopWake()

	// A single queue can block in XREADGROUP instead of sleeping.
	blocking := len(queues) == 1 && d.opt.RefreshInterval > 0

	d.ping(ctx, heartbeat.StatusIdle)
	startedAt := time.Now()
	for {
		d.monitor.updateEnvelopeStatus(ctx, nil, false)
		if err := d.checkLiveness(ctx, startedAt); err != nil {
			return d.stop(ctx, err)
		}
		if !d.shouldProcessNext() {
			return nil
		}
		d.monitor.reconcile(ctx, queues)
		promote(ctx, d.base, promoteStreamScript, queues)

		env, err := d.receive(ctx, queues, blocking, startedAt)
		if err != nil {
			if IsTerminal(err) {
				return d.stop(ctx, err)
			}
			return err
		}
		if env != nil {
			if err := d.process(ctx, callback, env); err != nil {
				return d.stop(ctx, err)
			}
			continue
		}

		if !blocking && d.opt.RefreshInterval > 0 {
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

// register claims this consumer's monitor row and creates the consumer in
// every served group. Both fail when the consumer already exists.
func (d *StreamDriver) register(ctx context.Context, queues []queueEntry) error {
	if !d.monitor.updateEnvelopeStatus(ctx, nil, true) {
		return fmt.Errorf("%w: %s in %s", ErrDuplicateConsumer, d.monitor.consumer, d.monitor.keys.hash())
	}
	for _, q := range queues {
		created, err := d.cmd.XGroupCreateConsumer(ctx, q.name, StreamGroup, d.monitor.consumer).Result()
		if err != nil {
			return fmt.Errorf("create consumer in %s: %w", q.name, err)
		}
		if created == 0 {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateConsumer, d.monitor.consumer, q.name)
		}
	}
	return nil
}

func (d *StreamDriver) deregister(ctx context.Context, queues []queueEntry) {
	for _, q := range queues {
		d.monitor.deleteConsumer(ctx, q.name, d.monitor.consumer)
	}
	d.monitor.release(ctx)
}

// receive returns the next envelope: a claimed orphan first, then new
// entries in priority order. Liveness is checked again before each
// lower-priority queue.
func (d *StreamDriver) receive(ctx context.Context, queues []queueEntry, blocking bool, startedAt time.Time) (*Envelope, error) {
	if env := d.monitor.claimOrphans(ctx, queues); env != nil {
		return env, nil
	}
	block := time.Duration(-1)
	if blocking {
		block = d.opt.RefreshInterval
	}
	for i, q := range queues {
		if i > 0 {
			if err := d.checkLiveness(ctx, startedAt); err != nil {
				return nil, err
			}
		}
		for skips := 0; skips < maxSkips; skips++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := d.cmd.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    StreamGroup,
				Consumer: d.monitor.consumer,
				Streams:  []string{q.name, ">"},
				Count:    1,
				Block:    block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("receive %s: %w", q.name, err)
			}
			if len(res) == 0 || len(res[0].Messages) == 0 {
				break
			}
			entry := res[0].Messages[0]
			msg, err := d.decodeEntry(entry)
			if err != nil {
				d.log.Warn().Err(err).Str("queue", q.name).Str("entry", entry.ID).Msg("discarding malformed entry")
				d.monitor.discard(ctx, q.name, entry.ID)
				d.publish(ctx, EventDiscarded, q.name, "", q.priority)
				continue
			}
			return &Envelope{
				Queue:    q.name,
				EntryID:  entry.ID,
				Group:    StreamGroup,
				Consumer: d.monitor.consumer,
				Message:  msg,
				Priority: q.priority,
			}, nil
		}
	}
	return nil, nil
}

func (d *StreamDriver) decodeEntry(entry redis.XMessage) (*Message, error) {
	body, ok := entry.Values["body"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: entry %s has no body", ErrMalformedMessage, entry.ID)
	}
	return d.opt.Serializer.Deserialize(body)
}

// process runs callback for env and finishes the entry whatever the
// outcome. Only terminal errors are returned.
func (d *StreamDriver) process(ctx context.Context, callback Callback, env *Envelope) error {
	d.ping(ctx, heartbeat.StatusProcessing)
	d.publish(ctx, EventReceived, env.Queue, env.Message.ID, env.Priority)

	err := d.supervise(ctx, func(ctx context.Context) error {
		return d.monitorEnvelope(ctx, callback, env)
	})
	d.processed.Add(1)
	d.finish(context.WithoutCancel(ctx), env)
	d.monitor.updateEnvelopeStatus(context.WithoutCancel(ctx), nil, false)

	if err != nil {
		if IsTerminal(err) {
			return err
		}
		d.log.Warn().Err(err).Str("queue", env.Queue).Str("entry", env.EntryID).Msg("callback failed")
	} else {
		d.publish(ctx, EventProcessed, env.Queue, env.Message.ID, env.Priority)
	}
	// an operator may have killed the process while the callback ran
	if err := d.checkKilled(ctx); err != nil {
		return err
	}
	d.ping(ctx, heartbeat.StatusIdle)
	return nil
}

func (d *StreamDriver) monitorEnvelope(ctx context.Context, callback Callback, env *Envelope) error {
	d.writer.setEnvelope(env)
	d.monitor.updateProcessingStatus(ctx, nil)
	defer func() {
		d.monitor.updateProcessingStatus(context.WithoutCancel(ctx), nil)
		d.writer.clear()
	}()

	d.monitor.updateEnvelopeStatus(ctx, env, false)
	err := keepAlive(ctx, d.watchdogInterval(d.monitor.ttl), func(ctx context.Context) {
		d.monitor.updateEnvelopeStatus(ctx, env, false)
	}, func(ctx context.Context) error {
		return callback(withAccessor(ctx, d.accessor), env.Message, env.Priority)
	})
	d.monitor.updateEnvelopeStatus(context.WithoutCancel(ctx), nil, false)
	return err
}

// finish acknowledges and deletes the entry.
func (d *StreamDriver) finish(ctx context.Context, env *Envelope) {
	d.monitor.discard(ctx, env.Queue, env.EntryID)
}

func (d *StreamDriver) refreshStatus(ctx context.Context, _ *Message, env *Envelope, _ int) {
	if env != nil {
		d.monitor.updateEnvelopeStatus(ctx, env, false)
	}
}

func (d *StreamDriver) writeProcessingStatus(ctx context.Context, ps *ProcessingStatus) {
	d.monitor.updateProcessingStatus(ctx, ps)
}
