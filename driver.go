package redqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aura-studio/redqueue/heartbeat"
)

// Callback handles one message. Returning an error marks the attempt as
// failed; the message is not redelivered. Terminal errors (see IsTerminal)
// stop the Wait loop.
type Callback func(ctx context.Context, msg *Message, priority int) error

// Driver is the contract shared by every Redis structure backend.
type Driver interface {
	// SetupPriorityQueue registers name as the queue of priority.
	SetupPriorityQueue(ctx context.Context, name string, priority int) error
	// Send enqueues msg at priority.
	Send(ctx context.Context, msg *Message, priority int) error
	// Wait blocks processing messages from the given priorities (all
	// registered ones when empty), highest first, until ctx is done,
	// shutdown or kill is requested, or the max-items limit is reached.
	Wait(ctx context.Context, callback Callback, priorities []int) error
}

// Emitter re-submits messages recovered from dead workers.
type Emitter interface {
	Emit(ctx context.Context, msg *Message, priority int) error
}

type EmitterFunc func(ctx context.Context, msg *Message, priority int) error

func (f EmitterFunc) Emit(ctx context.Context, msg *Message, priority int) error {
	return f(ctx, msg, priority)
}

// QueueAware drivers expose their priority -> key mapping.
type QueueAware interface {
	Queues() map[int]string
}

// Forkable drivers can run each callback under a supervisor that cancels it
// when the process is marked as killed.
type Forkable interface {
	SetForkProcess(enabled bool)
}

// MessageReliability drivers can record message ownership so messages of
// dead workers are redelivered.
type MessageReliability interface {
	EnableReliableMessageHandling(prefix string, emitter Emitter, ttl time.Duration) error
}

// MonitoredStream drivers bound how often a stuck entry may be claimed.
type MonitoredStream interface {
	SetMaximumXClaims(n int) error
}

const (
	forkPollInterval = 100 * time.Millisecond
	maxSkips         = 5
)

// base is the runtime shared by every driver: queue registry, liveness
// checks, heartbeat pings, idle waiting and the callback supervisor.
type base struct {
	cmd       redis.Cmdable
	opt       Options
	log       zerolog.Logger
	queues    *QueueMap
	accessor  *Accessor
	writer    *accessorWriter
	trigger   trigger
	pid       int
	host      string
	fork      atomic.Bool
	processed atomic.Int64
}

func newBase(cmd redis.Cmdable, kind string, opts []Option) *base {
	opt := buildOptions(cmd, opts)
	a, w := newAccessor()
	b := &base{
		cmd:      cmd,
		opt:      opt,
		log:      opt.Logger.With().Str("driver", kind).Logger(),
		queues:   newQueueMap(),
		accessor: a,
		writer:   w,
		trigger:  newTrigger(opt),
		pid:      os.Getpid(),
		host:     hostname(),
	}
	b.fork.Store(opt.ForkProcess)
	return b
}

func (b *base) Queues() map[int]string { return b.queues.Snapshot() }

func (b *base) SetForkProcess(enabled bool) { b.fork.Store(enabled) }

// Accessor returns the driver's read-only view of the message in flight.
func (b *base) Accessor() *Accessor { return b.accessor }

// Processed is the number of messages handed to callbacks so far.
func (b *base) Processed() int64 { return b.processed.Load() }

// Subscribe registers a handler receiving the driver's PubSub events.
// Requires WithTriggerClient (or a client that supports Subscribe).
func (b *base) Subscribe(ctx context.Context, handler func(Event)) (func() error, error) {
	return b.trigger.subscribe(ctx, handler)
}

func (b *base) publish(ctx context.Context, typ EventType, queue, id string, priority int) {
	b.trigger.publish(ctx, Event{Type: typ, Queue: queue, MessageID: id, Priority: priority})
}

func (b *base) shouldProcessNext() bool {
	return b.opt.MaxItems <= 0 || b.processed.Load() < int64(b.opt.MaxItems)
}

// checkLiveness returns a terminal error when the loop must stop.
func (b *base) checkLiveness(ctx context.Context, startedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.opt.Shutdown != nil {
		stop, err := b.opt.Shutdown.ShouldShutdown(ctx, startedAt)
		if err != nil {
			b.log.Warn().Err(err).Msg("shutdown check failed")
		} else if stop {
			return ErrShutdown
		}
	}
	return b.checkKilled(ctx)
}

// checkKilled consumes the operator kill flag of this process.
func (b *base) checkKilled(ctx context.Context) error {
	if b.opt.Heartbeat == nil {
		return nil
	}
	p, err := b.opt.Heartbeat.Get(ctx, b.pid, b.host)
	if err != nil {
		b.log.Warn().Err(err).Msg("heartbeat lookup failed")
		return nil
	}
	if p == nil || p.Status != heartbeat.StatusKilled {
		return nil
	}
	if _, err := b.opt.Heartbeat.Delete(ctx, b.pid, b.host); err != nil {
		b.log.Warn().Err(err).Msg("heartbeat delete failed")
	}
	return ErrKilled
}

func (b *base) ping(ctx context.Context, status heartbeat.Status) {
	if b.opt.Heartbeat == nil {
		return
	}
	if err := b.opt.Heartbeat.Ping(ctx, b.pid, b.host, status); err != nil {
		b.log.Debug().Err(err).Str("status", string(status)).Msg("heartbeat ping failed")
	}
}

// stop finalizes a loop ending with err. A consumed kill flag leaves no
// heartbeat row behind; a shutdown is reported as killed.
func (b *base) stop(ctx context.Context, err error) error {
	if errors.Is(err, ErrShutdown) {
		b.ping(context.WithoutCancel(ctx), heartbeat.StatusKilled)
	}
	b.log.Info().Err(err).Int64("processed", b.processed.Load()).Msg("wait loop stopped")
	return err
}

// watchWake subscribes to "sent" events of the served queues so an idle
// loop wakes up before the refresh interval elapses.
func (b *base) watchWake(ctx context.Context, queues []queueEntry) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	if b.trigger.client == nil || b.opt.RefreshInterval <= 0 {
		return wake, func() {}
	}
	served := make(map[string]bool, len(queues))
	for _, q := range queues {
		served[q.name] = true
	}
	stop, err := b.trigger.subscribe(ctx, func(ev Event) {
		if (ev.Type == EventSent || ev.Type == EventPromoted) && served[ev.Queue] {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return wake, func() {}
	}
	return wake, func() { _ = stop() }
}

// idle sleeps for the refresh interval, or less when woken.
func (b *base) idle(ctx context.Context, wake <-chan struct{}) error {
	if b.opt.RefreshInterval <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(b.opt.RefreshInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-t.C:
	}
	return nil
}

// supervise runs fn directly, or in fork mode as a child goroutine polled
// every 100ms: a kill flag cancels the child and yields ErrKilled, a panic
// in the child becomes an error instead of taking the worker down.
func (b *base) supervise(ctx context.Context, fn func(context.Context) error) error {
	if !b.fork.Load() {
		return fn(ctx)
	}
	child, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("redqueue: callback panic: %v", r)
			}
		}()
		done <- fn(child)
	}()

	t := time.NewTicker(forkPollInterval)
	defer t.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-t.C:
			if err := b.checkKilled(ctx); err != nil {
				cancel()
				<-done
				return err
			}
		}
	}
}

// resubmit hands a recovered message to emit, falling back to
// DefaultPriority when its priority is no longer registered, and retries
// with a fixed backoff.
func (b *base) resubmit(ctx context.Context, emit Emitter, msg *Message, priority int) error {
	if !b.queues.Has(priority) {
		priority = DefaultPriority
	}
	var err error
	for attempt := 0; attempt <= b.opt.RequeueRepeats; attempt++ {
		if err = emit.Emit(ctx, msg, priority); err == nil {
			return nil
		}
		if attempt == b.opt.RequeueRepeats {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opt.RequeueBackoff):
		}
	}
	return fmt.Errorf("resubmit message %s: %w", msg.ID, err)
}

// watchdogInterval is how often ownership is refreshed while a callback
// runs; 0 disables the watchdog.
func (b *base) watchdogInterval(ttl time.Duration) time.Duration {
	if b.opt.DisableWatchdog {
		return 0
	}
	if d := b.opt.WatchdogInterval; d > 0 && d < ttl {
		return d
	}
	if half := ttl / 2; half < time.Second {
		return half
	}
	return time.Second
}
