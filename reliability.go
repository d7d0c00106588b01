package redqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// reliability is the ownership strategy of a QueueDriver.
type reliability interface {
	// record marks msg as owned by this worker; a nil msg marks it idle.
	record(ctx context.Context, msg *Message, priority int)
	// monitor runs fn while keeping ownership of msg alive.
	monitor(ctx context.Context, msg *Message, priority int, fn func(context.Context) error) error
	recoverOrphans(ctx context.Context) (int, error)
	processingStatus(ctx context.Context, ps *ProcessingStatus)
	release(ctx context.Context)
}

type noReliability struct{}

func (noReliability) record(context.Context, *Message, int) {}
func (noReliability) monitor(ctx context.Context, _ *Message, _ int, fn func(context.Context) error) error {
	return fn(ctx)
}
func (noReliability) recoverOrphans(context.Context) (int, error)         { return 0, nil }
func (noReliability) processingStatus(context.Context, *ProcessingStatus) {}
func (noReliability) release(context.Context)                             {}

// ReliabilityMonitor records which message each worker owns in a monitor
// hash, with a TTL'd agent key as liveness proof. Records of workers whose
// agent expired are re-emitted by RecoverOrphans.
type ReliabilityMonitor struct {
	b       *base
	keys    monitorKeys
	emitter Emitter
	ttl     time.Duration
	log     zerolog.Logger
}

func newReliabilityMonitor(b *base, prefix string, emitter Emitter, ttl time.Duration) *ReliabilityMonitor {
	keys := newMonitorKeys(prefix, uuid.NewString())
	return &ReliabilityMonitor{
		b:       b,
		keys:    keys,
		emitter: emitter,
		ttl:     ttl,
		log:     b.log.With().Str("monitor", prefix).Str("owner", keys.owner).Logger(),
	}
}

// Owner is the field under which this worker's record is stored.
func (r *ReliabilityMonitor) Owner() string { return r.keys.owner }

func (r *ReliabilityMonitor) record(ctx context.Context, msg *Message, priority int) {
	rec := MonitorRecord{Timestamp: time.Now(), Message: msg}
	if msg != nil {
		p := priority
		rec.Priority = &p
	}
	body, err := encodeRecord(rec)
	if err != nil {
		r.log.Warn().Err(err).Msg("encode monitor record")
		return
	}
	pipe := r.b.cmd.Pipeline()
	pipe.HSet(ctx, r.keys.hash(), r.keys.owner, body)
	pipe.Set(ctx, r.keys.agent(r.keys.owner), strconv.FormatInt(time.Now().Unix(), 10), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Debug().Err(err).Msg("record ownership")
	}
}

func (r *ReliabilityMonitor) monitor(ctx context.Context, msg *Message, priority int, fn func(context.Context) error) error {
	r.record(ctx, msg, priority)
	err := keepAlive(ctx, r.b.watchdogInterval(r.ttl), func(ctx context.Context) {
		r.record(ctx, msg, priority)
	}, fn)
	r.record(context.WithoutCancel(ctx), nil, 0)
	return err
}

func (r *ReliabilityMonitor) processingStatus(ctx context.Context, ps *ProcessingStatus) {
	if err := writeProcessingStatus(ctx, r.b.cmd, r.keys, ps); err != nil {
		r.log.Debug().Err(err).Msg("write processing status")
	}
}

func (r *ReliabilityMonitor) release(ctx context.Context) {
	if err := forgetRow(ctx, r.b.cmd, r.keys, r.keys.owner); err != nil {
		r.log.Debug().Err(err).Msg("release monitor record")
	}
	_ = r.b.cmd.Del(ctx, r.keys.agent(r.keys.owner)).Err()
}

func (r *ReliabilityMonitor) recoverOrphans(ctx context.Context) (int, error) {
	return r.RecoverOrphans(ctx)
}

// RecoverOrphans re-emits the messages of workers whose agent key expired.
// Only one worker scans at a time; a scan stops after the recovery budget.
// Each record is removed before its message is re-emitted, so a message is
// recovered at most once.
func (r *ReliabilityMonitor) RecoverOrphans(ctx context.Context) (int, error) {
	if !acquireLock(ctx, r.b.cmd, r.keys.recoveryLock(), r.keys.owner, r.b.opt.LockTTL) {
		return 0, nil
	}
	defer releaseLock(context.WithoutCancel(ctx), r.b.cmd, r.keys.recoveryLock())

	started := time.Now()
	recovered := 0
	var cursor uint64
	for {
		kv, next, err := r.b.cmd.HScan(ctx, r.keys.hash(), cursor, "", 1000).Result()
		if err != nil {
			return recovered, err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			if time.Since(started) >= r.b.opt.RecoveryBudget {
				return recovered, nil
			}
			field, value := kv[i], kv[i+1]
			alive, err := r.b.cmd.Exists(ctx, r.keys.agent(field)).Result()
			if err != nil {
				return recovered, err
			}
			if alive > 0 {
				continue
			}
			removed, err := r.b.cmd.HDel(ctx, r.keys.hash(), field).Result()
			if err != nil {
				return recovered, err
			}
			if removed == 0 {
				continue
			}
			_ = r.b.cmd.Del(ctx, r.keys.status(field)).Err()

			rec, err := decodeRecord(value)
			if err != nil {
				r.log.Warn().Err(err).Str("field", field).Msg("dropping unreadable monitor record")
				continue
			}
			if rec.Message == nil {
				continue
			}
			priority := DefaultPriority
			if rec.Priority != nil {
				priority = *rec.Priority
			}
			if err := r.b.resubmit(ctx, r.emitter, rec.Message, priority); err != nil {
				r.log.Error().Err(err).Str("field", field).Msg("orphaned message lost")
				continue
			}
			recovered++
			r.log.Info().Str("field", field).Str("message_id", rec.Message.ID).Msg("recovered orphaned message")
			r.b.publish(ctx, EventRecovered, "", rec.Message.ID, priority)
		}
		cursor = next
		if cursor == 0 || time.Since(started) >= r.b.opt.RecoveryBudget {
			return recovered, nil
		}
	}
}
