package redqueue

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StreamConsumerMonitor keeps the monitor row of one stream consumer and
// performs the group maintenance shared by all consumers of a monitor hash:
// claiming entries of dead consumers and reconciling group membership.
type StreamConsumerMonitor struct {
	b         *base
	keys      monitorKeys
	consumer  string
	ttl       time.Duration
	maxClaims atomic.Int64
	log       zerolog.Logger
}

// monitorRow is a monitor hash row keyed by consumer identity.
type monitorRow struct {
	field  string
	alive  bool
	record MonitorRecord
}

func newStreamConsumerMonitor(b *base, prefix, consumer string, ttl time.Duration) *StreamConsumerMonitor {
	keys := newMonitorKeys(prefix, consumer)
	m := &StreamConsumerMonitor{
		b:        b,
		keys:     keys,
		consumer: consumer,
		ttl:      ttl,
		log:      b.log.With().Str("monitor", prefix).Str("consumer", consumer).Logger(),
	}
	m.maxClaims.Store(int64(b.opt.MaxClaims))
	return m
}

func (m *StreamConsumerMonitor) setMaxClaims(n int) error {
	if n < 0 {
		return ErrInvalidClaimLimit
	}
	m.maxClaims.Store(int64(n))
	return nil
}

// Owner is the field under which this consumer's row is stored.
func (m *StreamConsumerMonitor) Owner() string { return m.keys.owner }

// updateEnvelopeStatus records env (nil when idle) as owned by this
// consumer and refreshes its agent key. With onlyIfNotExists it fails when
// the row already exists.
func (m *StreamConsumerMonitor) updateEnvelopeStatus(ctx context.Context, env *Envelope, onlyIfNotExists bool) bool {
	rec := MonitorRecord{Timestamp: time.Now(), Group: StreamGroup, Consumer: m.consumer, Identity: m.consumer}
	if env != nil {
		p := env.Priority
		rec.Message, rec.Priority = env.Message, &p
		rec.EntryID, rec.Stream = env.EntryID, env.Queue
	}
	body, err := encodeRecord(rec)
	if err != nil {
		m.log.Warn().Err(err).Msg("encode monitor record")
		return false
	}
	if onlyIfNotExists {
		created, err := m.b.cmd.HSetNX(ctx, m.keys.hash(), m.keys.owner, body).Result()
		if err != nil || !created {
			return false
		}
		if err := m.b.cmd.Set(ctx, m.keys.agent(m.keys.owner), strconv.FormatInt(time.Now().Unix(), 10), m.ttl).Err(); err != nil {
			m.log.Debug().Err(err).Msg("refresh agent key")
		}
		return true
	}
	pipe := m.b.cmd.Pipeline()
	pipe.HSet(ctx, m.keys.hash(), m.keys.owner, body)
	pipe.Set(ctx, m.keys.agent(m.keys.owner), strconv.FormatInt(time.Now().Unix(), 10), m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Debug().Err(err).Msg("record envelope status")
		return false
	}
	return true
}

func (m *StreamConsumerMonitor) updateProcessingStatus(ctx context.Context, ps *ProcessingStatus) {
	if err := writeProcessingStatus(ctx, m.b.cmd, m.keys, ps); err != nil {
		m.log.Debug().Err(err).Msg("write processing status")
	}
}

func (m *StreamConsumerMonitor) release(ctx context.Context) {
	if err := forgetRow(ctx, m.b.cmd, m.keys, m.keys.owner); err != nil {
		m.log.Debug().Err(err).Msg("release monitor row")
	}
	_ = m.b.cmd.Del(ctx, m.keys.agent(m.keys.owner)).Err()
}

// readRows returns the monitor rows by identity. ok is false when the table
// could not be read completely; a partial table must not be acted upon.
func (m *StreamConsumerMonitor) readRows(ctx context.Context) (map[string]monitorRow, bool) {
	entries, err := ReadMonitorTable(ctx, m.b.cmd, m.keys.prefix)
	if err != nil {
		m.log.Warn().Err(err).Msg("read monitor table")
		return nil, false
	}
	rows := make(map[string]monitorRow, len(entries))
	for _, e := range entries {
		rows[e.Identity] = monitorRow{field: e.Field, alive: e.Alive, record: e.Record}
	}
	return rows, true
}

// discard acknowledges and deletes entries of queue.
func (m *StreamConsumerMonitor) discard(ctx context.Context, queue string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	pipe := m.b.cmd.Pipeline()
	pipe.XAck(ctx, queue, StreamGroup, ids...)
	pipe.XDel(ctx, queue, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Debug().Err(err).Str("queue", queue).Strs("entries", ids).Msg("discard entries")
	}
}

// deleteConsumer drops consumer from the group of queue along with any
// entry still pending for it.
func (m *StreamConsumerMonitor) deleteConsumer(ctx context.Context, queue, consumer string) {
	if err := deleteConsumerScript.Run(ctx, m.b.cmd, []string{queue}, StreamGroup, consumer).Err(); err != nil && !errors.Is(err, redis.Nil) {
		m.log.Debug().Err(err).Str("queue", queue).Str("target", consumer).Msg("delete consumer")
	}
}

func (m *StreamConsumerMonitor) forget(ctx context.Context, field string) {
	if err := forgetRow(ctx, m.b.cmd, m.keys, field); err != nil {
		m.log.Debug().Err(err).Str("field", field).Msg("forget monitor row")
	}
}

// pendingFor lists the entries pending for consumer. ok is false when they
// could not be read.
func (m *StreamConsumerMonitor) pendingFor(ctx context.Context, queue, consumer string, count int64) ([]redis.XPendingExt, bool) {
	if count <= 0 {
		return nil, true
	}
	pending, err := m.b.cmd.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   queue,
		Group:    StreamGroup,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		m.log.Warn().Err(err).Str("queue", queue).Str("target", consumer).Msg("read pending entries")
		return nil, false
	}
	return pending, true
}

// groupConsumers lists the registered consumers of every queue. complete
// is false when some group could not be listed. A missing stream or group
// has no consumers.
func (m *StreamConsumerMonitor) groupConsumers(ctx context.Context, queues []queueEntry) (map[string][]redis.XInfoConsumer, bool) {
	out := make(map[string][]redis.XInfoConsumer, len(queues))
	complete := true
	for _, q := range queues {
		consumers, err := m.b.cmd.XInfoConsumers(ctx, q.name, StreamGroup).Result()
		if err != nil {
			if isMissingStream(err) {
				continue
			}
			m.log.Warn().Err(err).Str("queue", q.name).Msg("list consumers")
			complete = false
			continue
		}
		out[q.name] = consumers
	}
	return out, complete
}

func isMissingStream(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such key") || strings.HasPrefix(msg, "nogroup")
}

type pendingConsumer struct {
	name    string
	pending int64
}

func (m *StreamConsumerMonitor) pendingConsumers(ctx context.Context, queue string) []pendingConsumer {
	summary, err := m.b.cmd.XPending(ctx, queue, StreamGroup).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.log.Debug().Err(err).Str("queue", queue).Msg("read pending summary")
		}
		return nil
	}
	out := make([]pendingConsumer, 0, len(summary.Consumers))
	for name, n := range summary.Consumers {
		out = append(out, pendingConsumer{name: name, pending: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// claimOrphans takes over the in-flight entry of one dead consumer, in
// priority order. Every other entry pending for that consumer, and entries
// delivered more than the claim limit, are discarded. The dead consumer is
// removed from the group and its row forgotten.
func (m *StreamConsumerMonitor) claimOrphans(ctx context.Context, queues []queueEntry) *Envelope {
	if !acquireLock(ctx, m.b.cmd, m.keys.claimLock(), m.keys.owner, m.b.opt.LockTTL) {
		return nil
	}
	defer releaseLock(context.WithoutCancel(ctx), m.b.cmd, m.keys.claimLock())

	rows, ok := m.readRows(ctx)
	if !ok {
		return nil
	}
	maxClaims := m.maxClaims.Load()
	for _, q := range queues {
		for _, pc := range m.pendingConsumers(ctx, q.name) {
			row, ok := rows[pc.name]
			if pc.pending == 0 || !ok || row.alive {
				continue
			}
			id := row.record.EntryID
			matches := id != "" && row.record.Stream == q.name

			pending, ok := m.pendingFor(ctx, q.name, pc.name, pc.pending+10)
			if !ok {
				continue
			}
			found := false
			var stale []string
			for _, p := range pending {
				if matches && p.ID == id && p.RetryCount <= maxClaims {
					found = true
					continue
				}
				stale = append(stale, p.ID)
			}
			if len(stale) > 0 {
				m.discard(ctx, q.name, stale...)
				m.log.Info().Str("queue", q.name).Str("target", pc.name).Int("entries", len(stale)).Msg("discarded stale entries of dead consumer")
			}

			var claimed *redis.XMessage
			if found {
				msgs, err := m.b.cmd.XClaim(ctx, &redis.XClaimArgs{
					Stream:   q.name,
					Group:    StreamGroup,
					Consumer: m.consumer,
					MinIdle:  0,
					Messages: []string{id},
				}).Result()
				if err != nil {
					m.log.Debug().Err(err).Str("queue", q.name).Str("entry", id).Msg("claim entry")
				} else if len(msgs) > 0 {
					claimed = &msgs[0]
				}
			}
			m.deleteConsumer(ctx, q.name, pc.name)
			// A row naming an entry of another queue is kept for that queue.
			if matches || id == "" {
				m.forget(ctx, row.field)
				delete(rows, pc.name)
			}
			if claimed == nil {
				continue
			}

			msg, err := m.b.opt.Serializer.Deserialize(stringValue(claimed.Values["body"]))
			if err != nil {
				m.log.Warn().Err(err).Str("queue", q.name).Str("entry", claimed.ID).Msg("discarding malformed claimed entry")
				m.discard(ctx, q.name, claimed.ID)
				continue
			}
			m.log.Info().Str("queue", q.name).Str("entry", claimed.ID).Str("target", pc.name).Msg("claimed entry of dead consumer")
			m.b.publish(ctx, EventClaimed, q.name, msg.ID, q.priority)
			return &Envelope{
				Queue:    q.name,
				EntryID:  claimed.ID,
				Group:    StreamGroup,
				Consumer: m.consumer,
				Message:  msg,
				Priority: q.priority,
			}
		}
	}
	return nil
}

// reconcile repairs group membership against the monitor hash:
//   - consumers without a row lose their pending entries and are removed
//   - live consumers keep only the entry their row names
//   - dead consumers with nothing pending are removed with their row
//   - rows of dead consumers absent from every group are forgotten, after
//     their message (if any) is sent again
//
// Only one consumer reconciles at a time.
func (m *StreamConsumerMonitor) reconcile(ctx context.Context, queues []queueEntry) {
	if !acquireLock(ctx, m.b.cmd, m.keys.monitoringLock(), m.keys.owner, m.b.opt.LockTTL) {
		return
	}
	defer releaseLock(context.WithoutCancel(ctx), m.b.cmd, m.keys.monitoringLock())

	rows, ok := m.readRows(ctx)
	if !ok {
		return
	}
	registered, complete := m.groupConsumers(ctx, queues)
	present := make(map[string]bool)

	for _, q := range queues {
		for _, c := range registered[q.name] {
			present[c.Name] = true
			row, ok := rows[c.Name]
			switch {
			case !ok:
				m.deleteConsumer(ctx, q.name, c.Name)
				m.log.Info().Str("queue", q.name).Str("target", c.Name).Msg("removed unmonitored consumer")
			case row.alive:
				if c.Pending <= 1 {
					continue
				}
				id := row.record.EntryID
				pending, ok := m.pendingFor(ctx, q.name, c.Name, c.Pending+10)
				if !ok {
					continue
				}
				var others []string
				owned := false
				for _, p := range pending {
					if p.ID == id && row.record.Stream == q.name {
						owned = true
						continue
					}
					others = append(others, p.ID)
				}
				if owned {
					m.discard(ctx, q.name, others...)
				}
			case c.Pending == 0:
				m.deleteConsumer(ctx, q.name, c.Name)
				if row.record.EntryID == "" || row.record.Stream == q.name {
					m.forget(ctx, row.field)
					delete(rows, c.Name)
				}
				m.log.Info().Str("queue", q.name).Str("target", c.Name).Msg("removed dead consumer")
			}
		}
	}

	// Without every group listed, a consumer absent from present may
	// still hold its entry.
	if !complete {
		return
	}
	for identity, row := range rows {
		if present[identity] || row.alive {
			continue
		}
		if msg := row.record.Message; msg != nil {
			priority := DefaultPriority
			if row.record.Priority != nil {
				priority = *row.record.Priority
			}
			if err := m.b.resubmit(ctx, EmitterFunc(m.resend), msg, priority); err != nil {
				m.log.Error().Err(err).Str("target", identity).Msg("message of vanished consumer lost")
			} else {
				m.b.publish(ctx, EventRecovered, "", msg.ID, priority)
			}
		}
		m.forget(ctx, row.field)
	}
}

// resend re-enqueues msg through the owning driver's queues.
func (m *StreamConsumerMonitor) resend(ctx context.Context, msg *Message, priority int) error {
	key, err := m.b.queues.Key(priority)
	if err != nil {
		return err
	}
	body, err := m.b.opt.Serializer.Serialize(msg)
	if err != nil {
		return err
	}
	return m.b.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{"body": body},
	}).Err()
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
