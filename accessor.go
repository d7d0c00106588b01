package redqueue

import (
	"context"
	"math"
	"sync"
	"time"
)

// statusWriter is implemented by drivers that keep a monitor record for the
// message in flight.
type statusWriter interface {
	refreshStatus(ctx context.Context, msg *Message, env *Envelope, priority int)
	writeProcessingStatus(ctx context.Context, ps *ProcessingStatus)
}

// Accessor exposes the message a driver is currently processing and lets
// callbacks publish progress for it. It is read-only to everything except
// the driver that created it: mutation goes through the driver's writer.
type Accessor struct {
	mu       sync.RWMutex
	message  *Message
	envelope *Envelope
	priority int
	active   bool
	driver   statusWriter
}

type accessorWriter struct {
	a *Accessor
}

func newAccessor() (*Accessor, *accessorWriter) {
	a := &Accessor{}
	return a, &accessorWriter{a: a}
}

func (w *accessorWriter) setDriver(d statusWriter) {
	w.a.mu.Lock()
	w.a.driver = d
	w.a.mu.Unlock()
}

func (w *accessorWriter) setMessage(msg *Message, priority int) {
	w.a.mu.Lock()
	w.a.message, w.a.envelope = msg, nil
	w.a.priority, w.a.active = priority, msg != nil
	w.a.mu.Unlock()
}

func (w *accessorWriter) setEnvelope(env *Envelope) {
	w.a.mu.Lock()
	w.a.message, w.a.envelope = nil, env
	w.a.active = env != nil
	if env != nil {
		w.a.priority = env.Priority
	}
	w.a.mu.Unlock()
}

func (w *accessorWriter) clear() {
	w.a.mu.Lock()
	w.a.message, w.a.envelope, w.a.active = nil, nil, false
	w.a.mu.Unlock()
}

type accessorKey struct{}

func withAccessor(ctx context.Context, a *Accessor) context.Context {
	return context.WithValue(ctx, accessorKey{}, a)
}

// AccessorFromContext returns the accessor of the driver invoking the
// callback, or nil outside a callback.
func AccessorFromContext(ctx context.Context) *Accessor {
	a, _ := ctx.Value(accessorKey{}).(*Accessor)
	return a
}

// Message returns the message in flight. For stream drivers it is the
// envelope's message.
func (a *Accessor) Message() *Message {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.envelope != nil {
		return a.envelope.Message
	}
	return a.message
}

// Envelope returns the stream envelope in flight, if any.
func (a *Accessor) Envelope() *Envelope {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.envelope
}

func (a *Accessor) Priority() (int, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.priority, a.active
}

func (a *Accessor) snapshot() (statusWriter, *Message, *Envelope, int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.driver, a.message, a.envelope, a.priority, a.active
}

// SetProcessingStatus publishes a free-text status for the message in flight.
// Nothing is written when no message is being processed.
func (a *Accessor) SetProcessingStatus(ctx context.Context, status string) {
	a.write(ctx, &ProcessingStatus{Status: status})
}

// SetProcessingProgress is SetProcessingStatus with a completion percentage,
// clamped to [0, 100] and rounded to two decimals.
func (a *Accessor) SetProcessingProgress(ctx context.Context, status string, percent float64) {
	p := math.Round(math.Max(0, math.Min(100, percent))*100) / 100
	a.write(ctx, &ProcessingStatus{Status: status, Percent: &p})
}

// ClearProcessingStatus removes the published status.
func (a *Accessor) ClearProcessingStatus(ctx context.Context) {
	a.write(ctx, nil)
}

// Refresh re-records ownership of the message in flight, extending its
// keep-alive. Long callbacks running without the watchdog call this.
func (a *Accessor) Refresh(ctx context.Context) {
	if a == nil {
		return
	}
	d, msg, env, prio, active := a.snapshot()
	if d == nil || !active {
		return
	}
	d.refreshStatus(ctx, msg, env, prio)
}

func (a *Accessor) write(ctx context.Context, ps *ProcessingStatus) {
	if a == nil {
		return
	}
	d, msg, env, prio, active := a.snapshot()
	if d == nil || !active {
		return
	}
	d.refreshStatus(ctx, msg, env, prio)
	if ps != nil {
		ps.At = unixSeconds(time.Now())
	}
	d.writeProcessingStatus(ctx, ps)
}
