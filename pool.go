package redqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DriverFactory builds the driver a pool worker waits on. Stream drivers
// must be distinct per worker since each one is a separate consumer.
type DriverFactory func(ctx context.Context, worker int) (Driver, error)

// WorkerPool runs Wait loops on drivers built by a factory. A loop ending
// with a non-terminal error is restarted; a shutdown or kill stops the
// whole pool.
type WorkerPool struct {
	factory      DriverFactory
	handler      Callback
	priorities   []int
	workers      int
	restartDelay time.Duration
	log          zerolog.Logger
	runCtx       context.Context
	cancel       context.CancelFunc

	mu       sync.RWMutex
	queues   map[int]*queueState
	stopOnce sync.Once
	wg       sync.WaitGroup
	err      error

	workersMu   sync.Mutex
	workersLive int
}

type queueState struct {
	lastActive time.Time
	msgCount   int64
	failures   int64
}

type PoolOption func(*WorkerPool)

func WithWorkerCount(n int) PoolOption {
	return func(p *WorkerPool) { p.workers = n }
}

// WithPriorities restricts every worker to the given priorities.
func WithPriorities(priorities ...int) PoolOption {
	return func(p *WorkerPool) { p.priorities = priorities }
}

// WithRestartDelay sets how long a failed worker waits before building a
// new driver.
func WithRestartDelay(d time.Duration) PoolOption {
	return func(p *WorkerPool) { p.restartDelay = d }
}

func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *WorkerPool) { p.log = l }
}

func NewWorkerPool(factory DriverFactory, handler Callback, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		factory:      factory,
		handler:      handler,
		workers:      1,
		restartDelay: time.Second,
		log:          zerolog.Nop(),
		queues:       make(map[int]*queueState),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *WorkerPool) Start(ctx context.Context) error {
	if p.factory == nil || p.handler == nil {
		return errors.New("redqueue: pool needs a driver factory and a handler")
	}
	if p.workers < 1 {
		p.workers = 1
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.spawnWorker(i)
	}
	return nil
}

// Stop cancels every worker and waits for them to return.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

// Wait blocks until every worker has returned and reports the terminal
// error that stopped the pool, if any.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *WorkerPool) Live() int {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	return p.workersLive
}

func (p *WorkerPool) spawnWorker(id int) {
	p.workersMu.Lock()
	p.workersLive++
	p.workersMu.Unlock()

	p.wg.Add(1)
	go p.worker(p.runCtx, id)
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		p.workersMu.Lock()
		p.workersLive--
		p.workersMu.Unlock()
	}()
	log := p.log.With().Int("worker", id).Logger()

	for {
		if ctx.Err() != nil {
			return
		}
		err := p.run(ctx, id)
		switch {
		case err == nil:
			log.Info().Msg("worker finished")
			return
		case IsTerminal(err):
			if !errors.Is(err, context.Canceled) {
				log.Info().Err(err).Msg("stopping pool")
				p.fail(err)
			}
			return
		}
		log.Warn().Err(err).Dur("restart_in", p.restartDelay).Msg("worker failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.restartDelay):
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, id int) error {
	d, err := p.factory(ctx, id)
	if err != nil {
		return err
	}
	return d.Wait(ctx, func(ctx context.Context, msg *Message, priority int) error {
		err := p.handler(ctx, msg, priority)
		p.updateQueueActivity(priority, err)
		return err
	}, p.priorities)
}

// fail records the first terminal error and stops the remaining workers:
// the kill flag is consumed by whichever worker sees it first.
func (p *WorkerPool) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.stopOnce.Do(p.cancel)
}

func (p *WorkerPool) updateQueueActivity(priority int, err error) {
	p.mu.Lock()
	qs, ok := p.queues[priority]
	if !ok {
		qs = &queueState{}
		p.queues[priority] = qs
	}
	qs.lastActive = time.Now()
	qs.msgCount++
	if err != nil {
		qs.failures++
	}
	p.mu.Unlock()
}

// Stats returns the number of messages handled per priority.
func (p *WorkerPool) Stats() map[int]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[int]int64)
	for priority, qs := range p.queues {
		stats[priority] = qs.msgCount
	}
	return stats
}

// Failures returns the number of failed callbacks per priority.
func (p *WorkerPool) Failures() map[int]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[int]int64)
	for priority, qs := range p.queues {
		out[priority] = qs.failures
	}
	return out
}
