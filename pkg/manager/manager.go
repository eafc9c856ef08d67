// Package manager runs the worker pool of a process.
//
// Each processor is a goroutine that pulls its own work: it asks the fetcher
// for a unit, executes it and asks again. Idle capacity requests work, so a
// slow job never blocks the others and the pool size bounds back-pressure.
//
// Shutdown happens in two steps. Quiet stops fetching and lets running jobs
// finish. Stop quiets, waits for the deadline and then requeues every unit
// still in flight before cancelling the contexts of the jobs running them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/fetch"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/metrics"
	"github.com/sidekiq/sidekiq-sub000/pkg/middleware"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/sidekiq/sidekiq-sub000/pkg/retry"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
)

// ErrShutdown is the cause of the job contexts cancelled by a hard stop.
var ErrShutdown = retry.ErrShutdown

// ErrHardShutdown is returned by Stop when jobs had to be interrupted.
var ErrHardShutdown = errors.New("manager: jobs interrupted at shutdown deadline")

// DefaultGrace is how long Stop waits for interrupted jobs to return.
const DefaultGrace = 3 * time.Second

// Options configures a Manager.
type Options struct {
	Concurrency int

	// Chain wraps every execution. Defaults to job logging only.
	Chain *middleware.Chain

	// Counters receive processed and failed tallies. Defaults to a private set.
	Counters *metrics.Counters

	Grace time.Duration
}

// Work describes a job a processor is running.
type Work struct {
	Queue   string
	Payload string
	RunAt   time.Time
}

// Manager owns the processors of one process.
type Manager struct {
	store    *queue.Client
	fetcher  fetch.Fetcher
	registry *worker.Registry
	retrier  *retry.Retrier
	chain    *middleware.Chain
	counters *metrics.Counters
	log      zerolog.Logger

	concurrency int
	grace       time.Duration

	quiet  atomic.Bool
	killed atomic.Bool

	fetchCtx  context.Context
	jobCtx    context.Context
	cancelJob context.CancelCauseFunc

	mu         sync.Mutex
	processors map[string]*processor
	started    bool
	wg         sync.WaitGroup
}

// New creates a Manager. Start launches its processors.
func New(store *queue.Client, fetcher fetch.Fetcher, registry *worker.Registry, retrier *retry.Retrier, opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Counters == nil {
		opts.Counters = &metrics.Counters{}
	}
	if opts.Chain == nil {
		opts.Chain = middleware.NewChain(middleware.Entry{Name: "logging", New: middleware.Logging(*store.Log())})
	}
	jobCtx, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		store:       store,
		fetcher:     fetcher,
		registry:    registry,
		retrier:     retrier,
		chain:       opts.Chain,
		counters:    opts.Counters,
		log:         store.Log().With().Str("component", "manager").Logger(),
		concurrency: opts.Concurrency,
		grace:       opts.Grace,
		jobCtx:      jobCtx,
		cancelJob:   cancel,
		processors:  make(map[string]*processor),
	}
}

// Start launches the processors. Cancelling ctx aborts pending fetches and
// should only happen after Stop returned.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.fetchCtx = ctx
	for i := 0; i < m.concurrency; i++ {
		m.spawnLocked()
	}
	m.log.Info().Int("concurrency", m.concurrency).Msg("Starting processing")
}

// Concurrency is the configured pool size.
func (m *Manager) Concurrency() int { return m.concurrency }

// Counters returns the tallies the processors update.
func (m *Manager) Counters() *metrics.Counters { return m.counters }

// Quieted reports whether the manager stopped fetching.
func (m *Manager) Quieted() bool { return m.quiet.Load() }

// Quiet stops fetching new work. Running jobs are not interrupted.
// Calling it more than once has no further effect.
func (m *Manager) Quiet() {
	if !m.quiet.CompareAndSwap(false, true) {
		return
	}
	m.log.Info().Msg("Terminating quiet threads")
}

// Stop quiets the manager and waits for running jobs until ctx is done.
// Jobs still running then are requeued first and interrupted second, and
// ErrHardShutdown is returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.Quiet()
	m.log.Info().Msg("Shutting down")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info().Msg("Processors finished")
		return nil
	case <-ctx.Done():
	}

	m.killed.Store(true)
	units := m.inFlight()
	m.log.Warn().Int("count", len(units)).Msg("Terminating busy processors after deadline")

	requeueCtx, cancel := context.WithTimeout(context.Background(), m.grace)
	m.fetcher.BulkRequeue(requeueCtx, units)
	cancel()

	m.cancelJob(ErrShutdown)
	select {
	case <-done:
	case <-time.After(m.grace):
		m.log.Warn().Msg("Processors did not exit after interruption")
	}
	return ErrHardShutdown
}

// Busy returns the number of running jobs.
func (m *Manager) Busy() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.processors {
		if p.current() != nil {
			n++
		}
	}
	return n
}

// InProgress returns the running jobs keyed by processor id.
func (m *Manager) InProgress() map[string]Work {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Work)
	for id, p := range m.processors {
		if w := p.work(); w != nil {
			out[id] = *w
		}
	}
	return out
}

func (m *Manager) inFlight() []*fetch.UnitOfWork {
	m.mu.Lock()
	defer m.mu.Unlock()
	var units []*fetch.UnitOfWork
	for _, p := range m.processors {
		if u := p.current(); u != nil {
			units = append(units, u)
		}
	}
	return units
}

// spawnLocked starts one processor. m.mu must be held.
func (m *Manager) spawnLocked() {
	id := m.newIDLocked()
	p := &processor{id: id, m: m}
	m.processors[id] = p
	m.wg.Add(1)
	go p.run(m.fetchCtx)
}

func (m *Manager) newIDLocked() string {
	for {
		id := strconv.FormatInt(rand.Int63(), 36)
		if _, taken := m.processors[id]; !taken {
			return id
		}
	}
}

// processorStopped removes a processor that left its loop normally.
func (m *Manager) processorStopped(p *processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processors, p.id)
	m.checkCapacityLocked()
}

// processorDied replaces a processor that panicked outside its handler.
func (m *Manager) processorDied(p *processor, v any, stack []byte) {
	m.log.Error().
		Str("processor", p.id).
		Interface("panic", v).
		Bytes("stack", stack).
		Msg("Processor died")

	// Once the handler was reached the retry wrapper owns the job.
	if u, attempted := p.state(); u != nil && u.Pending() {
		if attempted {
			u.Acknowledge()
		} else if err := m.fetcher.Requeue(context.Background(), u); err != nil {
			m.log.Error().Err(err).Str("queue", u.Queue).Msg("Failed to requeue job of dead processor")
		}
	}
	m.counters.Failed()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processors, p.id)
	if !m.quiet.Load() && m.fetchCtx.Err() == nil {
		m.spawnLocked()
	}
	m.checkCapacityLocked()
}

// checkCapacityLocked panics when a running pool has no processor left.
func (m *Manager) checkCapacityLocked() {
	if m.quiet.Load() || m.fetchCtx.Err() != nil {
		return
	}
	if len(m.processors) == 0 {
		panic(fmt.Sprintf("manager: no processors left of %d while running", m.concurrency))
	}
}

// processor is one execution unit.
type processor struct {
	id string
	m  *Manager

	mu        sync.Mutex
	unit      *fetch.UnitOfWork
	at        time.Time
	attempted bool
}

func (p *processor) run(ctx context.Context) {
	defer p.m.wg.Done()
	defer func() {
		if v := recover(); v != nil {
			p.m.processorDied(p, v, debug.Stack())
			return
		}
		p.m.processorStopped(p)
	}()

	for !p.m.quiet.Load() {
		u, err := p.m.fetcher.Retrieve(ctx)
		if err != nil {
			return
		}
		if u == nil {
			continue
		}
		if p.m.quiet.Load() {
			if err := p.m.fetcher.Requeue(context.Background(), u); err != nil {
				p.m.log.Error().Err(err).Str("queue", u.Queue).Msg("Failed to requeue job fetched while quiet")
			}
			return
		}
		p.process(u)
	}
}

func (p *processor) current() *fetch.UnitOfWork {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unit
}

// state returns the assigned unit and whether its handler was reached.
func (p *processor) state() (*fetch.UnitOfWork, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unit, p.attempted
}

func (p *processor) markAttempted() {
	p.mu.Lock()
	p.attempted = true
	p.mu.Unlock()
}

func (p *processor) work() *Work {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unit == nil {
		return nil
	}
	return &Work{Queue: p.unit.Queue, Payload: p.unit.Payload, RunAt: p.at}
}

func (p *processor) assign(u *fetch.UnitOfWork) {
	p.mu.Lock()
	p.unit = u
	p.at = time.Now()
	p.attempted = false
	p.mu.Unlock()
}

// process executes one unit. A panic escaping it leaves the unit assigned
// so processorDied can requeue it.
func (p *processor) process(u *fetch.UnitOfWork) {
	p.assign(u)
	p.execute(u)
	p.assign(nil)
}

func (p *processor) execute(u *fetch.UnitOfWork) {
	m := p.m
	ctx := m.jobCtx

	rec, err := job.Decode([]byte(u.Payload))
	if err != nil {
		m.log.Error().Err(err).Str("queue", u.Queue).Msg("Invalid JSON for job, sending to the dead set")
		if kerr := m.retrier.Kill(context.Background(), u.Payload); kerr != nil {
			m.log.Error().Err(kerr).Msg("Failed to store malformed job")
		}
		u.Acknowledge()
		return
	}

	h, opts, err := m.registry.Resolve(rec.Class)
	if err != nil {
		m.counters.Processed()
		m.counters.Failed()
		m.log.Error().Err(err).Str("jid", rec.JID).Str("queue", u.Queue).Msg("Cannot run job")
		if herr := m.retrier.Handle(context.Background(), rec, u.Queue, err, opts); herr != nil {
			m.log.Error().Err(herr).Str("jid", rec.JID).Msg("Failed to record job failure")
		}
		u.Acknowledge()
		return
	}

	err = m.chain.Invoke(ctx, rec, u.Queue, func(ctx context.Context) error {
		p.markAttempted()
		return m.retrier.Wrap(ctx, rec, u.Queue, opts, func(ctx context.Context) error {
			return worker.Perform(ctx, h, rec.Args)
		})
	})

	m.counters.Processed()
	if err != nil {
		m.counters.Failed()
	}
	_, attempted := p.state()

	switch {
	case m.killed.Load() && err == nil && attempted:
		// Finished before the hard stop took its snapshot.
		u.Acknowledge()
	case m.killed.Load():
		// Normally already claimed by the hard stop; this covers a unit
		// assigned after its snapshot.
		if rerr := m.fetcher.Requeue(context.Background(), u); rerr != nil {
			m.log.Error().Err(rerr).Str("jid", rec.JID).Msg("Failed to requeue interrupted job")
		}
	case err != nil && !attempted:
		m.log.Warn().Err(err).Str("jid", rec.JID).Msg("Middleware failed before running the job, requeueing")
		if rerr := m.fetcher.Requeue(context.Background(), u); rerr != nil {
			m.log.Error().Err(rerr).Str("jid", rec.JID).Msg("Failed to requeue job")
		}
	default:
		u.Acknowledge()
	}
}
