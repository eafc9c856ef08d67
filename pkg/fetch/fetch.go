// Package fetch pulls work off the live queues.
//
// A fetch is a destructive BLPOP over an ordered list of queues. Strict mode
// always checks the queues in the configured order; weighted mode shuffles a
// list in which a queue of weight N appears N times, so heavier queues are
// checked first proportionally more often.
//
// Acknowledging a unit of work is a no-op against the store: the pop
// already removed the job. A process that dies between pop and completion
// loses the job unless the graceful shutdown path requeued it first.
package fetch

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

// DefaultTimeout bounds each blocking pop so callers can notice shutdown.
const DefaultTimeout = 2 * time.Second

// DefaultBackoff is how long Retrieve sleeps after a store error.
const DefaultBackoff = time.Second

const (
	statePending int32 = iota
	stateAcked
	stateRequeued
)

// UnitOfWork is a lease on one popped payload. It ends either acknowledged
// or requeued, never both.
type UnitOfWork struct {
	Queue   string
	Payload string

	state atomic.Int32
}

// NewUnitOfWork wraps a raw payload popped from queue.
func NewUnitOfWork(queue, payload string) *UnitOfWork {
	return &UnitOfWork{Queue: queue, Payload: payload}
}

// Acknowledge marks the unit done. It reports false when the unit was
// already requeued (or acknowledged).
func (u *UnitOfWork) Acknowledge() bool {
	return u.state.CompareAndSwap(statePending, stateAcked)
}

// Pending reports whether the unit is neither acknowledged nor requeued.
func (u *UnitOfWork) Pending() bool {
	return u.state.Load() == statePending
}

// Acknowledged reports whether the unit was acknowledged.
func (u *UnitOfWork) Acknowledged() bool {
	return u.state.Load() == stateAcked
}

func (u *UnitOfWork) claimRequeue() bool {
	return u.state.CompareAndSwap(statePending, stateRequeued)
}

// Fetcher is the strategy the worker pool pulls work through.
type Fetcher interface {
	// Retrieve blocks for up to the fetch timeout and returns nil when no
	// work arrived. Store errors are absorbed: they are logged and the call
	// returns nil after a backoff. Only ctx cancellation is returned.
	Retrieve(ctx context.Context) (*UnitOfWork, error)

	// Requeue pushes one pending unit back onto its queue.
	Requeue(ctx context.Context, u *UnitOfWork) error

	// BulkRequeue pushes every pending unit back onto its queue in as few
	// round trips as possible. It never fails: errors are logged.
	BulkRequeue(ctx context.Context, units []*UnitOfWork)
}

// Options configures a BasicFetch.
type Options struct {
	// Queues in priority order. A queue repeated N times has weight N.
	Queues []string

	// Strict checks queues in the configured order on every fetch.
	Strict bool

	Timeout time.Duration
	Backoff time.Duration

	// Rand drives the weighted shuffle. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// BasicFetch is the destructive-pop strategy.
type BasicFetch struct {
	store   *queue.Client
	queues  []string
	strict  bool
	timeout time.Duration
	backoff time.Duration

	randMu sync.Mutex
	rnd    *rand.Rand

	downMu    sync.Mutex
	downSince time.Time
}

// New creates a BasicFetch over store.
func New(store *queue.Client, opts Options) *BasicFetch {
	f := &BasicFetch{
		store:   store,
		strict:  opts.Strict,
		timeout: opts.Timeout,
		backoff: opts.Backoff,
		rnd:     opts.Rand,
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.backoff <= 0 {
		f.backoff = DefaultBackoff
	}
	if f.rnd == nil {
		f.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if f.strict {
		f.queues = uniq(opts.Queues)
	} else {
		f.queues = append([]string(nil), opts.Queues...)
	}
	if len(f.queues) == 0 {
		f.queues = []string{"default"}
	}
	return f
}

// QueuesCmd returns the queue order for the next blocking pop.
func (f *BasicFetch) QueuesCmd() []string {
	if f.strict {
		return f.queues
	}
	shuffled := append([]string(nil), f.queues...)
	f.randMu.Lock()
	f.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	f.randMu.Unlock()
	return uniq(shuffled)
}

// Retrieve pops the next unit of work.
func (f *BasicFetch) Retrieve(ctx context.Context) (*UnitOfWork, error) {
	q, payload, err := f.store.BlockingPop(ctx, f.timeout, f.QueuesCmd()...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.markDown(err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.backoff):
		}
		return nil, nil
	}
	f.markUp()
	if q == "" {
		return nil, nil
	}
	return NewUnitOfWork(q, payload), nil
}

// markDown logs the first error of an outage only.
func (f *BasicFetch) markDown(err error) {
	f.downMu.Lock()
	defer f.downMu.Unlock()
	if !f.downSince.IsZero() {
		return
	}
	f.downSince = time.Now()
	f.store.Log().Error().Err(err).Msg("Error fetching job")
}

func (f *BasicFetch) markUp() {
	f.downMu.Lock()
	defer f.downMu.Unlock()
	if f.downSince.IsZero() {
		return
	}
	f.store.Log().Info().
		Dur("downtime", time.Since(f.downSince)).
		Msg("Redis is online again")
	f.downSince = time.Time{}
}

// Down reports whether the last fetch failed.
func (f *BasicFetch) Down() bool {
	f.downMu.Lock()
	defer f.downMu.Unlock()
	return !f.downSince.IsZero()
}

// Requeue pushes u back onto the tail of its queue unless it was already
// acknowledged or requeued.
func (f *BasicFetch) Requeue(ctx context.Context, u *UnitOfWork) error {
	if !u.claimRequeue() {
		return nil
	}
	return f.store.Requeue(ctx, map[string][]string{u.Queue: {u.Payload}})
}

// BulkRequeue pushes every pending unit back onto its queue, one pipeline
// for all queues.
func (f *BasicFetch) BulkRequeue(ctx context.Context, units []*UnitOfWork) {
	byQueue := make(map[string][]string)
	n := 0
	for _, u := range units {
		if u == nil || !u.claimRequeue() {
			continue
		}
		byQueue[u.Queue] = append(byQueue[u.Queue], u.Payload)
		n++
	}
	if n == 0 {
		return
	}
	log := f.store.Log()
	log.Debug().Int("count", n).Msg("Re-queueing terminated jobs")
	if err := f.store.Requeue(ctx, byQueue); err != nil {
		log.Warn().Err(err).Int("count", n).Msg("Failed to requeue jobs")
		return
	}
	log.Info().Int("count", n).Msg("Pushed jobs back to Redis")
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
