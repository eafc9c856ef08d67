// Package scheduler moves due jobs from the schedule and retry sets onto
// their live queues.
//
// Every process of a fleet runs a poller. Moving a member is a ZREM race:
// the process whose ZREM removes the member pushes it, every other process
// skips it. The poll interval scales with the size of the fleet so the
// aggregate poll rate stays roughly constant.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

// DefaultAverageScheduledPollInterval is the average poll interval of the
// fleet as a whole.
const DefaultAverageScheduledPollInterval = 5 * time.Second

const (
	initialWait     = 10 * time.Second
	cleanupLockKey  = "process_cleanup"
	cleanupLockTTL  = 60 * time.Second
	smallFleetLimit = 10
)

// Sets are the sorted sets polled, in order.
var Sets = []string{queue.RetryKey, queue.ScheduleKey}

// Options configures a Poller.
type Options struct {
	// PollIntervalAverage fixes the average interval of this process,
	// disabling fleet scaling and the initial wait.
	PollIntervalAverage time.Duration

	// AverageScheduledPollInterval is the target interval of the fleet.
	AverageScheduledPollInterval time.Duration

	Now  func() time.Time
	Rand *rand.Rand

	// Dead receives payloads that cannot be decoded.
	Dead *queue.DeadSet
}

// Poller is the scheduled and retry set poller of one process.
type Poller struct {
	store *queue.Client
	opts  Options
	log   zerolog.Logger

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New creates a Poller.
func New(store *queue.Client, opts Options) *Poller {
	if opts.AverageScheduledPollInterval <= 0 {
		opts.AverageScheduledPollInterval = DefaultAverageScheduledPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dead == nil {
		opts.Dead = store.DeadSet(queue.DefaultDeadMaxJobs, queue.DefaultDeadTimeout)
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Poller{
		store: store,
		opts:  opts,
		log:   store.Log().With().Str("component", "scheduler").Logger(),
		rnd:   rnd,
	}
}

// Run polls until ctx is done. Store errors are logged and the poller
// simply waits for the next cycle.
func (p *Poller) Run(ctx context.Context) error {
	if !sleep(ctx, p.InitialWait()) {
		return nil
	}
	for {
		if _, err := p.Enqueue(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("Scheduler poll failed")
		}
		if err := p.CleanupProcesses(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("Process cleanup failed")
		}
		if !sleep(ctx, p.RandomInterval(ctx)) {
			return nil
		}
	}
}

// Enqueue moves every due member of the retry and schedule sets to its
// live queue and returns how many this process moved.
func (p *Poller) Enqueue(ctx context.Context) (int, error) {
	now := p.opts.Now()
	moved := 0
	var errs []error
	for _, key := range Sets {
		n, err := p.enqueueSet(ctx, key, now)
		moved += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return moved, errors.Join(errs...)
}

func (p *Poller) enqueueSet(ctx context.Context, key string, now time.Time) (int, error) {
	moved := 0
	for ctx.Err() == nil {
		member, err := p.store.FirstDue(ctx, key, job.Epoch(now))
		if err != nil {
			return moved, err
		}
		if member == "" {
			return moved, nil
		}
		won, err := p.store.RemoveMember(ctx, key, member)
		if err != nil {
			return moved, err
		}
		if !won {
			// Another process got it first.
			continue
		}

		rec, err := job.Decode([]byte(member))
		if err != nil {
			p.log.Error().Err(err).Str("set", key).Msg("Invalid JSON in sorted set, sending to the dead set")
			if kerr := p.opts.Dead.Kill(ctx, member, now); kerr != nil {
				p.log.Error().Err(kerr).Msg("Failed to store malformed job")
			}
			continue
		}
		if rec.Queue == "" {
			rec.Queue = job.DefaultQueue
		}
		if err := p.store.EnqueueRecord(ctx, rec, now); err != nil {
			// Put it back, still due, so the next poll retries the push.
			if aerr := p.store.AddScored(ctx, key, queue.Scored{Score: job.Epoch(now), Payload: []byte(member)}); aerr != nil {
				p.log.Error().Err(aerr).Str("jid", rec.JID).Msg("Lost job while moving it to its queue")
			}
			return moved, err
		}
		p.log.Debug().Str("jid", rec.JID).Str("set", key).Str("queue", rec.Queue).Msg("Enqueued due job")
		moved++
	}
	return moved, ctx.Err()
}

// InitialWait is the delay before the first poll, which lets a fleet that
// restarts together spread out.
func (p *Poller) InitialWait() time.Duration {
	var total time.Duration
	if p.opts.PollIntervalAverage <= 0 {
		total += initialWait
	}
	return total + time.Duration(p.float64()*float64(5*time.Second))
}

// RandomInterval is the delay before the next poll. Small fleets poll
// around the average, larger ones anywhere between zero and the average
// to avoid polling in lockstep.
func (p *Poller) RandomInterval(ctx context.Context) time.Duration {
	count := p.processCount(ctx)
	interval := p.pollIntervalAverage(count)
	if count < smallFleetLimit {
		return time.Duration(float64(interval)*p.float64()) + interval/2
	}
	return time.Duration(float64(interval) * p.float64())
}

func (p *Poller) pollIntervalAverage(count int64) time.Duration {
	if p.opts.PollIntervalAverage > 0 {
		return p.opts.PollIntervalAverage
	}
	return time.Duration(count) * p.opts.AverageScheduledPollInterval
}

func (p *Poller) processCount(ctx context.Context) int64 {
	n, err := p.store.Processes().Size(ctx)
	if err != nil || n == 0 {
		return 1
	}
	return n
}

// CleanupProcesses drops fleet members whose heartbeat expired. At most
// one process of the fleet does it per minute.
func (p *Poller) CleanupProcesses(ctx context.Context) error {
	won, err := p.store.Redis().SetNX(ctx, cleanupLockKey, "1", cleanupLockTTL).Result()
	if err != nil || !won {
		return err
	}
	n, err := p.store.Processes().Cleanup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info().Int("count", n).Msg("Removed stale processes")
	}
	return nil
}

func (p *Poller) float64() float64 {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.rnd.Float64()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
