// Package retry records job failures and decides what happens next: a
// delayed attempt through the retry set, or the dead set once the job has
// exhausted its retries.
//
// The default delay is count^4 + 15 seconds plus a jitter that grows with
// count, a steep curve that backs repeatedly failing jobs off a broken
// dependency quickly.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
)

// DefaultMaxRetries is the retry limit for jobs that do not set their own.
const DefaultMaxRetries = 25

// maxMessageLen caps the error message stored in the job.
const maxMessageLen = 10000

// ErrShutdown is the context cause set when a hard stop cancels running
// jobs. Failures carrying it are not retried: the job was already put back
// on its queue.
var ErrShutdown = errors.New("shutdown")

var (
	// ErrKill returned by a RetryIn function sends the job to the dead set now.
	ErrKill = errors.New("kill job")
	// ErrDiscard returned by a RetryIn function drops the job.
	ErrDiscard = errors.New("discard job")
)

// JitterFunc returns the random part of the delay for a retry count.
type JitterFunc func(count int) time.Duration

// DeathHandler is called for every job that moves to the dead set or is
// dropped after its last retry.
type DeathHandler func(rec *job.Record, err error)

// Options configures a Retrier.
type Options struct {
	MaxRetries  int
	DeadMaxJobs int64
	DeadTimeout time.Duration

	// Jitter defaults to rand(10) * (count + 1) seconds.
	Jitter JitterFunc

	// Now is the clock used for scores and timestamps.
	Now func() time.Time

	DeathHandlers []DeathHandler
}

// Retrier is safe for concurrent use.
type Retrier struct {
	store *queue.Client
	dead  *queue.DeadSet
	opts  Options

	mu     sync.RWMutex
	deaths []DeathHandler
}

// New creates a Retrier writing to store.
func New(store *queue.Client, opts Options) *Retrier {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.DeadMaxJobs <= 0 {
		opts.DeadMaxJobs = queue.DefaultDeadMaxJobs
	}
	if opts.DeadTimeout <= 0 {
		opts.DeadTimeout = queue.DefaultDeadTimeout
	}
	if opts.Jitter == nil {
		opts.Jitter = DefaultJitter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Retrier{
		store:  store,
		dead:   store.DeadSet(opts.DeadMaxJobs, opts.DeadTimeout),
		opts:   opts,
		deaths: append([]DeathHandler(nil), opts.DeathHandlers...),
	}
}

// OnDeath registers a death handler.
func (r *Retrier) OnDeath(h DeathHandler) {
	r.mu.Lock()
	r.deaths = append(r.deaths, h)
	r.mu.Unlock()
}

// DefaultJitter is rand(10) * (count + 1) seconds.
func DefaultJitter(count int) time.Duration {
	return time.Duration(rand.Intn(10)*(count+1)) * time.Second
}

// Backoff is the default delay before retry number count+1: count^4 + 15
// seconds plus jitter. The base curve strictly increases with count; the
// jitter can reorder neighbouring delays at low counts.
func Backoff(count int, jitter JitterFunc) time.Duration {
	c := time.Duration(count)
	d := (c*c*c*c + 15) * time.Second
	if jitter != nil {
		d += jitter(count)
	}
	return d
}

// Shutdown reports whether ctx was cancelled by a hard stop.
func Shutdown(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrShutdown)
}

// Wrap runs perform and hands a failure to Handle. The original error is
// always returned so callers count the job as failed.
func (r *Retrier) Wrap(ctx context.Context, rec *job.Record, q string, opts worker.Options, perform func(context.Context) error) error {
	err := perform(ctx)
	if err == nil {
		return nil
	}
	if Shutdown(ctx) {
		r.store.Log().Debug().Str("jid", rec.JID).Msg("Job interrupted by shutdown, not retrying")
		return err
	}
	if herr := r.Handle(ctx, rec, q, err, opts); herr != nil {
		r.store.Log().Error().Err(herr).Str("jid", rec.JID).Str("class", rec.Class).Msg("Failed to record job failure")
	}
	return err
}

// Handle records jobErr on rec and schedules the next attempt or kills the
// job. The returned error is a store failure, never jobErr.
func (r *Retrier) Handle(ctx context.Context, rec *job.Record, q string, jobErr error, opts worker.Options) error {
	now := r.opts.Now()
	rec = rec.Clone()

	if rec.Retry == nil && opts.Retry != nil {
		rec.Retry = opts.Retry
	}
	enabled, max := rec.RetryPolicy(r.opts.MaxRetries)

	var retryQueue string
	if ok, _ := rec.Get("retry_queue", &retryQueue); ok && retryQueue != "" {
		rec.Queue = retryQueue
	} else if rec.Queue == "" {
		rec.Queue = q
	}

	rec.ErrorClass = errorClass(jobErr)
	rec.ErrorMessage = truncate(jobErr.Error(), maxMessageLen)
	var count int
	if rec.RetryCount != nil {
		count = *rec.RetryCount + 1
		rec.RetriedAt = job.Epoch(now)
	} else {
		rec.FailedAt = job.Epoch(now)
	}
	rec.RetryCount = &count
	if lines := backtrace(jobErr, opts.BacktraceLines); lines != nil {
		rec.Backtrace = lines
	}

	log := r.store.Log().With().Str("jid", rec.JID).Str("class", rec.Class).Logger()
	if !enabled || count >= max {
		return r.exhausted(ctx, rec, jobErr, opts, now)
	}

	delay, verdict := r.delay(count, jobErr, opts.RetryIn)
	switch verdict {
	case ErrKill:
		return r.kill(ctx, rec, jobErr, opts, now)
	case ErrDiscard:
		log.Info().Msg("Job discarded by its retry policy")
		return nil
	}

	data, err := rec.Encode()
	if err != nil {
		return err
	}
	at := job.Epoch(now.Add(delay))
	if err := r.store.AddScored(ctx, queue.RetryKey, queue.Scored{Score: at, Payload: data}); err != nil {
		return fmt.Errorf("retry: schedule %s: %w", rec.JID, err)
	}
	log.Info().Int("retry_count", count).Dur("delay", delay).Msg("Job scheduled for retry")
	return nil
}

// delay runs the custom RetryIn when present, falling back to the default
// formula when it fails or panics. ErrKill and ErrDiscard are passed through.
func (r *Retrier) delay(count int, jobErr error, custom worker.RetryInFunc) (d time.Duration, verdict error) {
	if custom != nil {
		var err error
		func() {
			defer func() {
				if v := recover(); v != nil {
					err = fmt.Errorf("panic: %v", v)
				}
			}()
			d, err = custom(count, jobErr)
		}()
		switch {
		case errors.Is(err, ErrKill):
			return 0, ErrKill
		case errors.Is(err, ErrDiscard):
			return 0, ErrDiscard
		case err != nil:
			r.store.Log().Warn().Err(err).Msg("Custom retry delay failed, using default")
		case d > 0:
			return d, nil
		}
	}
	return Backoff(count, r.opts.Jitter), nil
}

func (r *Retrier) exhausted(ctx context.Context, rec *job.Record, jobErr error, opts worker.Options, now time.Time) error {
	if opts.RetriesExhausted != nil {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.store.Log().Error().Interface("panic", v).Str("jid", rec.JID).Msg("Error calling retries_exhausted")
				}
			}()
			opts.RetriesExhausted(rec, jobErr)
		}()
	}
	return r.kill(ctx, rec, jobErr, opts, now)
}

func (r *Retrier) kill(ctx context.Context, rec *job.Record, jobErr error, opts worker.Options, now time.Time) error {
	var keep = opts.Dead
	var dead bool
	if ok, _ := rec.Get("dead", &dead); ok && !dead {
		keep = false
	}
	if keep {
		data, err := rec.Encode()
		if err != nil {
			return err
		}
		if err := r.dead.Kill(ctx, string(data), now); err != nil {
			return fmt.Errorf("retry: kill %s: %w", rec.JID, err)
		}
		r.store.Log().Warn().Str("jid", rec.JID).Str("class", rec.Class).Msg("Job moved to the dead set")
	} else {
		r.store.Log().Warn().Str("jid", rec.JID).Str("class", rec.Class).Msg("Job dropped after its last attempt")
	}
	r.died(rec, jobErr)
	return nil
}

// Kill sends a raw payload straight to the dead set, used for payloads
// that cannot even be decoded.
func (r *Retrier) Kill(ctx context.Context, payload string) error {
	return r.dead.Kill(ctx, payload, r.opts.Now())
}

func (r *Retrier) died(rec *job.Record, jobErr error) {
	r.mu.RLock()
	handlers := append([]DeathHandler(nil), r.deaths...)
	r.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.store.Log().Error().Interface("panic", v).Str("jid", rec.JID).Msg("Error calling death handler")
				}
			}()
			h(rec, jobErr)
		}()
	}
}

func errorClass(err error) string {
	var pe *worker.PanicError
	if errors.As(err, &pe) {
		if inner := pe.Unwrap(); inner != nil {
			return strings.TrimPrefix(fmt.Sprintf("%T", inner), "*")
		}
		return "PanicError"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// backtrace keeps up to n lines of a panic stack. Non-panic errors have none.
func backtrace(err error, n int) []string {
	if n == 0 {
		return nil
	}
	var pe *worker.PanicError
	if !errors.As(err, &pe) || len(pe.Stack) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(pe.Stack)), "\n")
	if n > 0 && len(lines) > n {
		lines = lines[:n]
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
