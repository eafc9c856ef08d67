package middleware

import (
	"context"
	"time"

	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

// ThrottleOptions configures Throttle.
type ThrottleOptions struct {
	// Limit is the number of jobs per second admitted for one class.
	Limit int
	// Burst is the bucket capacity.
	Burst int
	// Delay is how far into the future a throttled job is rescheduled.
	Delay time.Duration
	// Classes restricts throttling to these classes. Empty means all.
	Classes []string
}

// Throttle admits jobs through a per-class token bucket kept in Redis.
// A throttled job is put back into the schedule set and skipped.
// When the bucket cannot be read the job runs.
func Throttle(store *queue.Client, opts ThrottleOptions) Constructor {
	if opts.Delay <= 0 {
		opts.Delay = 5 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.Limit
	}
	only := make(map[string]bool, len(opts.Classes))
	for _, c := range opts.Classes {
		only[c] = true
	}
	t := &throttle{store: store, opts: opts, only: only}
	return Of(t)
}

type throttle struct {
	store *queue.Client
	opts  ThrottleOptions
	only  map[string]bool
}

func (t *throttle) Call(ctx context.Context, rec *job.Record, q string, next Next) error {
	if len(t.only) > 0 && !t.only[rec.Class] {
		return next(ctx)
	}
	allowed, err := t.store.Allow(ctx, "throttle:"+rec.Class, t.opts.Limit, t.opts.Burst)
	if err != nil {
		t.store.Log().Error().Err(err).Str("class", rec.Class).Msg("Rate limit check failed")
		return next(ctx)
	}
	if allowed {
		return next(ctx)
	}

	deferred := rec.Clone()
	deferred.Queue = q
	deferred.EnqueuedAt = 0
	deferred.At = 0
	data, err := deferred.Encode()
	if err != nil {
		return err
	}
	at := job.Epoch(time.Now().Add(t.opts.Delay))
	if err := t.store.AddScored(ctx, queue.ScheduleKey, queue.Scored{Score: at, Payload: data}); err != nil {
		return err
	}
	t.store.Log().Warn().Str("class", rec.Class).Str("jid", rec.JID).Msg("Rate limit exceeded, rescheduled")
	return nil
}
