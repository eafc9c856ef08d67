// Package heartbeat reports a process to the fleet.
//
// Every beat writes the process hash (info, busy, beat, quiet) and the work
// hash under a 60 second TTL, flushes the process-local counters into the
// stat keys and pops one signal sent through the admin API.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/manager"
	"github.com/sidekiq/sidekiq-sub000/pkg/metrics"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

// DefaultInterval is the time between beats.
const DefaultInterval = 10 * time.Second

const (
	keyTTL   = 60 * time.Second
	statsTTL = 5 * 365 * 24 * time.Hour
)

// Pool is what the heartbeat reports about the worker pool.
type Pool interface {
	InProgress() map[string]manager.Work
	Counters() *metrics.Counters
	Quieted() bool
}

// Info is the static description of a process.
type Info struct {
	Hostname    string   `json:"hostname"`
	PID         int      `json:"pid"`
	Tag         string   `json:"tag,omitempty"`
	Concurrency int      `json:"concurrency"`
	Queues      []string `json:"queues"`
	Labels      []string `json:"labels"`
	Identity    string   `json:"identity"`
	StartedAt   float64  `json:"started_at"`
}

// Options configures a Heartbeat.
type Options struct {
	Interval time.Duration
	Info     Info

	// OnSignal is called with every signal popped from the signals list.
	OnSignal func(sig string)

	Now func() time.Time
}

// Heartbeat is the reporter of one process.
type Heartbeat struct {
	store    *queue.Client
	pool     Pool
	opts     Options
	identity string
	info     []byte
	log      zerolog.Logger
}

func nonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// New creates a Heartbeat for pool. Missing identity and host details are
// filled from the running process.
func New(store *queue.Client, pool Pool, opts Options) (*Heartbeat, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	info := opts.Info
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	// hostname:pid:nonce
	if info.Identity == "" {
		info.Identity = fmt.Sprintf("%s:%d:%s", info.Hostname, info.PID, nonce())
	}
	if info.StartedAt == 0 {
		info.StartedAt = job.Epoch(opts.Now())
	}
	if info.Labels == nil {
		info.Labels = []string{}
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	opts.Info = info
	return &Heartbeat{
		store:    store,
		pool:     pool,
		opts:     opts,
		identity: info.Identity,
		info:     data,
		log:      store.Log().With().Str("component", "heartbeat").Str("identity", info.Identity).Logger(),
	}, nil
}

// Identity is the key of this process in the fleet.
func (h *Heartbeat) Identity() string { return h.identity }

// Run beats until ctx is done, then unregisters the process.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.log.Error().Err(err).Msg("Heartbeat failed")
		}
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Clear(clearCtx); err != nil {
				h.log.Warn().Err(err).Msg("Failed to clear heartbeat")
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Beat writes one heartbeat and handles a pending signal.
func (h *Heartbeat) Beat(ctx context.Context) error {
	now := h.opts.Now()
	work := h.pool.InProgress()
	fields, err := workFields(work)
	if err != nil {
		return err
	}

	counters := h.pool.Counters()
	processed, failed := counters.Reset()
	rdb := h.store.Redis()
	workKey := queue.WorkKey(h.identity)

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		flush(ctx, pipe, now, processed, failed)
		pipe.Del(ctx, workKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, workKey, fields)
			pipe.Expire(ctx, workKey, keyTTL)
		}
		pipe.SAdd(ctx, queue.ProcessesKey, h.identity)
		pipe.HSet(ctx, h.identity,
			"info", string(h.info),
			"busy", len(work),
			"beat", job.Epoch(now),
			"quiet", fmt.Sprint(h.pool.Quieted()),
		)
		pipe.Expire(ctx, h.identity, keyTTL)
		return nil
	})
	if err != nil {
		counters.Restore(processed, failed)
		return err
	}

	sig, err := rdb.RPop(ctx, queue.SignalsKey(h.identity)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info().Str("signal", sig).Msg("Received signal")
	if h.opts.OnSignal != nil {
		h.opts.OnSignal(sig)
	}
	return nil
}

// Clear flushes the remaining counters and unregisters the process.
func (h *Heartbeat) Clear(ctx context.Context) error {
	counters := h.pool.Counters()
	processed, failed := counters.Reset()
	now := h.opts.Now()
	_, err := h.store.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		flush(ctx, pipe, now, processed, failed)
		pipe.SRem(ctx, queue.ProcessesKey, h.identity)
		pipe.Del(ctx, h.identity, queue.WorkKey(h.identity))
		return nil
	})
	if err != nil {
		counters.Restore(processed, failed)
	}
	return err
}

func flush(ctx context.Context, pipe redis.Pipeliner, now time.Time, processed, failed int64) {
	for stat, n := range map[string]int64{queue.StatProcessed: processed, queue.StatFailed: failed} {
		if n == 0 {
			continue
		}
		daily := queue.DailyStatKey(stat, now)
		pipe.IncrBy(ctx, queue.StatKey(stat), n)
		pipe.IncrBy(ctx, daily, n)
		pipe.Expire(ctx, daily, statsTTL)
	}
}

type workEntry struct {
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
	RunAt   float64         `json:"run_at"`
}

func workFields(work map[string]manager.Work) (map[string]any, error) {
	fields := make(map[string]any, len(work))
	for id, w := range work {
		payload := json.RawMessage(w.Payload)
		if !json.Valid(payload) {
			quoted, err := json.Marshal(w.Payload)
			if err != nil {
				return nil, err
			}
			payload = quoted
		}
		data, err := json.Marshal(workEntry{Queue: w.Queue, Payload: payload, RunAt: job.Epoch(w.RunAt)})
		if err != nil {
			return nil, err
		}
		fields[id] = string(data)
	}
	return fields, nil
}
