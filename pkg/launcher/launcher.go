// Package launcher assembles and runs one worker process: the manager and
// its processors, the scheduled set poller, the heartbeat, periodic jobs
// and the queue depth collector.
//
// Shutdown follows the same order whether it is triggered by the caller or
// by a TERM signal sent through the store: stop fetching and polling, give
// running jobs the configured timeout, requeue what is left, then
// unregister the process.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/client"
	"github.com/sidekiq/sidekiq-sub000/pkg/config"
	"github.com/sidekiq/sidekiq-sub000/pkg/fetch"
	"github.com/sidekiq/sidekiq-sub000/pkg/heartbeat"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/manager"
	"github.com/sidekiq/sidekiq-sub000/pkg/metrics"
	"github.com/sidekiq/sidekiq-sub000/pkg/middleware"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/sidekiq/sidekiq-sub000/pkg/retry"
	"github.com/sidekiq/sidekiq-sub000/pkg/scheduler"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
	"golang.org/x/sync/errgroup"
)

// Options configures a Launcher.
type Options struct {
	Config   config.Config
	Registry *worker.Registry

	// Collector receives job and queue metrics. Defaults to a collector on
	// a private registry.
	Collector *metrics.Collector

	// Chain replaces the default server chain (logging, metrics and
	// throttling when configured).
	Chain *middleware.Chain

	// ConnectTimeout bounds the wait for the store at boot.
	ConnectTimeout time.Duration
}

// Launcher is one worker process. It runs once.
type Launcher struct {
	cfg       config.Config
	store     *queue.Client
	log       zerolog.Logger
	collector *metrics.Collector
	connect   time.Duration

	fetcher   *fetch.BasicFetch
	retrier   *retry.Retrier
	manager   *manager.Manager
	poller    *scheduler.Poller
	heartbeat *heartbeat.Heartbeat
	periodic  *client.Periodic

	pollCtx    context.Context
	cancelPoll context.CancelFunc

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// New wires a Launcher over store from opts.
func New(store *queue.Client, opts Options) (*Launcher, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, errors.New("launcher: registry is required")
	}
	queues, strict, err := config.ParseQueues(cfg.Queues)
	if err != nil {
		return nil, err
	}
	collector := opts.Collector
	if collector == nil {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = time.Minute
	}

	l := &Launcher{
		cfg:       cfg,
		store:     store,
		log:       store.Log().With().Str("component", "launcher").Logger(),
		collector: collector,
		connect:   connect,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	l.pollCtx, l.cancelPoll = context.WithCancel(context.Background())

	chain := opts.Chain
	if chain == nil {
		chain = l.defaultChain()
	}

	l.fetcher = fetch.New(store, fetch.Options{Queues: queues, Strict: strict, Timeout: cfg.FetchTimeout})
	l.retrier = retry.New(store, retry.Options{
		MaxRetries:  cfg.MaxRetries,
		DeadMaxJobs: cfg.DeadMaxJobs,
		DeadTimeout: cfg.DeadTimeout,
	})
	l.manager = manager.New(store, l.fetcher, opts.Registry, l.retrier, manager.Options{
		Concurrency: cfg.Concurrency,
		Chain:       chain,
	})
	l.poller = scheduler.New(store, scheduler.Options{
		PollIntervalAverage:          cfg.PollIntervalAverage,
		AverageScheduledPollInterval: cfg.AverageScheduledPollInterval,
		Dead:                         store.DeadSet(cfg.DeadMaxJobs, cfg.DeadTimeout),
	})
	l.heartbeat, err = heartbeat.New(store, l.manager, heartbeat.Options{
		Interval: cfg.HeartbeatInterval,
		Info: heartbeat.Info{
			Tag:         cfg.Tag,
			Concurrency: cfg.Concurrency,
			Queues:      uniq(queues),
			Labels:      cfg.Labels,
		},
		OnSignal: l.signal,
	})
	if err != nil {
		return nil, err
	}

	pusher := client.New(store, client.Options{Registry: opts.Registry, StrictArgs: cfg.StrictArgs})
	l.periodic = pusher.NewPeriodic()
	for _, p := range cfg.Periodic {
		args := p.Args
		if args == nil {
			args = []any{}
		}
		if _, err := l.periodic.Register(p.Cron, &job.Record{Class: p.Class, Queue: p.Queue, Args: args}); err != nil {
			return nil, fmt.Errorf("launcher: periodic %s: %w", p.Class, err)
		}
	}
	return l, nil
}

func (l *Launcher) defaultChain() *middleware.Chain {
	chain := middleware.NewChain(
		middleware.Entry{Name: "logging", New: middleware.Logging(*l.store.Log())},
		middleware.Entry{Name: "metrics", New: l.collector.Middleware()},
	)
	if t := l.cfg.Throttle; t.Limit > 0 {
		chain.Add("throttle", middleware.Throttle(l.store, middleware.ThrottleOptions{
			Limit:   t.Limit,
			Burst:   t.Burst,
			Delay:   t.Delay,
			Classes: t.Classes,
		}))
	}
	return chain
}

// Identity is the key of this process in the fleet.
func (l *Launcher) Identity() string { return l.heartbeat.Identity() }

// Manager exposes the processor pool.
func (l *Launcher) Manager() *manager.Manager { return l.manager }

// Retrier exposes the retry handler, to register death handlers.
func (l *Launcher) Retrier() *retry.Retrier { return l.retrier }

// Run waits for the store, starts every component and blocks until ctx is
// done or Stop is called, then shuts down. It returns
// manager.ErrHardShutdown when jobs had to be interrupted.
func (l *Launcher) Run(ctx context.Context) error {
	defer close(l.done)
	if err := WaitForStore(ctx, l.store, l.connect); err != nil {
		return fmt.Errorf("launcher: store unreachable: %w", err)
	}

	fetchCtx, cancelFetch := context.WithCancel(context.Background())
	defer cancelFetch()
	beatCtx, cancelBeat := context.WithCancel(context.Background())
	defer cancelBeat()
	defer l.cancelPoll()

	l.manager.Start(fetchCtx)

	var services errgroup.Group
	services.Go(func() error { return l.poller.Run(l.pollCtx) })
	services.Go(func() error { return l.periodic.Run(l.pollCtx) })
	services.Go(func() error { return l.collector.CollectQueueDepths(l.pollCtx, l.store, 0) })

	var beat errgroup.Group
	beat.Go(func() error { return l.heartbeat.Run(beatCtx) })

	l.log.Info().
		Str("identity", l.Identity()).
		Int("concurrency", l.cfg.Concurrency).
		Strs("queues", l.cfg.Queues).
		Msg("Worker started")

	select {
	case <-ctx.Done():
	case <-l.stopping:
	}

	l.cancelPoll()
	stopCtx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	stopErr := l.manager.Stop(stopCtx)
	cancel()
	cancelFetch()
	cancelBeat()

	err := errors.Join(stopErr, services.Wait(), beat.Wait())
	if err != nil {
		l.log.Warn().Err(err).Msg("Worker stopped")
	} else {
		l.log.Info().Msg("Worker stopped")
	}
	return err
}

// Quiet stops fetching new jobs and polling the scheduled sets. Running
// jobs finish normally.
func (l *Launcher) Quiet() {
	l.manager.Quiet()
	l.cancelPoll()
}

// Stop triggers shutdown and waits for Run to return or ctx to be done.
func (l *Launcher) Stop(ctx context.Context) error {
	l.requestStop()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) requestStop() {
	l.stopOnce.Do(func() { close(l.stopping) })
}

// signal handles a signal popped by the heartbeat. It runs on the
// heartbeat goroutine and must not wait for shutdown.
func (l *Launcher) signal(sig string) {
	l.log.Info().Str("signal", sig).Msg("Got signal")
	switch sig {
	case queue.SignalQuiet:
		l.Quiet()
	case queue.SignalStop:
		l.requestStop()
	default:
		l.log.Warn().Str("signal", sig).Msg("Unknown signal")
	}
}

// WaitForStore pings store with exponential backoff until it answers, ctx
// is done or maxElapsed has passed.
func WaitForStore(ctx context.Context, store *queue.Client, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	log := store.Log()
	return backoff.Retry(func() error {
		err := store.Ping(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Waiting for redis")
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}
