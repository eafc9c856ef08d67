package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
)

// tickLockTTL outlives any clock skew between processes of a fleet.
const tickLockTTL = 10 * time.Minute

// Periodic enqueues job templates on cron schedules. Every process of a
// fleet may run the same schedules: a lock per schedule and tick makes sure
// one job is pushed per tick.
type Periodic struct {
	client *Client
	cron   *cron.Cron
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]*periodicEntry
}

type periodicEntry struct {
	spec     string
	template *job.Record
}

// NewPeriodic creates a Periodic pushing through c. Specs have a leading
// seconds field.
func (c *Client) NewPeriodic() *Periodic {
	log := c.store.Log().With().Str("component", "periodic").Logger()
	cl := cronLogger{log: log}
	return &Periodic{
		client: c,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		log:     log,
		entries: make(map[cron.EntryID]*periodicEntry),
	}
}

// Register enqueues a copy of template, with a fresh jid, on every tick of
// spec. The template is validated now.
func (p *Periodic) Register(spec string, template *job.Record) (cron.EntryID, error) {
	if _, err := p.client.normalize(template); err != nil {
		return 0, err
	}
	e := &periodicEntry{spec: spec, template: template.Clone()}

	p.mu.Lock()
	defer p.mu.Unlock()
	var id cron.EntryID
	id, err := p.cron.AddFunc(spec, func() {
		tick := p.cron.Entry(id).Prev
		if tick.IsZero() {
			tick = time.Now().Truncate(time.Second)
		}
		if _, err := p.enqueue(context.Background(), e, tick); err != nil {
			p.log.Error().Err(err).Str("spec", spec).Str("class", e.template.Class).Msg("Failed to enqueue periodic job")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("client: periodic %q: %w", spec, err)
	}
	p.entries[id] = e
	return id, nil
}

// Len returns the number of registered schedules.
func (p *Periodic) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Run fires the schedules until ctx is done.
func (p *Periodic) Run(ctx context.Context) error {
	p.cron.Start()
	<-ctx.Done()
	<-p.cron.Stop().Done()
	return nil
}

// enqueue pushes one job for tick unless another process already did.
func (p *Periodic) enqueue(ctx context.Context, e *periodicEntry, tick time.Time) (string, error) {
	lock := fmt.Sprintf("periodic:%s:%s:%d", e.template.Class, e.spec, tick.Unix())
	won, err := p.client.store.Redis().SetNX(ctx, lock, "1", tickLockTTL).Result()
	if err != nil {
		return "", err
	}
	if !won {
		return "", nil
	}
	rec := e.template.Clone()
	rec.JID = ""
	rec.CreatedAt = 0
	jid, err := p.client.Push(ctx, rec)
	if err != nil {
		return "", err
	}
	p.log.Info().Str("spec", e.spec).Str("class", rec.Class).Str("jid", jid).Msg("Periodic job enqueued")
	return jid, nil
}

// cronLogger routes cron's logging into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
