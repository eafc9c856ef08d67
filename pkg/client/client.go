// Package client pushes jobs.
//
// A single push is validated, passed through the client middleware chain
// and written to its live queue, or to the schedule set when it carries a
// future "at". A middleware that does not call through vetoes the push and
// Push returns an empty jid with no error.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/middleware"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
)

// DefaultBatchSize is the number of jobs PushBulk writes per round trip.
const DefaultBatchSize = 1000

// Options configures a Client.
type Options struct {
	// Registry supplies handler-level defaults (queue, retry).
	Registry *worker.Registry

	// Chain wraps every single push.
	Chain *middleware.Chain

	// StrictArgs rejects args that are not native JSON types.
	StrictArgs bool

	Now func() time.Time
}

// Client pushes jobs to the store. It is safe for concurrent use.
type Client struct {
	store *queue.Client
	opts  Options
}

// New creates a Client over store.
func New(store *queue.Client, opts Options) *Client {
	if opts.Chain == nil {
		opts.Chain = middleware.NewChain()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{store: store, opts: opts}
}

// Chain returns the client middleware chain.
func (c *Client) Chain() *middleware.Chain { return c.opts.Chain }

// Store returns the underlying store handle.
func (c *Client) Store() *queue.Client { return c.store }

// Enqueue pushes a job of class with args to its default queue.
func (c *Client) Enqueue(ctx context.Context, class string, args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}
	return c.Push(ctx, &job.Record{Class: class, Args: args})
}

// Push validates rec and writes it. It returns the jid, or "" when a
// middleware vetoed the push. rec is not modified.
func (c *Client) Push(ctx context.Context, rec *job.Record) (string, error) {
	norm, err := c.normalize(rec)
	if err != nil {
		return "", err
	}

	pushed := false
	err = c.opts.Chain.Invoke(ctx, norm, norm.Queue, func(ctx context.Context) error {
		pushed = true
		return c.write(ctx, norm)
	})
	if err != nil {
		return "", err
	}
	if !pushed {
		return "", nil
	}
	return norm.JID, nil
}

// PushIn schedules rec to run after d.
func (c *Client) PushIn(ctx context.Context, d time.Duration, rec *job.Record) (string, error) {
	return c.PushAt(ctx, c.opts.Now().Add(d), rec)
}

// PushAt schedules rec to run at t. A time in the past pushes immediately.
func (c *Client) PushAt(ctx context.Context, t time.Time, rec *job.Record) (string, error) {
	if rec == nil {
		return "", &job.InvalidJobError{Reason: "job is nil"}
	}
	scheduled := rec.Clone()
	scheduled.At = job.Epoch(t)
	return c.Push(ctx, scheduled)
}

func (c *Client) normalize(rec *job.Record) (*job.Record, error) {
	var defaults job.Defaults
	if c.opts.Registry != nil && rec != nil {
		defaults = c.opts.Registry.Defaults(rec.Class)
	}
	return job.Normalize(rec, defaults, job.NormalizeOptions{Now: c.opts.Now, StrictArgs: c.opts.StrictArgs})
}

func (c *Client) write(ctx context.Context, rec *job.Record) error {
	if rec.At > 0 {
		at := rec.At
		stored := rec.Clone()
		stored.At = 0
		data, err := stored.Encode()
		if err != nil {
			return err
		}
		if err := c.store.AddScored(ctx, queue.ScheduleKey, queue.Scored{Score: at, Payload: data}); err != nil {
			return fmt.Errorf("client: schedule %s: %w", rec.JID, err)
		}
		return nil
	}
	if err := c.store.EnqueueRecord(ctx, rec, c.opts.Now()); err != nil {
		return fmt.Errorf("client: push %s: %w", rec.JID, err)
	}
	return nil
}

// Bulk describes many jobs of one class.
type Bulk struct {
	Class string
	Queue string
	Retry any

	// Args holds the arguments of each job.
	Args [][]any

	// At schedules every job, or each job when it has one entry per job.
	At []time.Time

	BatchSize int
}

// PushBulk writes many jobs without invoking the client middleware.
// Every job is validated before anything is written. Jobs are then written
// in batches; the jids of the batches that were stored are returned
// together with the errors of those that were not.
func (c *Client) PushBulk(ctx context.Context, b Bulk) ([]string, error) {
	if b.Args == nil {
		return nil, &job.InvalidJobError{Reason: "bulk args must be an array of arrays"}
	}
	if len(b.At) > 1 && len(b.At) != len(b.Args) {
		return nil, &job.InvalidJobError{Reason: "bulk at must have one time per job or a single time"}
	}
	size := b.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	records := make([]*job.Record, len(b.Args))
	for i, args := range b.Args {
		if args == nil {
			return nil, &job.InvalidJobError{Reason: fmt.Sprintf("bulk args[%d] must be an array", i)}
		}
		rec := &job.Record{Class: b.Class, Queue: b.Queue, Retry: b.Retry, Args: args}
		switch len(b.At) {
		case 0:
		case 1:
			rec.At = job.Epoch(b.At[0])
		default:
			rec.At = job.Epoch(b.At[i])
		}
		norm, err := c.normalize(rec)
		if err != nil {
			return nil, err
		}
		records[i] = norm
	}

	jids := make([]string, 0, len(records))
	var errs []error
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batch := records[start:end]
		if err := c.writeBatch(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("client: bulk batch %d-%d: %w", start, end-1, err))
			continue
		}
		for _, rec := range batch {
			jids = append(jids, rec.JID)
		}
	}
	return jids, errors.Join(errs...)
}

func (c *Client) writeBatch(ctx context.Context, batch []*job.Record) error {
	now := c.opts.Now()
	live := make(map[string][][]byte)
	var scheduled []queue.Scored
	for _, rec := range batch {
		at := rec.At
		rec.At = 0
		if at > 0 {
			data, err := rec.Encode()
			if err != nil {
				return err
			}
			scheduled = append(scheduled, queue.Scored{Score: at, Payload: data})
			continue
		}
		rec.EnqueuedAt = job.Epoch(now)
		data, err := rec.Encode()
		if err != nil {
			return err
		}
		live[rec.Queue] = append(live[rec.Queue], data)
	}
	return c.store.PushBatch(ctx, live, scheduled)
}
