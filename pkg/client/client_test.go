package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/middleware"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts Options) (*miniredis.Miniredis, *Client) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := queue.New(queue.Options{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return s, New(store, opts)
}

func TestPushToLiveQueue(t *testing.T) {
	s, c := setup(t, Options{})
	jid, err := c.Push(context.Background(), &job.Record{Class: "Echo", Args: []any{"hi"}, Queue: "default"})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{24,}$`, jid)

	list, _ := s.List("queue:default")
	require.Len(t, list, 1)
	rec, err := job.Decode([]byte(list[0]))
	require.NoError(t, err)
	assert.Equal(t, jid, rec.JID)
	assert.Equal(t, []any{"hi"}, rec.Args)
	assert.NotZero(t, rec.EnqueuedAt)
	assert.NotZero(t, rec.CreatedAt)
	members, _ := s.SMembers(queue.QueuesKey)
	assert.Equal(t, []string{"default"}, members)
}

func TestPushUsesHandlerDefaults(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, reg.Handle("Report", func(context.Context, []any) error { return nil }, worker.Queue("reports"), worker.Retry(3)))
	s, c := setup(t, Options{Registry: reg})

	_, err := c.Enqueue(context.Background(), "Report", 1)
	require.NoError(t, err)
	list, _ := s.List("queue:reports")
	require.Len(t, list, 1)
	rec, _ := job.Decode([]byte(list[0]))
	assert.Equal(t, int64(3), rec.Retry)

	_, err = c.Push(context.Background(), &job.Record{Class: "Report", Args: []any{}, Queue: "urgent"})
	require.NoError(t, err)
	assert.True(t, s.Exists("queue:urgent"), "caller queue wins")
}

func TestPushRejectsInvalidJobs(t *testing.T) {
	s, c := setup(t, Options{StrictArgs: true})
	_, err := c.Push(context.Background(), &job.Record{Class: "", Args: []any{}})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
	_, err = c.Push(context.Background(), &job.Record{Class: "Echo"})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
	_, err = c.Push(context.Background(), &job.Record{Class: "Echo", Args: []any{time.Now()}})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
	assert.Empty(t, s.Keys())
}

func TestPushScheduled(t *testing.T) {
	s, c := setup(t, Options{})
	now := time.Now()
	jid, err := c.PushIn(context.Background(), time.Hour, &job.Record{Class: "Echo", Args: []any{"later"}, Queue: "default"})
	require.NoError(t, err)
	require.NotEmpty(t, jid)

	members, err := s.ZMembers(queue.ScheduleKey)
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, _ := s.ZScore(queue.ScheduleKey, members[0])
	assert.InDelta(t, job.Epoch(now.Add(time.Hour)), score, 2)
	assert.False(t, s.Exists("queue:default"))

	rec, _ := job.Decode([]byte(members[0]))
	assert.Zero(t, rec.At, "at is carried by the score")
	assert.Zero(t, rec.EnqueuedAt)
}

func TestPushAtInThePastIsImmediate(t *testing.T) {
	s, c := setup(t, Options{})
	_, err := c.PushAt(context.Background(), time.Now().Add(-time.Minute), &job.Record{Class: "Echo", Args: []any{}})
	require.NoError(t, err)
	assert.False(t, s.Exists(queue.ScheduleKey))
	list, _ := s.List("queue:default")
	assert.Len(t, list, 1)
}

func TestMiddlewareVeto(t *testing.T) {
	chain := middleware.NewChain(middleware.Entry{Name: "veto", New: middleware.Of(middleware.Func(
		func(ctx context.Context, rec *job.Record, q string, next middleware.Next) error {
			if rec.Args[0] == "skip" {
				return nil
			}
			return next(ctx)
		}))})
	s, c := setup(t, Options{Chain: chain})

	jid, err := c.Enqueue(context.Background(), "Echo", "skip")
	require.NoError(t, err)
	assert.Empty(t, jid)
	assert.False(t, s.Exists("queue:default"))

	jid, err = c.Enqueue(context.Background(), "Echo", "go")
	require.NoError(t, err)
	assert.NotEmpty(t, jid)
}

func TestMiddlewareCanRewriteJob(t *testing.T) {
	c := middleware.NewChain(middleware.Entry{Name: "tenant", New: middleware.Of(middleware.Func(
		func(ctx context.Context, rec *job.Record, q string, next middleware.Next) error {
			if err := rec.Set("tenant", "acme"); err != nil {
				return err
			}
			return next(ctx)
		}))})
	s, cl := setup(t, Options{Chain: c})
	_, err := cl.Enqueue(context.Background(), "Echo")
	require.NoError(t, err)
	list, _ := s.List("queue:default")
	require.Len(t, list, 1)
	assert.Contains(t, list[0], `"tenant":"acme"`)
}

func TestPushBulk(t *testing.T) {
	s, c := setup(t, Options{})
	args := make([][]any, 25)
	for i := range args {
		args[i] = []any{i}
	}
	jids, err := c.PushBulk(context.Background(), Bulk{Class: "Echo", Args: args, BatchSize: 10})
	require.NoError(t, err)
	assert.Len(t, jids, 25)

	list, _ := s.List("queue:default")
	require.Len(t, list, 25)
	first, _ := job.Decode([]byte(list[0]))
	assert.Equal(t, jids[0], first.JID)
	assert.Equal(t, []any{int64(0)}, first.Args)
}

func TestPushBulkScheduled(t *testing.T) {
	s, c := setup(t, Options{})
	future := time.Now().Add(time.Hour)
	jids, err := c.PushBulk(context.Background(), Bulk{
		Class: "Echo",
		Args:  [][]any{{1}, {2}},
		At:    []time.Time{future, time.Now().Add(-time.Hour)},
	})
	require.NoError(t, err)
	assert.Len(t, jids, 2)
	members, _ := s.ZMembers(queue.ScheduleKey)
	assert.Len(t, members, 1)
	list, _ := s.List("queue:default")
	assert.Len(t, list, 1)
}

func TestPushBulkValidation(t *testing.T) {
	s, c := setup(t, Options{})
	_, err := c.PushBulk(context.Background(), Bulk{Class: "Echo"})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
	_, err = c.PushBulk(context.Background(), Bulk{Class: "Echo", Args: [][]any{{1}, nil}})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
	_, err = c.PushBulk(context.Background(), Bulk{Class: "Echo", Args: [][]any{{1}, {2}, {3}}, At: []time.Time{time.Now(), time.Now()}})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
	assert.Empty(t, s.Keys(), "nothing is written when any job is invalid")
}

func TestPushBulkReportsStoreFailure(t *testing.T) {
	s, c := setup(t, Options{})
	s.Close()
	jids, err := c.PushBulk(context.Background(), Bulk{Class: "Echo", Args: [][]any{{1}, {2}, {3}}, BatchSize: 2})
	assert.Error(t, err)
	assert.Empty(t, jids)
	assert.Equal(t, 2, strings.Count(err.Error(), "client: bulk batch"))
}

func TestPeriodicTickLock(t *testing.T) {
	s, c := setup(t, Options{})
	ctx := context.Background()
	a := c.NewPeriodic()
	b := c.NewPeriodic()
	tmpl := &job.Record{Class: "Cleanup", Args: []any{}}
	_, err := a.Register("0 * * * * *", tmpl)
	require.NoError(t, err)
	_, err = b.Register("0 * * * * *", tmpl)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Len())

	tick := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &periodicEntry{spec: "0 * * * * *", template: tmpl}
	jid1, err := a.enqueue(ctx, e, tick)
	require.NoError(t, err)
	jid2, err := b.enqueue(ctx, e, tick)
	require.NoError(t, err)
	assert.NotEmpty(t, jid1)
	assert.Empty(t, jid2, "second process loses the tick")

	jid3, err := b.enqueue(ctx, e, tick.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, jid3)
	assert.NotEqual(t, jid1, jid3)

	list, _ := s.List("queue:default")
	assert.Len(t, list, 2)
}

func TestPeriodicRejectsBadSpecAndJob(t *testing.T) {
	_, c := setup(t, Options{})
	p := c.NewPeriodic()
	_, err := p.Register("not a spec", &job.Record{Class: "X", Args: []any{}})
	assert.Error(t, err)
	_, err = p.Register("* * * * * *", &job.Record{Class: "", Args: []any{}})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
}

func TestPeriodicRunFires(t *testing.T) {
	s, c := setup(t, Options{})
	p := c.NewPeriodic()
	_, err := p.Register("* * * * * *", &job.Record{Class: "Tick", Args: []any{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		list, _ := s.List("queue:default")
		return len(list) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
