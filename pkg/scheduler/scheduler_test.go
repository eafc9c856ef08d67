package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *queue.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := queue.New(queue.Options{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return s, c
}

func schedule(t *testing.T, c *queue.Client, key string, at time.Time, jid string) {
	t.Helper()
	rec := &job.Record{Class: "Echo", Args: []any{"hi"}, Queue: "default", JID: jid, CreatedAt: job.Epoch(at)}
	data, err := rec.Encode()
	require.NoError(t, err)
	require.NoError(t, c.AddScored(context.Background(), key, queue.Scored{Score: job.Epoch(at), Payload: data}))
}

func TestScheduledJobMovesOnceDue(t *testing.T) {
	s, c := setup(t)
	ctx := context.Background()
	now := time.Now()
	schedule(t, c, queue.ScheduleKey, now.Add(time.Hour), "later")

	clock := now
	p := New(c, Options{Now: func() time.Time { return clock }})

	moved, err := p.Enqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.False(t, s.Exists("queue:default"))

	clock = now.Add(time.Hour + time.Second)
	moved, err = p.Enqueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	list, _ := s.List("queue:default")
	require.Len(t, list, 1)
	assert.False(t, s.Exists(queue.ScheduleKey))
	rec, err := job.Decode([]byte(list[0]))
	require.NoError(t, err)
	assert.Equal(t, "later", rec.JID)
	assert.InDelta(t, job.Epoch(clock), rec.EnqueuedAt, 0.001)
	members, _ := s.SMembers(queue.QueuesKey)
	assert.Equal(t, []string{"default"}, members)
}

func TestRetrySetIsPolled(t *testing.T) {
	s, c := setup(t)
	past := time.Now().Add(-time.Minute)
	schedule(t, c, queue.RetryKey, past, "r1")
	schedule(t, c, queue.RetryKey, past.Add(time.Second), "r2")
	schedule(t, c, queue.RetryKey, time.Now().Add(time.Hour), "future")

	moved, err := New(c, Options{}).Enqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	list, _ := s.List("queue:default")
	require.Len(t, list, 2)
	first, _ := job.Decode([]byte(list[0]))
	assert.Equal(t, "r1", first.JID, "lowest score first")
	n, _ := c.SetSize(context.Background(), queue.RetryKey)
	assert.Equal(t, int64(1), n)
}

func TestRacingPollersMoveJobExactlyOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		s, c := setup(t)
		schedule(t, c, queue.ScheduleKey, time.Now().Add(-time.Second), "race")

		var wg sync.WaitGroup
		total := make([]int, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				n, err := New(c, Options{}).Enqueue(context.Background())
				assert.NoError(t, err)
				total[i] = n
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, total[0]+total[1])
		list, _ := s.List("queue:default")
		assert.Len(t, list, 1)
		assert.False(t, s.Exists(queue.ScheduleKey))
	}
}

func TestMalformedMemberGoesToDeadSet(t *testing.T) {
	s, c := setup(t)
	require.NoError(t, c.AddScored(context.Background(), queue.ScheduleKey, queue.Scored{Score: 1, Payload: []byte("garbage")}))

	moved, err := New(c, Options{}).Enqueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	members, _ := s.ZMembers(queue.DeadKey)
	assert.Equal(t, []string{"garbage"}, members)
}

func TestStoreOutageIsReported(t *testing.T) {
	s, c := setup(t)
	s.Close()
	_, err := New(c, Options{}).Enqueue(context.Background())
	assert.Error(t, err)
}

func TestRandomIntervalScalesWithFleet(t *testing.T) {
	s, c := setup(t)
	p := New(c, Options{Rand: rand.New(rand.NewSource(1))})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d := p.RandomInterval(ctx)
		assert.GreaterOrEqual(t, d, 2500*time.Millisecond)
		assert.Less(t, d, 7500*time.Millisecond)
	}

	for i := 0; i < 20; i++ {
		_, err := s.SAdd(queue.ProcessesKey, "host:"+string(rune('a'+i)))
		require.NoError(t, err)
	}
	for i := 0; i < 50; i++ {
		d := p.RandomInterval(ctx)
		assert.Less(t, d, 100*time.Second)
	}

	fixed := New(c, Options{PollIntervalAverage: time.Second})
	for i := 0; i < 50; i++ {
		assert.Less(t, fixed.RandomInterval(ctx), time.Second)
	}
}

func TestInitialWait(t *testing.T) {
	_, c := setup(t)
	d := New(c, Options{}).InitialWait()
	assert.GreaterOrEqual(t, d, 10*time.Second)
	assert.Less(t, d, 15*time.Second)

	d = New(c, Options{PollIntervalAverage: time.Second}).InitialWait()
	assert.Less(t, d, 5*time.Second)
}

func TestCleanupProcessesOncePerMinute(t *testing.T) {
	s, c := setup(t)
	ctx := context.Background()
	_, err := s.SAdd(queue.ProcessesKey, "gone:1:abc", "alive:2:def")
	require.NoError(t, err)
	s.HSet("alive:2:def", "busy", "0")

	p := New(c, Options{})
	require.NoError(t, p.CleanupProcesses(ctx))
	members, _ := s.SMembers(queue.ProcessesKey)
	assert.Equal(t, []string{"alive:2:def"}, members)

	_, err = s.SAdd(queue.ProcessesKey, "gone:3:ghi")
	require.NoError(t, err)
	require.NoError(t, p.CleanupProcesses(ctx))
	members, _ = s.SMembers(queue.ProcessesKey)
	assert.Len(t, members, 2, "lock held, no second cleanup")

	s.FastForward(61 * time.Second)
	require.NoError(t, p.CleanupProcesses(ctx))
	members, _ = s.SMembers(queue.ProcessesKey)
	assert.Equal(t, []string{"alive:2:def"}, members)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, c := setup(t)
	p := New(c, Options{PollIntervalAverage: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("poller did not stop")
	}
}
