package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sidekiq/sidekiq-sub000/pkg/manager"
	"github.com/sidekiq/sidekiq-sub000/pkg/metrics"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	mu       sync.Mutex
	work     map[string]manager.Work
	counters metrics.Counters
	quiet    bool
}

func (p *fakePool) InProgress() map[string]manager.Work {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]manager.Work, len(p.work))
	for k, v := range p.work {
		out[k] = v
	}
	return out
}

func (p *fakePool) Counters() *metrics.Counters { return &p.counters }

func (p *fakePool) Quieted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quiet
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, opts Options) (*miniredis.Miniredis, *queue.Client, *fakePool, *Heartbeat) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := queue.New(queue.Options{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	pool := &fakePool{work: map[string]manager.Work{}}
	opts.Now = func() time.Time { return now }
	if opts.Info.Identity == "" {
		opts.Info.Identity = "host:1:abc"
	}
	h, err := New(c, pool, opts)
	require.NoError(t, err)
	return s, c, pool, h
}

func TestBeatRegistersProcess(t *testing.T) {
	s, c, pool, h := setup(t, Options{Info: Info{Concurrency: 5, Queues: []string{"default"}, Tag: "app"}})
	pool.work["tid1"] = manager.Work{Queue: "default", Payload: `{"class":"Echo","args":[]}`, RunAt: now}

	require.NoError(t, h.Beat(context.Background()))

	members, _ := s.SMembers(queue.ProcessesKey)
	assert.Equal(t, []string{"host:1:abc"}, members)
	assert.Equal(t, "1", s.HGet("host:1:abc", "busy"))
	assert.Equal(t, "false", s.HGet("host:1:abc", "quiet"))
	assert.Equal(t, 60*time.Second, s.TTL("host:1:abc"))

	procs, err := c.Processes().List(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "app", procs[0].Info["tag"])
	assert.Equal(t, float64(5), procs[0].Info["concurrency"])

	work, err := c.Processes().Work(context.Background(), "host:1:abc")
	require.NoError(t, err)
	require.Contains(t, work, "tid1")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(work["tid1"]), &entry))
	assert.Equal(t, "default", entry["queue"])
	assert.Equal(t, "Echo", entry["payload"].(map[string]any)["class"])
}

func TestBeatFlushesCounters(t *testing.T) {
	s, c, pool, h := setup(t, Options{})
	for i := 0; i < 3; i++ {
		pool.counters.Processed()
	}
	pool.counters.Failed()

	require.NoError(t, h.Beat(context.Background()))
	p, f := pool.counters.Snapshot()
	assert.Zero(t, p)
	assert.Zero(t, f)

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	dp, df, err := c.DailyStats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), dp)
	assert.Equal(t, int64(1), df)
	assert.Greater(t, s.TTL(queue.DailyStatKey(queue.StatProcessed, now)), time.Hour)
}

func TestBeatRestoresCountersOnFailure(t *testing.T) {
	s, _, pool, h := setup(t, Options{})
	pool.counters.Processed()
	s.Close()

	assert.Error(t, h.Beat(context.Background()))
	p, _ := pool.counters.Snapshot()
	assert.Equal(t, int64(1), p)
}

func TestBeatDeliversSignals(t *testing.T) {
	var got []string
	_, c, _, h := setup(t, Options{OnSignal: func(sig string) { got = append(got, sig) }})
	ctx := context.Background()

	require.NoError(t, c.Processes().Quiet(ctx, h.Identity()))
	require.NoError(t, c.Processes().Stop(ctx, h.Identity()))

	require.NoError(t, h.Beat(ctx))
	require.NoError(t, h.Beat(ctx))
	require.NoError(t, h.Beat(ctx))
	assert.Equal(t, []string{queue.SignalQuiet, queue.SignalStop}, got)
}

func TestRunClearsOnExit(t *testing.T) {
	s, _, pool, h := setup(t, Options{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Exists("host:1:abc") }, time.Second, 5*time.Millisecond)
	pool.counters.Processed()
	cancel()
	require.NoError(t, <-done)

	assert.False(t, s.Exists("host:1:abc"))
	members, _ := s.SMembers(queue.ProcessesKey)
	assert.Empty(t, members)
	v, _ := s.Get(queue.StatKey(queue.StatProcessed))
	assert.Equal(t, "1", v, "counters left at exit are flushed")
}

func TestIdentityIsGenerated(t *testing.T) {
	s := miniredis.RunT(t)
	c, err := queue.New(queue.Options{Addr: s.Addr()})
	require.NoError(t, err)
	defer c.Close()
	a, err := New(c, &fakePool{}, Options{})
	require.NoError(t, err)
	b, err := New(c, &fakePool{}, Options{})
	require.NoError(t, err)
	assert.Regexp(t, `^.+:\d+:[0-9a-f]{12}$`, a.Identity())
	assert.NotEqual(t, a.Identity(), b.Identity())
}
