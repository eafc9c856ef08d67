package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := NewClient(s.Addr())
	t.Cleanup(func() { client.Close() })
	return s, client
}

func encode(t *testing.T, rec *job.Record) []byte {
	t.Helper()
	data, err := rec.Encode()
	require.NoError(t, err)
	return data
}

func TestNew(t *testing.T) {
	s := miniredis.RunT(t)

	c, err := New(Options{URL: "redis://" + s.Addr() + "/0", PoolSize: 17})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 17, c.PoolSize())
	assert.NoError(t, c.Ping(context.Background()))

	_, err = New(Options{URL: "not-a-url://"})
	assert.Error(t, err)
}

func TestEnqueue(t *testing.T) {
	s, client := setupTestRedis(t)
	ctx := context.Background()

	err := client.Enqueue(ctx, "default", []byte(`{"jid":"1"}`), []byte(`{"jid":"2"}`))
	require.NoError(t, err)

	list, err := s.List("queue:default")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"jid":"1"}`, `{"jid":"2"}`}, list)

	members, err := s.Members(QueuesKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, members)
}

func TestBlockingPopFIFO(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	for _, p := range []string{"J1", "J2", "J3"} {
		require.NoError(t, client.Enqueue(ctx, "default", []byte(p)))
	}

	for _, want := range []string{"J1", "J2", "J3"} {
		q, payload, err := client.BlockingPop(ctx, time.Second, "default")
		require.NoError(t, err)
		assert.Equal(t, "default", q)
		assert.Equal(t, want, payload)
	}
}

func TestBlockingPopOrderAcrossQueues(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, "low", []byte("low")))
	require.NoError(t, client.Enqueue(ctx, "high", []byte("high")))

	q, payload, err := client.BlockingPop(ctx, time.Second, "high", "low")
	require.NoError(t, err)
	assert.Equal(t, "high", q)
	assert.Equal(t, "high", payload)

	q, payload, err = client.BlockingPop(ctx, time.Second, "high", "low")
	require.NoError(t, err)
	assert.Equal(t, "low", q)
	assert.Equal(t, "low", payload)
}

func TestBlockingPopTimeout(t *testing.T) {
	_, client := setupTestRedis(t)

	q, payload, err := client.BlockingPop(context.Background(), time.Second, "empty")
	require.NoError(t, err)
	assert.Empty(t, q)
	assert.Empty(t, payload)
}

func TestRequeueGroupsByQueue(t *testing.T) {
	s, client := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, client.Enqueue(ctx, "a", []byte("a0")))

	err := client.Requeue(ctx, map[string][]string{"a": {"a1", "a2"}, "b": {"b1"}})
	require.NoError(t, err)

	a, _ := s.List("queue:a")
	b, _ := s.List("queue:b")
	assert.Equal(t, []string{"a0", "a1", "a2"}, a)
	assert.Equal(t, []string{"b1"}, b)
}

func TestFirstDueAndRemoveMember(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.AddScored(ctx, RetryKey,
		Scored{Score: 100, Payload: []byte("early")},
		Scored{Score: 200, Payload: []byte("late")},
	))

	member, err := client.FirstDue(ctx, RetryKey, 50)
	require.NoError(t, err)
	assert.Empty(t, member)

	member, err = client.FirstDue(ctx, RetryKey, 150)
	require.NoError(t, err)
	assert.Equal(t, "early", member)

	ok, err := client.RemoveMember(ctx, RetryKey, member)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.RemoveMember(ctx, RetryKey, member)
	require.NoError(t, err)
	assert.False(t, ok, "second removal must lose")
}

func TestRemoveMemberRace(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, client.AddScored(ctx, ScheduleKey, Scored{Score: 1, Payload: []byte("job")}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := client.RemoveMember(ctx, ScheduleKey, "job")
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestEnqueueRecordStampsEnqueuedAt(t *testing.T) {
	s, client := setupTestRedis(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	rec := &job.Record{Class: "Echo", Args: []any{}, Queue: "default", JID: "abc", At: 1}
	require.NoError(t, client.EnqueueRecord(ctx, rec, now))

	list, _ := s.List("queue:default")
	require.Len(t, list, 1)
	got, err := job.Decode([]byte(list[0]))
	require.NoError(t, err)
	assert.Equal(t, job.Epoch(now), got.EnqueuedAt)
	assert.Zero(t, got.At)
}

func TestGetQueueDepths(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, "default", []byte("a"), []byte("b")))
	require.NoError(t, client.Enqueue(ctx, "critical", []byte("c")))
	require.NoError(t, client.AddScored(ctx, RetryKey, Scored{Score: 1, Payload: []byte("r")}))

	depths := client.GetQueueDepths(ctx)
	assert.Equal(t, int64(2), depths["queue:default"])
	assert.Equal(t, int64(1), depths["queue:critical"])
	assert.Equal(t, int64(1), depths[RetryKey])
	assert.Equal(t, int64(0), depths[ScheduleKey])
}

func TestRateLimit(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	key := "throttle:test"
	limit := 1 // 1 token per second
	burst := 1 // Capacity 1

	allowed, err := client.Allow(ctx, key, limit, burst)
	require.NoError(t, err)
	assert.True(t, allowed, "first call should be allowed")

	allowed, err = client.Allow(ctx, key, limit, burst)
	require.NoError(t, err)
	assert.False(t, allowed, "second call should be denied")

	// Wait for refill
	time.Sleep(1100 * time.Millisecond)

	allowed, err = client.Allow(ctx, key, limit, burst)
	require.NoError(t, err)
	assert.True(t, allowed, "third call should be allowed after refill")
}

func TestWithLoggerSharesPool(t *testing.T) {
	_, client := setupTestRedis(t)
	other := client.WithLogger(*client.Log())
	assert.Same(t, client.Redis(), other.Redis())
	assert.IsType(t, &redis.Client{}, other.Redis())
}
