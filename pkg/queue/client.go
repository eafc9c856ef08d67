// Package queue provides access to the Redis-backed job store.
// It owns the key layout and every store primitive the engine relies on:
//   - Live queues as lists: RPUSH to enqueue, BLPOP to dequeue
//   - The "queues" set for discovery
//   - Time ordered sorted sets for scheduled, retry and dead jobs
//   - Compare-and-remove on sorted set members, the atomicity boundary for
//     moving a job between places
//
// The Client type is the handle passed to every component. It carries the
// connection pool and the logger.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/logger"
)

// Client manages the connection pool to Redis and exposes the store
// primitives. It is safe for concurrent use.
type Client struct {
	rdb *redis.Client
	log zerolog.Logger
}

// Options configures a Client.
type Options struct {
	// URL, when set, wins over Addr/Password/DB (e.g. "redis://:pw@host:6379/2").
	URL      string
	Addr     string
	Password string
	DB       int

	// PoolSize must cover every goroutine that talks to the store at once:
	// the worker pool plus scheduler, heartbeat and clients.
	PoolSize int

	Logger *zerolog.Logger
}

// NewClient creates a client connected to the specified Redis address
// with the default pool size and the global logger.
//
// Example:
//
//	client := queue.NewClient("localhost:6379")
func NewClient(addr string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		log: logger.Log,
	}
}

// New creates a client from Options.
func New(opts Options) (*Client, error) {
	var ro *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("queue: parse redis url: %w", err)
		}
		ro = parsed
	} else {
		addr := opts.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		ro = &redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB}
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	l := logger.Log
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Client{rdb: redis.NewClient(ro), log: l}, nil
}

// WithLogger returns a copy of the client sharing the same pool but logging to l.
func (c *Client) WithLogger(l zerolog.Logger) *Client {
	return &Client{rdb: c.rdb, log: l}
}

// Log returns the logger carried by the client.
func (c *Client) Log() *zerolog.Logger {
	return &c.log
}

// Redis returns the underlying go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// PoolSize returns the configured size of the connection pool.
func (c *Client) PoolSize() int {
	return c.rdb.Options().PoolSize
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Enqueue pushes payloads to the tail of the named queue and registers the
// queue as known, in one MULTI/EXEC round trip.
func (c *Client) Enqueue(ctx context.Context, queue string, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, QueuesKey, queue)
		pipe.RPush(ctx, QueueKey(queue), values...)
		return nil
	})
	return err
}

// PushBatch writes live payloads (by queue) and scheduled payloads in one
// MULTI/EXEC round trip. Either all of them are written or none.
func (c *Client) PushBatch(ctx context.Context, live map[string][][]byte, scheduled []Scored) error {
	if len(live) == 0 && len(scheduled) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for q, payloads := range live {
			if len(payloads) == 0 {
				continue
			}
			values := make([]interface{}, len(payloads))
			for i, p := range payloads {
				values[i] = p
			}
			pipe.SAdd(ctx, QueuesKey, q)
			pipe.RPush(ctx, QueueKey(q), values...)
		}
		if len(scheduled) > 0 {
			zs := make([]redis.Z, len(scheduled))
			for i, m := range scheduled {
				zs[i] = redis.Z{Score: m.Score, Member: m.Payload}
			}
			pipe.ZAdd(ctx, ScheduleKey, zs...)
		}
		return nil
	})
	return err
}

// EnqueueRecord stamps enqueued_at, clears any schedule time and pushes the
// record onto its live queue.
func (c *Client) EnqueueRecord(ctx context.Context, rec *job.Record, now time.Time) error {
	rec.EnqueuedAt = job.Epoch(now)
	rec.At = 0
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	return c.Enqueue(ctx, rec.Queue, data)
}

// Requeue pushes raw payloads back onto the tail of their queues, grouped by
// queue, in a single pipeline.
func (c *Client) Requeue(ctx context.Context, byQueue map[string][]string) error {
	if len(byQueue) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for q, payloads := range byQueue {
			if len(payloads) == 0 {
				continue
			}
			values := make([]interface{}, len(payloads))
			for i, p := range payloads {
				values[i] = p
			}
			pipe.RPush(ctx, QueueKey(q), values...)
		}
		return nil
	})
	return err
}

// BlockingPop waits up to timeout for a payload on any of the queues, checked
// in the given order. It returns an empty queue name when nothing arrived.
func (c *Client) BlockingPop(ctx context.Context, timeout time.Duration, queues ...string) (string, string, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = QueueKey(q)
	}
	result, err := c.rdb.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return QueueName(result[0]), result[1], nil
}

// Scored is one sorted set member with its score.
type Scored struct {
	Score   float64
	Payload []byte
}

// AddScored adds members to a sorted set in one round trip.
func (c *Client) AddScored(ctx context.Context, key string, members ...Scored) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Payload}
	}
	return c.rdb.ZAdd(ctx, key, zs...).Err()
}

// FirstDue returns the lowest scored member with a score <= now, or an
// empty string when none is due. The member is not removed.
func (c *Client) FirstDue(ctx context.Context, key string, now float64) (string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    formatScore(now),
		Offset: 0,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(members) == 0 {
		return "", nil
	}
	return members[0], nil
}

// RemoveMember removes member from a sorted set and reports whether this
// call removed it. Only one of several racing callers gets true.
func (c *Client) RemoveMember(ctx context.Context, key, member string) (bool, error) {
	n, err := c.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Size returns the length of a live queue.
func (c *Client) Size(ctx context.Context, queue string) (int64, error) {
	return c.rdb.LLen(ctx, QueueKey(queue)).Result()
}

// SetSize returns the cardinality of a sorted set.
func (c *Client) SetSize(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// GetQueueDepths returns the current depth for all known queues and the
// scheduled, retry and dead sets. Queues that fail to report are skipped.
func (c *Client) GetQueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)

	queues, err := c.rdb.SMembers(ctx, QueuesKey).Result()
	if err != nil {
		return depths
	}
	for _, q := range queues {
		if n, err := c.rdb.LLen(ctx, QueueKey(q)).Result(); err == nil {
			depths[QueueKey(q)] = n
		}
	}

	for _, key := range []string{ScheduleKey, RetryKey, DeadKey} {
		if n, err := c.rdb.ZCard(ctx, key).Result(); err == nil {
			depths[key] = n
		}
	}

	return depths
}

// tokenBucket refills and consumes one token atomically.
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec), ARGV[2]: burst, ARGV[3]: now (sec), ARGV[4]: tokens requested
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, math.ceil(burst / math.max(rate, 1)) + 60)
	return allowed
`)

// Allow reports whether the rate limit under key admits one more job.
// It uses a token bucket refilled at limit tokens per second with the given
// burst capacity.
func (c *Client) Allow(ctx context.Context, key string, limit int, burst int) (bool, error) {
	result, err := tokenBucket.Run(ctx, c.rdb,
		[]string{key},
		limit,
		burst,
		time.Now().Unix(),
		1,
	).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
