package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
)

// Read and administrative access used by the CLI and the HTTP admin API.
// Mutations of sorted set entries go through the same ZREM
// compare-and-remove as the scheduler, so they never race it into a
// duplicate or a lost job.

// ErrEntryNotFound is returned when a job is no longer where the caller saw it.
var ErrEntryNotFound = errors.New("queue: entry not found")

// Entry is a job as stored in a queue or sorted set.
type Entry struct {
	Raw    string      `json:"-"`
	Record *job.Record `json:"job"`
	Queue  string      `json:"queue,omitempty"`
	Score  float64     `json:"score,omitempty"`
}

func newEntry(raw string) *Entry {
	e := &Entry{Raw: raw}
	if rec, err := job.Decode([]byte(raw)); err == nil {
		e.Record = rec
	}
	return e
}

// JID returns the entry's jid, or an empty string for an undecodable payload.
func (e *Entry) JID() string {
	if e.Record == nil {
		return ""
	}
	return e.Record.JID
}

// Stats summarizes the whole store.
type Stats struct {
	Processed           int64            `json:"processed"`
	Failed              int64            `json:"failed"`
	Enqueued            int64            `json:"enqueued"`
	ScheduledSize       int64            `json:"scheduled_size"`
	RetrySize           int64            `json:"retry_size"`
	DeadSize            int64            `json:"dead_size"`
	ProcessesSize       int64            `json:"processes_size"`
	WorkersSize         int64            `json:"workers_size"`
	DefaultQueueLatency float64          `json:"default_queue_latency"`
	Queues              map[string]int64 `json:"queues"`
}

// Stats gathers the store-wide counters in two round trips.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var (
		processed, failed         *redis.StringCmd
		sched, retry, dead, procs *redis.IntCmd
		queues                    *redis.StringSliceCmd
		first                     *redis.StringSliceCmd
	)
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		processed = pipe.Get(ctx, StatKey(StatProcessed))
		failed = pipe.Get(ctx, StatKey(StatFailed))
		sched = pipe.ZCard(ctx, ScheduleKey)
		retry = pipe.ZCard(ctx, RetryKey)
		dead = pipe.ZCard(ctx, DeadKey)
		procs = pipe.SCard(ctx, ProcessesKey)
		queues = pipe.SMembers(ctx, QueuesKey)
		first = pipe.LRange(ctx, QueueKey(job.DefaultQueue), 0, 0)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	s := &Stats{
		Processed:     parseInt(processed.Val()),
		Failed:        parseInt(failed.Val()),
		ScheduledSize: sched.Val(),
		RetrySize:     retry.Val(),
		DeadSize:      dead.Val(),
		ProcessesSize: procs.Val(),
		Queues:        make(map[string]int64),
	}
	if raw := first.Val(); len(raw) > 0 {
		s.DefaultQueueLatency = latencyOf(raw[0], time.Now())
	}

	names := queues.Val()
	lens := make([]*redis.IntCmd, len(names))
	identities, err := c.rdb.SMembers(ctx, ProcessesKey).Result()
	if err != nil {
		return nil, err
	}
	busy := make([]*redis.StringCmd, len(identities))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, q := range names {
			lens[i] = pipe.LLen(ctx, QueueKey(q))
		}
		for i, id := range identities {
			busy[i] = pipe.HGet(ctx, id, "busy")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, q := range names {
		s.Queues[q] = lens[i].Val()
		s.Enqueued += lens[i].Val()
	}
	for _, b := range busy {
		s.WorkersSize += parseInt(b.Val())
	}
	return s, nil
}

// DailyStats returns the processed and failed counts for the given day.
func (c *Client) DailyStats(ctx context.Context, day time.Time) (processed, failed int64, err error) {
	vals, err := c.rdb.MGet(ctx, DailyStatKey(StatProcessed, day), DailyStatKey(StatFailed, day)).Result()
	if err != nil {
		return 0, 0, err
	}
	toInt := func(v interface{}) int64 {
		s, _ := v.(string)
		return parseInt(s)
	}
	return toInt(vals[0]), toInt(vals[1]), nil
}

// ResetStats zeroes the all-time counters.
func (c *Client) ResetStats(ctx context.Context) error {
	return c.rdb.Del(ctx, StatKey(StatProcessed), StatKey(StatFailed)).Err()
}

// Queues returns the known queue names, sorted.
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, QueuesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Queue is a handle on one live queue.
type Queue struct {
	c    *Client
	Name string
}

// Queue returns a handle on the named live queue.
func (c *Client) Queue(name string) *Queue {
	return &Queue{c: c, Name: name}
}

// Size returns the number of waiting jobs.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.c.Size(ctx, q.Name)
}

// Latency returns how long the oldest job has been waiting, in seconds.
func (q *Queue) Latency(ctx context.Context) (float64, error) {
	raw, err := q.c.rdb.LRange(ctx, QueueKey(q.Name), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	return latencyOf(raw[0], time.Now()), nil
}

// Entries returns up to limit jobs starting at offset, oldest first.
func (q *Queue) Entries(ctx context.Context, offset, limit int64) ([]*Entry, error) {
	raws, err := q.c.rdb.LRange(ctx, QueueKey(q.Name), offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(raws))
	for _, raw := range raws {
		e := newEntry(raw)
		e.Queue = q.Name
		entries = append(entries, e)
	}
	return entries, nil
}

// Find scans the queue for a job id.
func (q *Queue) Find(ctx context.Context, jid string) (*Entry, error) {
	const page = 100
	for offset := int64(0); ; offset += page {
		entries, err := q.Entries(ctx, offset, page)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.JID() == jid {
				return e, nil
			}
		}
		if len(entries) < page {
			return nil, ErrEntryNotFound
		}
	}
}

// Delete removes a specific job from the queue.
func (q *Queue) Delete(ctx context.Context, e *Entry) (bool, error) {
	n, err := q.c.rdb.LRem(ctx, QueueKey(q.Name), 1, e.Raw).Result()
	return n == 1, err
}

// Clear drops every job of the queue and forgets the queue.
func (q *Queue) Clear(ctx context.Context) error {
	_, err := q.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, QueueKey(q.Name))
		pipe.SRem(ctx, QueuesKey, q.Name)
		return nil
	})
	return err
}

// SortedSet is a handle on the schedule, retry or dead set.
type SortedSet struct {
	c   *Client
	Key string
}

// ScheduledSet returns the set of jobs deferred by clients.
func (c *Client) ScheduledSet() *SortedSet { return &SortedSet{c: c, Key: ScheduleKey} }

// RetrySet returns the set of failed jobs awaiting another attempt.
func (c *Client) RetrySet() *SortedSet { return &SortedSet{c: c, Key: RetryKey} }

// Size returns the number of members.
func (s *SortedSet) Size(ctx context.Context) (int64, error) {
	return s.c.SetSize(ctx, s.Key)
}

// Entries returns up to limit members starting at offset, lowest score first.
func (s *SortedSet) Entries(ctx context.Context, offset, limit int64) ([]*Entry, error) {
	zs, err := s.c.rdb.ZRangeWithScores(ctx, s.Key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	return scoredEntries(zs), nil
}

// Find scans the set for a job id.
func (s *SortedSet) Find(ctx context.Context, jid string) (*Entry, error) {
	const page = 100
	for offset := int64(0); ; offset += page {
		entries, err := s.Entries(ctx, offset, page)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.JID() == jid {
				return e, nil
			}
		}
		if len(entries) < page {
			return nil, ErrEntryNotFound
		}
	}
}

// Delete removes the job with jid stored at score.
func (s *SortedSet) Delete(ctx context.Context, score float64, jid string) error {
	_, err := s.remove(ctx, score, jid)
	return err
}

// RetryNow moves the job with jid at score onto its live queue.
func (s *SortedSet) RetryNow(ctx context.Context, score float64, jid string) error {
	e, err := s.remove(ctx, score, jid)
	if err != nil {
		return err
	}
	if e.Record == nil {
		return fmt.Errorf("queue: %s entry %s is not a decodable job", s.Key, jid)
	}
	return s.c.EnqueueRecord(ctx, e.Record, time.Now())
}

// Kill moves the job with jid at score into the dead set.
func (s *SortedSet) Kill(ctx context.Context, score float64, jid string) error {
	e, err := s.remove(ctx, score, jid)
	if err != nil {
		return err
	}
	return s.c.DeadSet(DefaultDeadMaxJobs, DefaultDeadTimeout).Kill(ctx, e.Raw, time.Now())
}

// RetryAll moves every member onto its live queue, returning the number moved.
// Members that do not decode to a job are moved to the dead set, or left in
// place when the set is the dead set.
func (s *SortedSet) RetryAll(ctx context.Context) (int, error) {
	const page = 100
	moved := 0
	var kept int64
	for {
		entries, err := s.Entries(ctx, kept, page)
		if err != nil {
			return moved, err
		}
		if len(entries) == 0 {
			return moved, nil
		}
		for _, e := range entries {
			if e.Record == nil && s.Key == DeadKey {
				kept++
				continue
			}
			ok, err := s.c.RemoveMember(ctx, s.Key, e.Raw)
			if err != nil {
				return moved, err
			}
			if !ok {
				continue
			}
			if e.Record == nil {
				s.c.log.Warn().Str("set", s.Key).Msg("Undecodable entry, sending to the dead set")
				if err := s.c.DeadSet(DefaultDeadMaxJobs, DefaultDeadTimeout).Kill(ctx, e.Raw, time.Now()); err != nil {
					return moved, err
				}
				continue
			}
			if err := s.c.EnqueueRecord(ctx, e.Record, time.Now()); err != nil {
				return moved, err
			}
			moved++
		}
	}
}

// Clear removes every member.
func (s *SortedSet) Clear(ctx context.Context) error {
	return s.c.rdb.Del(ctx, s.Key).Err()
}

// remove finds the member at score whose jid matches and ZREMs it. Losing
// the race to another remover reports ErrEntryNotFound.
func (s *SortedSet) remove(ctx context.Context, score float64, jid string) (*Entry, error) {
	members, err := s.c.rdb.ZRangeByScore(ctx, s.Key, &redis.ZRangeBy{
		Min: formatScore(score),
		Max: formatScore(score),
	}).Result()
	if err != nil {
		return nil, err
	}
	for _, raw := range members {
		e := newEntry(raw)
		if e.JID() != jid {
			continue
		}
		ok, err := s.c.RemoveMember(ctx, s.Key, raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrEntryNotFound
		}
		e.Score = score
		return e, nil
	}
	return nil, ErrEntryNotFound
}

// Dead set limits.
const (
	DefaultDeadMaxJobs = 10000
	DefaultDeadTimeout = 180 * 24 * time.Hour
)

// DeadSet is the terminal set of jobs that exhausted their retries.
type DeadSet struct {
	SortedSet
	MaxJobs int64
	Timeout time.Duration
}

// DeadSet returns the dead set capped at maxJobs members no older than timeout.
func (c *Client) DeadSet(maxJobs int64, timeout time.Duration) *DeadSet {
	return &DeadSet{SortedSet: SortedSet{c: c, Key: DeadKey}, MaxJobs: maxJobs, Timeout: timeout}
}

// Kill adds a raw payload to the dead set and trims the oldest members.
func (d *DeadSet) Kill(ctx context.Context, payload string, now time.Time) error {
	_, err := d.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, d.Key, redis.Z{Score: job.Epoch(now), Member: payload})
		pipe.ZRemRangeByScore(ctx, d.Key, "-inf", formatScore(job.Epoch(now.Add(-d.Timeout))))
		pipe.ZRemRangeByRank(ctx, d.Key, 0, -d.MaxJobs-1)
		return nil
	})
	return err
}

// Process is one live worker process as reported by its heartbeat.
type Process struct {
	Identity string         `json:"identity"`
	Info     map[string]any `json:"info"`
	Busy     int64          `json:"busy"`
	Beat     float64        `json:"beat"`
	Quiet    bool           `json:"quiet"`
}

// ProcessSet is the fleet of processes registered under "processes".
type ProcessSet struct {
	c *Client
}

// Processes returns a handle on the fleet.
func (c *Client) Processes() *ProcessSet {
	return &ProcessSet{c: c}
}

// Size returns the number of registered processes, stale ones included.
func (p *ProcessSet) Size(ctx context.Context) (int64, error) {
	return p.c.rdb.SCard(ctx, ProcessesKey).Result()
}

// List returns the processes whose heartbeat key is still alive.
func (p *ProcessSet) List(ctx context.Context) ([]*Process, error) {
	identities, err := p.c.rdb.SMembers(ctx, ProcessesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(identities)
	cmds := make([]*redis.MapStringStringCmd, len(identities))
	_, err = p.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range identities {
			cmds[i] = pipe.HGetAll(ctx, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	procs := make([]*Process, 0, len(identities))
	for i, id := range identities {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		proc := &Process{
			Identity: id,
			Busy:     parseInt(h["busy"]),
			Quiet:    h["quiet"] == "true",
		}
		proc.Beat, _ = strconv.ParseFloat(h["beat"], 64)
		if h["info"] != "" {
			_ = json.Unmarshal([]byte(h["info"]), &proc.Info)
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

// Cleanup unregisters processes whose heartbeat key expired and returns
// how many were removed.
func (p *ProcessSet) Cleanup(ctx context.Context) (int, error) {
	identities, err := p.c.rdb.SMembers(ctx, ProcessesKey).Result()
	if err != nil {
		return 0, err
	}
	exists := make([]*redis.IntCmd, len(identities))
	_, err = p.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range identities {
			exists[i] = pipe.Exists(ctx, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var stale []interface{}
	for i, id := range identities {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := p.c.rdb.SRem(ctx, ProcessesKey, stale...).Result()
	return int(n), err
}

// Work returns the in-progress jobs of one process keyed by execution unit.
func (p *ProcessSet) Work(ctx context.Context, identity string) (map[string]string, error) {
	return p.c.rdb.HGetAll(ctx, WorkKey(identity)).Result()
}

// Signals understood by a process heartbeat.
const (
	SignalQuiet = "TSTP"
	SignalStop  = "TERM"
)

// Quiet asks a process to stop fetching new work.
func (p *ProcessSet) Quiet(ctx context.Context, identity string) error {
	return p.signal(ctx, identity, SignalQuiet)
}

// Stop asks a process to shut down.
func (p *ProcessSet) Stop(ctx context.Context, identity string) error {
	return p.signal(ctx, identity, SignalStop)
}

func (p *ProcessSet) signal(ctx context.Context, identity, sig string) error {
	key := SignalsKey(identity)
	_, err := p.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, sig)
		pipe.Expire(ctx, key, time.Minute)
		return nil
	})
	return err
}

func latencyOf(raw string, now time.Time) float64 {
	rec, err := job.Decode([]byte(raw))
	if err != nil {
		return 0
	}
	at := rec.EnqueuedAt
	if at == 0 {
		at = rec.CreatedAt
	}
	if at == 0 {
		return 0
	}
	return job.Epoch(now) - at
}

func scoredEntries(zs []redis.Z) []*Entry {
	entries := make([]*Entry, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		e := newEntry(raw)
		e.Score = z.Score
		entries = append(entries, e)
	}
	return entries
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
