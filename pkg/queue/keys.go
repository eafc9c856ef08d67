package queue

import "time"

// Redis key layout shared by every process of a fleet.
const (
	QueuesKey    = "queues"    // SET of known queue names
	ScheduleKey  = "schedule"  // ZSET, score = eligibility time
	RetryKey     = "retry"     // ZSET, score = next attempt time
	DeadKey      = "dead"      // ZSET, score = time of death
	ProcessesKey = "processes" // SET of live process identities

	queuePrefix = "queue:"
	statPrefix  = "stat:"
)

// Stat names kept as counters under stat:<name> and stat:<name>:<date>.
const (
	StatProcessed = "processed"
	StatFailed    = "failed"
)

// QueueKey returns the list key holding the named queue.
func QueueKey(name string) string {
	return queuePrefix + name
}

// QueueName strips the list prefix from a queue key.
func QueueName(key string) string {
	if len(key) > len(queuePrefix) && key[:len(queuePrefix)] == queuePrefix {
		return key[len(queuePrefix):]
	}
	return key
}

// StatKey returns the all-time counter key for a stat.
func StatKey(stat string) string {
	return statPrefix + stat
}

// DailyStatKey returns the per-day counter key for a stat.
func DailyStatKey(stat string, day time.Time) string {
	return statPrefix + stat + ":" + day.UTC().Format("2006-01-02")
}

// WorkKey returns the hash holding the in-progress jobs of a process.
func WorkKey(identity string) string {
	return identity + ":work"
}

// SignalsKey returns the list used to send signals to a process.
func SignalsKey(identity string) string {
	return identity + "-signals"
}
