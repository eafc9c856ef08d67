// Package metrics holds the process-local job counters flushed by the
// heartbeat and the Prometheus collectors exposed on /metrics.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/middleware"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

// Counters are the processed and failed tallies of one process. Increments
// are lock-free and Reset reads and clears each counter in one step.
type Counters struct {
	processed atomic.Int64
	failed    atomic.Int64
}

// Processed counts one executed job.
func (c *Counters) Processed() { c.processed.Add(1) }

// Failed counts one failed job.
func (c *Counters) Failed() { c.failed.Add(1) }

// Reset returns the tallies accumulated since the last Reset and zeroes them.
func (c *Counters) Reset() (processed, failed int64) {
	return c.processed.Swap(0), c.failed.Swap(0)
}

// Restore adds back tallies that could not be flushed.
func (c *Counters) Restore(processed, failed int64) {
	c.processed.Add(processed)
	c.failed.Add(failed)
}

// Snapshot reads the tallies without clearing them.
func (c *Counters) Snapshot() (processed, failed int64) {
	return c.processed.Load(), c.failed.Load()
}

// Collector is the set of Prometheus metrics of a worker process.
type Collector struct {
	// Processed counts jobs by status ("success" or "failed") and class.
	Processed *prometheus.CounterVec

	// Duration is the execution time of a job, used for P50/P95/P99 panels.
	Duration *prometheus.HistogramVec

	// Latency is the time a job waited on its queue, now - enqueued_at.
	Latency *prometheus.HistogramVec

	// Depth is the size of each queue and of the schedule, retry and dead sets.
	Depth *prometheus.GaugeVec

	// Busy is the number of jobs running in this process.
	Busy prometheus.Gauge
}

// NewCollector registers the metrics with reg. A nil reg uses the default
// registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "workq_processed_total",
			Help: "The total number of processed jobs",
		}, []string{"status", "class"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workq_job_duration_seconds",
			Help:    "Duration of job execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workq_queue_latency_seconds",
			Help:    "Time spent in queue before processing",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		Depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workq_queue_depth",
			Help: "Number of jobs in each queue",
		}, []string{"queue"}),
		Busy: f.NewGauge(prometheus.GaugeOpts{
			Name: "workq_busy",
			Help: "Number of jobs currently running",
		}),
	}
}

// Middleware observes every execution it wraps.
func (c *Collector) Middleware() middleware.Constructor {
	return middleware.Of(middleware.Func(func(ctx context.Context, rec *job.Record, q string, next middleware.Next) error {
		start := time.Now()
		if rec.EnqueuedAt > 0 {
			c.Latency.WithLabelValues(q).Observe(start.Sub(job.Time(rec.EnqueuedAt)).Seconds())
		}
		c.Busy.Inc()
		err := next(ctx)
		c.Busy.Dec()
		c.Duration.WithLabelValues(rec.Class).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "failed"
		}
		c.Processed.WithLabelValues(status, rec.Class).Inc()
		return err
	}))
}

// CollectQueueDepths periodically queries the store for queue depths and
// updates the Depth gauge until ctx is done.
func (c *Collector) CollectQueueDepths(ctx context.Context, store *queue.Client, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.UpdateDepths(ctx, store)
		}
	}
}

// UpdateDepths runs one collection.
func (c *Collector) UpdateDepths(ctx context.Context, store *queue.Client) {
	for name, depth := range store.GetQueueDepths(ctx) {
		c.Depth.WithLabelValues(name).Set(float64(depth))
	}
}
