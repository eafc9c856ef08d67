// Package main measures push and processing throughput against a running
// store and worker fleet. Jobs are pushed in bulk by concurrent enqueuers,
// then the benchmark waits for the queue to drain.
//
// Usage:
//
//	go run ./benchmark -jobs 100000 -class Echo
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sidekiq/sidekiq-sub000/pkg/client"
	"github.com/sidekiq/sidekiq-sub000/pkg/logger"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to push")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	batch := flag.Int("batch", client.DefaultBatchSize, "Jobs per bulk push")
	class := flag.String("class", "Echo", "Job class")
	queueName := flag.String("queue", "bench", "Target queue")
	addr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	log := logger.Log
	store, err := queue.New(queue.Options{Addr: *addr, PoolSize: *numWorkers + 2, Logger: &log})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create redis client")
	}
	defer store.Close()
	pusher := client.New(store, client.Options{})
	ctx := context.Background()

	fmt.Printf("Job Queue Benchmark\n")
	fmt.Printf("===================\n")
	fmt.Printf("Jobs to push: %d (batches of %d)\n", *numJobs, *batch)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	fmt.Printf("Starting push phase...\n")
	startPush := time.Now()

	var wg sync.WaitGroup
	var pushed atomic.Int64
	jobsPerWorker := *numJobs / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			args := make([][]any, jobsPerWorker)
			for j := range args {
				args[j] = []any{map[string]any{"worker": workerID, "job": j}}
			}
			jids, err := pusher.PushBulk(ctx, client.Bulk{Class: *class, Queue: *queueName, Args: args, BatchSize: *batch})
			pushed.Add(int64(len(jids)))
			if err != nil {
				fmt.Printf("Error pushing: %v\n", err)
			}
		}(i)
	}

	wg.Wait()
	pushTime := time.Since(startPush)
	total := pushed.Load()

	fmt.Printf("✓ Pushed %d jobs in %s\n", total, pushTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(total)/pushTime.Seconds())

	fmt.Printf("Waiting for all jobs to be processed...\n")
	startProcess := time.Now()

	for {
		remaining, err := store.Size(ctx, *queueName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read queue size")
		}
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d jobs\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All jobs processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f jobs/sec\n", float64(total)/processTime.Seconds())

	totalTime := pushTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f jobs/sec\n", float64(total)/totalTime.Seconds())
}
