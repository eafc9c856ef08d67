// Package main implements the demo worker binary.
//
// Handlers:
//   - Echo logs its arguments
//   - Email simulates a call to a mail service
//   - ImageResize simulates CPU work on the "media" queue
//   - Slow sleeps 5s unless shutdown interrupts it
//
// Usage:
//
//	go run ./cmd/worker run -q critical,2 -q default --metrics-addr :8080
//	go run ./cmd/worker enqueue Email '"user@example.com"' '"Hello"'
//	go run ./cmd/worker stats
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/cli"
	"github.com/sidekiq/sidekiq-sub000/pkg/logger"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
)

func echo(ctx context.Context, args []any) error {
	zerolog.Ctx(ctx).Info().Interface("args", args).Msg("Echo")
	return nil
}

func sendEmail(ctx context.Context, args []any) error {
	zerolog.Ctx(ctx).Info().Interface("args", args).Msg("Sending email...")
	return sleep(ctx, 200*time.Millisecond)
}

func resizeImage(ctx context.Context, args []any) error {
	zerolog.Ctx(ctx).Info().Interface("args", args).Msg("Resizing image...")
	return sleep(ctx, 500*time.Millisecond)
}

func slow(ctx context.Context, _ []any) error {
	zerolog.Ctx(ctx).Info().Msg("Processing slow simulation job (5s)...")
	return sleep(ctx, 5*time.Second)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func registry() *worker.Registry {
	reg := worker.NewRegistry()
	must := func(err error) {
		if err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to register handler")
		}
	}
	must(reg.Handle("Echo", echo))
	must(reg.Handle("Email", sendEmail, worker.Retry(5)))
	must(reg.Handle("ImageResize", resizeImage, worker.Queue("media"), worker.BacktraceLines(10)))
	must(reg.Handle("Slow", slow, worker.Retry(false)))
	return reg
}

func main() {
	if err := cli.BuildCLI(registry()).Execute(); err != nil {
		logger.Log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
