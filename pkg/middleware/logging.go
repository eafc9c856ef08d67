package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
)

// Logging logs the start and end of every job with its elapsed time and
// stores a job-scoped logger in the context for handlers (zerolog.Ctx).
func Logging(log zerolog.Logger) Constructor {
	return func() Middleware {
		return &jobLogger{log: log}
	}
}

type jobLogger struct {
	log zerolog.Logger
}

func (l *jobLogger) Call(ctx context.Context, rec *job.Record, queue string, next Next) error {
	jl := l.log.With().
		Str("class", rec.Class).
		Str("jid", rec.JID).
		Str("queue", queue).
		Logger()

	start := time.Now()
	jl.Info().Msg("start")
	err := next(jl.WithContext(ctx))
	elapsed := time.Since(start).Seconds()
	if err != nil {
		jl.Warn().Err(err).Float64("elapsed", elapsed).Msg("fail")
		return err
	}
	jl.Info().Float64("elapsed", elapsed).Msg("done")
	return nil
}
