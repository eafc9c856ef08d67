// Package cli builds the command line of a worker binary.
//
//	workq run        start a worker process
//	workq enqueue    push a job
//	workq stats      store-wide counters
//	workq queues     queue sizes and latencies
//	workq processes  live processes of the fleet
//	workq quiet ID   ask a process to stop fetching
//	workq stop ID    ask a process to shut down
//
// Settings come from the --config file, then the environment, then flags.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sidekiq/sidekiq-sub000/pkg/client"
	"github.com/sidekiq/sidekiq-sub000/pkg/config"
	"github.com/sidekiq/sidekiq-sub000/pkg/job"
	"github.com/sidekiq/sidekiq-sub000/pkg/launcher"
	"github.com/sidekiq/sidekiq-sub000/pkg/logger"
	"github.com/sidekiq/sidekiq-sub000/pkg/manager"
	"github.com/sidekiq/sidekiq-sub000/pkg/metrics"
	"github.com/sidekiq/sidekiq-sub000/pkg/queue"
	"github.com/sidekiq/sidekiq-sub000/pkg/worker"
	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "0.1.0"

type app struct {
	registry   *worker.Registry
	configFile string
	redisURL   string
}

// BuildCLI returns the root command for a binary whose handlers are in
// registry.
func BuildCLI(registry *worker.Registry) *cobra.Command {
	a := &app{registry: registry}
	rootCmd := &cobra.Command{
		Use:           "workq",
		Short:         "Redis-backed background job processing",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&a.redisURL, "redis", "", "redis url, overrides the config")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildEnqueueCommand())
	rootCmd.AddCommand(a.buildStatsCommand())
	rootCmd.AddCommand(a.buildQueuesCommand())
	rootCmd.AddCommand(a.buildProcessesCommand())
	rootCmd.AddCommand(a.buildSignalCommand("quiet", queue.SignalQuiet))
	rootCmd.AddCommand(a.buildSignalCommand("stop", queue.SignalStop))
	return rootCmd
}

func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return cfg, err
	}
	if a.redisURL != "" {
		cfg.Redis.URL = a.redisURL
	}
	return cfg, nil
}

func (a *app) openStore(cfg config.Config, log zerolog.Logger) (*queue.Client, error) {
	return queue.New(queue.Options{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.PoolSize(),
		Logger:   &log,
	})
}

// withStore loads the config and opens a store for a one-shot command.
func (a *app) withStore(fn func(ctx context.Context, cfg config.Config, store *queue.Client) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	store, err := a.openStore(cfg, logger.New(os.Stderr, cfg.LogLevel))
	if err != nil {
		return err
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, cfg, store)
}

func (a *app) buildRunCommand() *cobra.Command {
	var (
		concurrency int
		queues      []string
		tag         string
		timeout     time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("concurrency") {
				cfg.Concurrency = concurrency
			}
			if flags.Changed("queue") {
				cfg.Queues = queues
			}
			if flags.Changed("tag") {
				cfg.Tag = tag
			}
			if flags.Changed("timeout") {
				cfg.Timeout = timeout
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return a.runWorker(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of processors")
	cmd.Flags().StringArrayVarP(&queues, "queue", "q", nil, `queue to process, "name" or "name,weight" (repeatable)`)
	cmd.Flags().StringVar(&tag, "tag", "", "process tag shown in the fleet")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "shutdown deadline for running jobs")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func (a *app) runWorker(ctx context.Context, cfg config.Config) error {
	logger.SetLevel(cfg.LogLevel)
	log := logger.Log

	store, err := a.openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	l, err := launcher.New(store, launcher.Options{
		Config:    cfg,
		Registry:  a.registry,
		Collector: metrics.NewCollector(reg),
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tstp := make(chan os.Signal, 1)
	signal.Notify(tstp, syscall.SIGTSTP)
	defer signal.Stop(tstp)
	go func() {
		for range tstp {
			log.Info().Msg("Received TSTP, no longer accepting new work")
			l.Quiet()
		}
	}()

	err = l.Run(ctx)
	if errors.Is(err, manager.ErrHardShutdown) {
		log.Warn().Msg("Some jobs were interrupted and pushed back to their queues")
		return nil
	}
	return err
}

func (a *app) buildEnqueueCommand() *cobra.Command {
	var (
		queueName string
		in        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue CLASS [ARG...]",
		Short: "Push a job; each ARG is parsed as JSON, or taken as a string",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, cfg config.Config, store *queue.Client) error {
				c := client.New(store, client.Options{Registry: a.registry, StrictArgs: cfg.StrictArgs})
				rec := &job.Record{Class: args[0], Queue: queueName, Args: parseArgs(args[1:])}
				var (
					jid string
					err error
				)
				if in > 0 {
					jid, err = c.PushIn(ctx, in, rec)
				} else {
					jid, err = c.Push(ctx, rec)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), jid)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "target queue")
	cmd.Flags().DurationVar(&in, "in", 0, "run the job after this delay")
	return cmd
}

func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out[i] = v
	}
	return out
}

func (a *app) buildStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store-wide job counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, _ config.Config, store *queue.Client) error {
				s, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "Processed:\t%d\n", s.Processed)
				fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
				fmt.Fprintf(w, "Enqueued:\t%d\n", s.Enqueued)
				fmt.Fprintf(w, "Scheduled:\t%d\n", s.ScheduledSize)
				fmt.Fprintf(w, "Retries:\t%d\n", s.RetrySize)
				fmt.Fprintf(w, "Dead:\t%d\n", s.DeadSize)
				fmt.Fprintf(w, "Processes:\t%d\n", s.ProcessesSize)
				fmt.Fprintf(w, "Busy:\t%d\n", s.WorkersSize)
				fmt.Fprintf(w, "Default latency:\t%.2fs\n", s.DefaultQueueLatency)
				return w.Flush()
			})
		},
	}
}

func (a *app) buildQueuesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List known queues with their size and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, _ config.Config, store *queue.Client) error {
				names, err := store.Queues(ctx)
				if err != nil {
					return err
				}
				sort.Strings(names)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "QUEUE\tSIZE\tLATENCY")
				for _, name := range names {
					q := store.Queue(name)
					size, err := q.Size(ctx)
					if err != nil {
						return err
					}
					latency, err := q.Latency(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\t%.2fs\n", name, size, latency)
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) buildProcessesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List live worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, _ config.Config, store *queue.Client) error {
				procs, err := store.Processes().List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "IDENTITY\tBUSY\tQUIET\tTAG")
				for _, p := range procs {
					tag, _ := p.Info["tag"].(string)
					fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", p.Identity, p.Busy, p.Quiet, tag)
				}
				return w.Flush()
			})
		},
	}
}

func (a *app) buildSignalCommand(name, sig string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " IDENTITY",
		Short: fmt.Sprintf("Send %s to a worker process through redis", sig),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(ctx context.Context, _ config.Config, store *queue.Client) error {
				procs := store.Processes()
				if sig == queue.SignalQuiet {
					return procs.Quiet(ctx, args[0])
				}
				return procs.Stop(ctx, args[0])
			})
		},
	}
}
