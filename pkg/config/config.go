// Package config loads process settings from a YAML file and the
// environment. Flags are layered on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of one worker process.
type Config struct {
	Redis struct {
		URL      string `yaml:"url"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Concurrency int `yaml:"concurrency"`

	// Queues entries are "name" or "name,weight".
	Queues []string `yaml:"queues"`

	// Timeout is the shutdown deadline given to running jobs.
	Timeout time.Duration `yaml:"timeout"`

	PollIntervalAverage          time.Duration `yaml:"poll_interval_average"`
	AverageScheduledPollInterval time.Duration `yaml:"average_scheduled_poll_interval"`

	MaxRetries  int           `yaml:"max_retries"`
	DeadMaxJobs int64         `yaml:"dead_max_jobs"`
	DeadTimeout time.Duration `yaml:"dead_timeout"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`

	Tag    string   `yaml:"tag"`
	Labels []string `yaml:"labels"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	StrictArgs  bool   `yaml:"strict_args"`

	// Throttle enables the rate limiting server middleware when Limit > 0.
	Throttle struct {
		Limit   int           `yaml:"limit"`
		Burst   int           `yaml:"burst"`
		Delay   time.Duration `yaml:"delay"`
		Classes []string      `yaml:"classes"`
	} `yaml:"throttle"`

	Periodic []PeriodicJob `yaml:"periodic"`
}

// PeriodicJob is a job enqueued on a cron schedule with a seconds field.
type PeriodicJob struct {
	Cron  string `yaml:"cron"`
	Class string `yaml:"class"`
	Queue string `yaml:"queue"`
	Args  []any  `yaml:"args"`
}

// Default returns the built-in settings.
func Default() Config {
	var c Config
	c.Redis.Addr = "localhost:6379"
	c.Concurrency = 5
	c.Queues = []string{"default"}
	c.Timeout = 25 * time.Second
	c.AverageScheduledPollInterval = 5 * time.Second
	c.MaxRetries = 25
	c.DeadMaxJobs = 10000
	c.DeadTimeout = 180 * 24 * time.Hour
	c.HeartbeatInterval = 10 * time.Second
	c.FetchTimeout = 2 * time.Second
	c.LogLevel = "info"
	return c
}

// Load reads the defaults, then the file at path when path is not empty,
// then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Concurrency = getEnvInt("WORKQ_CONCURRENCY", c.Concurrency)
	if v := os.Getenv("WORKQ_QUEUES"); v != "" {
		// space separated, so that "name,weight" survives
		c.Queues = strings.Fields(v)
	}
	c.Timeout = getEnvDuration("WORKQ_TIMEOUT", c.Timeout)
	c.PollIntervalAverage = getEnvDuration("WORKQ_POLL_INTERVAL_AVERAGE", c.PollIntervalAverage)
	c.MaxRetries = getEnvInt("WORKQ_MAX_RETRIES", c.MaxRetries)
	c.Tag = getEnv("WORKQ_TAG", c.Tag)
	c.LogLevel = getEnv("WORKQ_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnv("WORKQ_METRICS_ADDR", c.MetricsAddr)
}

// reservedConns are the connections held outside the processors: the
// scheduler and the heartbeat.
const reservedConns = 2

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("config: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("config: max_retries must not be negative")
	}
	if c.Redis.PoolSize > 0 && c.Redis.PoolSize < c.Concurrency+reservedConns {
		return fmt.Errorf("config: pool_size %d is too small for concurrency %d, need at least %d",
			c.Redis.PoolSize, c.Concurrency, c.Concurrency+reservedConns)
	}
	if _, _, err := ParseQueues(c.Queues); err != nil {
		return err
	}
	for i, p := range c.Periodic {
		if p.Cron == "" || p.Class == "" {
			return fmt.Errorf("config: periodic[%d] needs cron and class", i)
		}
	}
	return nil
}

// PoolSize is the store connection pool size: the configured one, or one
// connection per processor plus room for the scheduler, heartbeat, client,
// metrics collector and a spare.
func (c *Config) PoolSize() int {
	if c.Redis.PoolSize > 0 {
		return c.Redis.PoolSize
	}
	return c.Concurrency + 5
}

// ParseQueues turns "name" and "name,weight" entries into the fetch list,
// where a queue of weight N appears N times. Ordering is strict when no
// entry carries a weight.
func ParseQueues(entries []string) (queues []string, strict bool, err error) {
	strict = true
	for _, e := range entries {
		name, weight, found := strings.Cut(strings.TrimSpace(e), ",")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, false, fmt.Errorf("config: empty queue name in %q", e)
		}
		n := 1
		if found {
			n, err = strconv.Atoi(strings.TrimSpace(weight))
			if err != nil || n <= 0 {
				return nil, false, fmt.Errorf("config: invalid weight in %q", e)
			}
			strict = false
		}
		for i := 0; i < n; i++ {
			queues = append(queues, name)
		}
	}
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	return queues, strict, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, err := fmt.Sscanf(v, "%d", &n)
		if err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
