package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the service
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // json / console
	} `mapstructure:"log"`
	Database struct {
		URL      string `mapstructure:"url"` // empty selects the in-memory store
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"database"`
	GRPC struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"grpc"`
	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
	Redis struct {
		Addr     string `mapstructure:"addr"` // empty disables the sweeper lease
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
	Worker struct {
		Queues       []string      `mapstructure:"queues"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		BatchSize    int           `mapstructure:"batch_size"`
		Concurrency  int           `mapstructure:"concurrency"`
		LockDuration time.Duration `mapstructure:"lock_duration"`
	} `mapstructure:"worker"`
	Sweeper struct {
		Interval  time.Duration `mapstructure:"interval"`
		LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"sweeper"`
	Agent struct {
		Fallback  string        `mapstructure:"fallback"`
		MockDelay time.Duration `mapstructure:"mock_delay"`
	} `mapstructure:"agent"`
	Telemetry struct {
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "crmflow.events")
	v.SetDefault("worker.queues", []string{"default", "action", "timer", "llm"})
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lock_duration", 5*time.Minute)
	v.SetDefault("sweeper.interval", 15*time.Second)
	v.SetDefault("sweeper.lease_ttl", 30*time.Second)
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("agent.fallback", "mock")
	v.SetDefault("agent.mock_delay", 0)
	v.SetDefault("telemetry.service_name", "crmflow")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads configuration from path, or from config.yaml in . and ./config
// when path is empty, then applies CRMFLOW_* environment overrides. A missing
// default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("crmflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runtime cannot work with
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.LockDuration <= 0 {
		errs = append(errs, errors.New("worker.lock_duration must be positive"))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	if c.Sweeper.BatchSize <= 0 {
		errs = append(errs, errors.New("sweeper.batch_size must be positive"))
	}
	if c.Sweeper.LeaseTTL < c.Sweeper.Interval {
		errs = append(errs, errors.New("sweeper.lease_ttl must not be shorter than sweeper.interval"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database.max_conns must be positive"))
	}
	if len(c.Worker.Queues) == 0 {
		errs = append(errs, errors.New("worker.queues must list at least one queue"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
