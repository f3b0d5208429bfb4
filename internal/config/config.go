// Package config loads client, worker and daemon settings from JSON, YAML
// or TOML files with ENTRYPOINT_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/oriys/entrypoint/internal/observability"
	"github.com/oriys/entrypoint/internal/taskqueue"
	"github.com/oriys/entrypoint/internal/worker"
	"github.com/oriys/entrypoint/pkg/entrypoint"
)

// Duration is a time.Duration written as "5s" or "1m30s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// QueueConfig holds task queue connection and dispatch settings
type QueueConfig struct {
	BrokerURL        string   `json:"broker_url" yaml:"broker_url" toml:"broker_url"`
	ResultBackendURL string   `json:"result_backend_url" yaml:"result_backend_url" toml:"result_backend_url"`
	Prefix           string   `json:"prefix" yaml:"prefix" toml:"prefix"`
	Countdown        Duration `json:"countdown" yaml:"countdown" toml:"countdown"`
	IgnoreResult     bool     `json:"ignore_result" yaml:"ignore_result" toml:"ignore_result"`
	Async            bool     `json:"async" yaml:"async" toml:"async"`
	ResultTimeout    Duration `json:"result_timeout" yaml:"result_timeout" toml:"result_timeout"`
	ResultTTL        Duration `json:"result_ttl" yaml:"result_ttl" toml:"result_ttl"`
	PollInterval     Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// HTTPConfig holds settings of the HTTP transports
type HTTPConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	Concurrency   int      `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	Queues        []string `json:"queues" yaml:"queues" toml:"queues"`
	PollTimeout   Duration `json:"poll_timeout" yaml:"poll_timeout" toml:"poll_timeout"`
	InvokeTimeout Duration `json:"invoke_timeout" yaml:"invoke_timeout" toml:"invoke_timeout"`
}

// DaemonConfig holds process-level settings
type DaemonConfig struct {
	LogLevel    string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	CallLog     string `json:"call_log" yaml:"call_log" toml:"call_log"` // JSON-lines file of invocations
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Transport string `json:"transport" yaml:"transport" toml:"transport"`
	Compress  bool   `json:"compress" yaml:"compress" toml:"compress"`
	Key       string `json:"key" yaml:"key" toml:"key"`
	Worker    string `json:"worker" yaml:"worker" toml:"worker"`

	Queue     QueueConfig          `json:"queue" yaml:"queue" toml:"queue"`
	HTTP      HTTPConfig           `json:"http" yaml:"http" toml:"http"`
	Workers   WorkerConfig         `json:"workers" yaml:"workers" toml:"workers"`
	Daemon    DaemonConfig         `json:"daemon" yaml:"daemon" toml:"daemon"`
	Telemetry observability.Config `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Transport: string(entrypoint.TransportHTTP),
		Queue: QueueConfig{
			BrokerURL:     "redis://localhost:6379/0",
			ResultTimeout: Duration(entrypoint.DefaultResultTimeout),
			ResultTTL:     Duration(24 * time.Hour),
			PollInterval:  Duration(taskqueue.DefaultPollInterval),
		},
		HTTP: HTTPConfig{
			Timeout: Duration(entrypoint.DefaultHTTPTimeout),
		},
		Workers: WorkerConfig{
			Concurrency:   4,
			Queues:        []string{taskqueue.DefaultQueue},
			PollTimeout:   Duration(time.Second),
			InvokeTimeout: Duration(5 * time.Minute),
		},
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Telemetry: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "entrypoint",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON, YAML or TOML file chosen by
// extension, over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), cfg)
		if err == nil {
			if unknown := md.Undecoded(); len(unknown) > 0 {
				err = fmt.Errorf("unknown keys %v", unknown)
			}
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	str("ENTRYPOINT_TRANSPORT", &cfg.Transport)
	boolean("ENTRYPOINT_COMPRESS", &cfg.Compress)
	str("ENTRYPOINT_KEY", &cfg.Key)
	str("ENTRYPOINT_WORKER", &cfg.Worker)

	str("ENTRYPOINT_BROKER_URL", &cfg.Queue.BrokerURL)
	str("ENTRYPOINT_RESULT_BACKEND_URL", &cfg.Queue.ResultBackendURL)
	duration("ENTRYPOINT_COUNTDOWN", &cfg.Queue.Countdown)
	boolean("ENTRYPOINT_IGNORE_RESULT", &cfg.Queue.IgnoreResult)
	boolean("ENTRYPOINT_ASYNC", &cfg.Queue.Async)
	duration("ENTRYPOINT_RESULT_TIMEOUT", &cfg.Queue.ResultTimeout)

	str("ENTRYPOINT_BASE_URL", &cfg.HTTP.BaseURL)
	duration("ENTRYPOINT_HTTP_TIMEOUT", &cfg.HTTP.Timeout)

	if v := os.Getenv("ENTRYPOINT_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ENTRYPOINT_WORKER_CONCURRENCY: %w", err))
		} else {
			cfg.Workers.Concurrency = n
		}
	}
	if v := os.Getenv("ENTRYPOINT_WORKER_QUEUES"); v != "" {
		cfg.Workers.Queues = splitList(v)
	}

	str("ENTRYPOINT_LOG_LEVEL", &cfg.Daemon.LogLevel)
	str("ENTRYPOINT_LOG_FORMAT", &cfg.Daemon.LogFormat)
	str("ENTRYPOINT_METRICS_ADDR", &cfg.Daemon.MetricsAddr)
	str("ENTRYPOINT_CALL_LOG", &cfg.Daemon.CallLog)

	boolean("ENTRYPOINT_TRACING_ENABLED", &cfg.Telemetry.Enabled)
	str("ENTRYPOINT_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("config env: %w", errors.Join(errs...))
	}
	return nil
}

// Load reads path (when non-empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values the loaders cannot.
func (c *Config) Validate() error {
	if _, err := entrypoint.ParseTransport(c.Transport); err != nil {
		return err
	}
	if c.Workers.Concurrency < 0 {
		return fmt.Errorf("workers.concurrency must not be negative")
	}
	return nil
}

// ToClient converts the configuration into a client configuration.
func (c *Config) ToClient() (entrypoint.Config, error) {
	t, err := entrypoint.ParseTransport(c.Transport)
	if err != nil {
		return entrypoint.Config{}, err
	}
	return entrypoint.Config{
		Transport: t,
		Compress:  c.Compress,
		BaseURL:   c.HTTP.BaseURL,
		Worker:    c.Worker,
		Key:       c.Key,
		Queue: taskqueue.Config{
			BrokerURL:        c.Queue.BrokerURL,
			ResultBackendURL: c.Queue.ResultBackendURL,
			Prefix:           c.Queue.Prefix,
			PollInterval:     time.Duration(c.Queue.PollInterval),
		},
		Countdown:     time.Duration(c.Queue.Countdown),
		IgnoreResult:  c.Queue.IgnoreResult,
		Async:         c.Queue.Async,
		ResultTimeout: time.Duration(c.Queue.ResultTimeout),
		HTTPTimeout:   time.Duration(c.HTTP.Timeout),
	}, nil
}

// ToWorker converts the configuration into a worker pool configuration.
func (c *Config) ToWorker() worker.Config {
	return worker.Config{
		Concurrency:   c.Workers.Concurrency,
		Queues:        c.Workers.Queues,
		PollTimeout:   time.Duration(c.Workers.PollTimeout),
		ResultTTL:     time.Duration(c.Queue.ResultTTL),
		InvokeTimeout: time.Duration(c.Workers.InvokeTimeout),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
