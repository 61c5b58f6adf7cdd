// Package config loads harvester configuration from defaults, an optional
// YAML file and HARVESTER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/jira"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Checkpoint backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HARVESTER_"

// Config is the complete harvester configuration.
type Config struct {
	Jira       JiraConfig       `yaml:"jira"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Output     OutputConfig     `yaml:"output"`
	Log        LogConfig        `yaml:"log"`

	// MaxPages bounds pages per project per run. Zero means unlimited.
	MaxPages int `yaml:"max_pages" validate:"gte=0"`

	// MetricsAddr enables the /metrics endpoint when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// JiraConfig addresses the remote search API.
type JiraConfig struct {
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	Token           string        `yaml:"token"`
	UserAgent       string        `yaml:"user_agent" validate:"required"`
	Fields          string        `yaml:"fields"`
	PageSize        int           `yaml:"page_size" validate:"gte=1,lte=1000"`
	Projects        []string      `yaml:"projects" validate:"required,min=1,unique,dive,required"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestInterval time.Duration `yaml:"request_interval" validate:"gte=0"`
}

// RetryConfig drives the backoff policy.
type RetryConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxBackoff    time.Duration `yaml:"max_backoff" validate:"gtefield=BaseDelay"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=1"`
	MaxRetryAfter time.Duration `yaml:"max_retry_after" validate:"gte=0"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=file sqlite redis"`
	Path      string `yaml:"path" validate:"required_unless=Backend redis"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis,omitempty,hostname_port"`
	RedisKey  string `yaml:"redis_key"`
}

// OutputConfig locates the append-only artifact.
type OutputConfig struct {
	Path      string `yaml:"path" validate:"required"`
	TailDedup int    `yaml:"tail_dedup" validate:"gte=0"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Jira: JiraConfig{
			BaseURL:         jira.DefaultBaseURL,
			UserAgent:       "jira-harvester/0.1.0",
			Fields:          jira.DefaultFields,
			PageSize:        jira.DefaultPageSize,
			Projects:        append([]string(nil), jira.DefaultProjects...),
			Timeout:         30 * time.Second,
			RequestInterval: 300 * time.Millisecond,
		},
		Retry: RetryConfig{
			BaseDelay:     2 * time.Second,
			MaxBackoff:    60 * time.Second,
			MaxAttempts:   5,
			MaxRetryAfter: 5 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Backend:  BackendFile,
			Path:     "checkpoint.json",
			RedisKey: "harvester:checkpoint",
		},
		Output: OutputConfig{
			Path: "jira_corpus_raw.jsonl",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the struct tags.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q%s", fe.Namespace(), fe.Tag(), param(fe.Param())))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return " (" + p + ")"
}

// applyEnv overrides fields from HARVESTER_* variables.
func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getEnv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getEnv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getEnv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v := getEnv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("BASE_URL", &cfg.Jira.BaseURL)
	str("TOKEN", &cfg.Jira.Token)
	str("USER_AGENT", &cfg.Jira.UserAgent)
	str("FIELDS", &cfg.Jira.Fields)
	num("PAGE_SIZE", &cfg.Jira.PageSize)
	if v := getEnv("PROJECTS"); v != "" {
		cfg.Jira.Projects = splitList(v)
	}
	dur("REQUEST_TIMEOUT", &cfg.Jira.Timeout)
	dur("REQUEST_INTERVAL", &cfg.Jira.RequestInterval)

	dur("RETRY_BASE_DELAY", &cfg.Retry.BaseDelay)
	dur("RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	num("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	dur("RETRY_MAX_RETRY_AFTER", &cfg.Retry.MaxRetryAfter)

	str("CHECKPOINT_BACKEND", &cfg.Checkpoint.Backend)
	str("CHECKPOINT_PATH", &cfg.Checkpoint.Path)
	str("REDIS_ADDR", &cfg.Checkpoint.RedisAddr)
	str("REDIS_KEY", &cfg.Checkpoint.RedisKey)

	str("OUTPUT_PATH", &cfg.Output.Path)
	num("TAIL_DEDUP", &cfg.Output.TailDedup)
	num("MAX_PAGES", &cfg.MaxPages)

	str("LOG_LEVEL", &cfg.Log.Level)
	flag("LOG_PRETTY", &cfg.Log.Pretty)
	str("LOG_FILE", &cfg.Log.File)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	return errors.Join(errs...)
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
