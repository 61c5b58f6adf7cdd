// Command jira-harvester retrieves all issues of the configured Jira
// projects into an append-only JSONL file and resumes from its checkpoint
// after any interruption.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/jira-harvester/internal/config"
	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/jira"
	"github.com/Sternrassler/jira-harvester/pkg/logging"
	"github.com/Sternrassler/jira-harvester/pkg/metrics"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
	"github.com/Sternrassler/jira-harvester/pkg/retry"
	"github.com/Sternrassler/jira-harvester/pkg/sink"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("jira-harvester", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	fresh := fs.Bool("fresh", false, "move the existing checkpoint aside and start from scratch")
	logLevel := fs.String("log-level", "", "override the log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	// Static credentials may live in .env; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "jira-harvester: %v\n", err)
		return exitUsage
	}
	if *logLevel != "" {
		level, err := logging.ParseLevel(*logLevel)
		if err != nil {
			fmt.Fprintf(stderr, "jira-harvester: %v\n", err)
			return exitUsage
		}
		cfg.Log.Level = string(level)
	}

	logCfg := logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: stderr,
	}
	if cfg.Log.File != "" {
		f, err := logging.OpenFile(cfg.Log.File)
		if err != nil {
			fmt.Fprintf(stderr, "jira-harvester: %v\n", err)
			return exitFailure
		}
		defer f.Close()
		logCfg.File = f
	}
	logging.Setup(logCfg)
	logger := logging.NewLogger("main")

	report, err := harvest(ctx, cfg, *fresh, logger)
	if report != nil {
		logSummary(logger, report)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Harvest aborted")
		return exitFailure
	}
	if failed := report.Failed(); len(failed) > 0 {
		logger.Error().Int("failed", len(failed)).Msg("Harvest finished with failed projects; rerun to resume them")
		return exitFailure
	}
	return exitOK
}

// harvest wires the pipeline from cfg and runs it once.
func harvest(ctx context.Context, cfg *config.Config, fresh bool, logger zerolog.Logger) (*pagination.Report, error) {
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.NewServeMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics on /metrics")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := openStore(ctx, cfg.Checkpoint, fresh, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	out, err := sink.Open(cfg.Output.Path,
		sink.WithTailDedup(cfg.Output.TailDedup),
		sink.WithLogger(logging.NewLogger("sink")),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close output")
		}
	}()

	endpoint, err := jira.NewEndpoint(cfg.Jira.BaseURL, cfg.Jira.Fields, cfg.Jira.PageSize)
	if err != nil {
		return nil, err
	}

	clientCfg := client.DefaultConfig(endpoint, cfg.Jira.UserAgent)
	clientCfg.Token = cfg.Jira.Token
	clientCfg.RequestInterval = cfg.Jira.RequestInterval
	clientCfg.Timeout = cfg.Jira.Timeout
	transport, err := client.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	retrier, err := retry.New(transport, retry.Policy{
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxBackoff:    cfg.Retry.MaxBackoff,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		MaxRetryAfter: cfg.Retry.MaxRetryAfter,
	}, nil)
	if err != nil {
		return nil, err
	}

	driver, err := pagination.NewDriver(retrier, store, out, pagination.Config{
		InitialCursor: jira.InitialCursor(),
		MaxPages:      cfg.MaxPages,
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Strs("projects", cfg.Jira.Projects).
		Str("output", cfg.Output.Path).
		Str("checkpoint_backend", cfg.Checkpoint.Backend).
		Msg("Starting harvest")

	return driver.Run(ctx, cfg.Jira.Projects)
}

// openStore opens the configured checkpoint backend. With fresh set, any
// existing checkpoint is moved aside first so it can be inspected later.
func openStore(ctx context.Context, cfg config.CheckpointConfig, fresh bool, logger zerolog.Logger) (checkpoint.Store, error) {
	now := time.Now()

	switch cfg.Backend {
	case config.BackendFile:
		if fresh {
			if err := quarantineFiles(logger, now, cfg.Path); err != nil {
				return nil, err
			}
		}
		return checkpoint.NewFileStore(cfg.Path, logging.NewLogger("checkpoint"))

	case config.BackendSQLite:
		if fresh {
			if err := quarantineFiles(logger, now, cfg.Path, cfg.Path+"-wal", cfg.Path+"-shm"); err != nil {
				return nil, err
			}
		}
		return checkpoint.NewSQLiteStore(cfg.Path)

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		store, err := checkpoint.NewRedisStore(rdb, cfg.RedisKey)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		if fresh {
			target, err := store.Quarantine(ctx, now)
			if err != nil {
				rdb.Close()
				return nil, err
			}
			if target != "" {
				logger.Warn().Str("moved_to", target).Msg("Checkpoint quarantined, starting fresh")
			}
		}
		return &redisOwner{RedisStore: store, client: rdb}, nil

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func quarantineFiles(logger zerolog.Logger, now time.Time, paths ...string) error {
	for _, p := range paths {
		target, err := checkpoint.Quarantine(p, now)
		if err != nil {
			return err
		}
		if target != "" {
			logger.Warn().Str("path", p).Str("moved_to", target).Msg("Checkpoint quarantined, starting fresh")
		}
	}
	return nil
}

// redisOwner closes the client it created together with the store.
type redisOwner struct {
	*checkpoint.RedisStore
	client *redis.Client
}

func (r *redisOwner) Close() error {
	return errors.Join(r.RedisStore.Close(), r.client.Close())
}

func logSummary(logger zerolog.Logger, report *pagination.Report) {
	for _, res := range report.Results {
		ev := logger.Info()
		if res.State == pagination.StateFailed {
			ev = logger.Error().Err(res.Err)
		}
		ev.Str("run_id", report.RunID.String()).
			Str("resource", res.Resource).
			Str("state", res.State.String()).
			Bool("skipped", res.Skipped).
			Str("start", res.Start.String()).
			Str("cursor", res.Cursor.String()).
			Int("pages", res.Pages).
			Int("records", res.Records).
			Msg("Project summary")
	}
}
