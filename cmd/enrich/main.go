// Command enrich runs one advisory-lock-guarded enrichment pass against
// channels and/or videos, diffing fresh remote metadata against storage
// and committing changed fields in batches, then exits. Like cachewarm it
// serves /healthz and /metrics for the duration of the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aucontraire/chronovista-core/internal/cliexit"
	"github.com/aucontraire/chronovista-core/internal/config"
	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/enrichment"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/httpserver"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/remoteapi"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/report"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/storage/events"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/storage/postgres"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/storage/rediscache"
)

type cliFlags struct {
	kinds    string
	priority string
	limit    int
	dryRun   bool
	verbose  bool
	delay    time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cliexit.Code(err))
	}
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.kinds, "kinds", "channels,videos", "comma-separated enrich kinds: channels, videos, playlists")
	flag.StringVar(&f.priority, "priority", "default", "candidate priority: high, all, or default")
	flag.IntVar(&f.limit, "limit", 0, "maximum candidates to consider, 0 for unbounded")
	flag.BoolVar(&f.dryRun, "dry-run", false, "compute diffs without committing them")
	flag.BoolVar(&f.verbose, "verbose", false, "include full per-item outcome details in the export")
	flag.DurationVar(&f.delay, "delay", 0, "steady-state delay between remote calls")
	flag.Parse()
	return f
}

func resolveEnrichFlags(flags cliFlags) ([]model.EnrichKind, model.Priority, error) {
	if flags.delay < 0 {
		return nil, "", fmt.Errorf("--delay must not be negative, got %s", flags.delay)
	}

	var kinds []model.EnrichKind
	for _, raw := range strings.Split(flags.kinds, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		kind, err := model.ParseEnrichKind(raw)
		if err != nil {
			return nil, "", err
		}
		kinds = append(kinds, kind)
	}

	priority, err := model.ParsePriority(flags.priority)
	if err != nil {
		return nil, "", err
	}
	return kinds, priority, nil
}

func run() error {
	ctx := context.Background()
	flags := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	kinds, priority, err := resolveEnrichFlags(flags)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrValidation, err)
	}

	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to postgres")

	var storage repository.Storage = postgres.NewAdapter(pgClient.Pool())
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		storage = rediscache.New(storage, redisClient, rediscache.Config{TTL: cfg.Redis.TTL})
		logger.Info("connected to redis read-through cache", slog.String("addr", cfg.Redis.Addr))
	}

	remote := remoteapi.New(remoteapi.Config{
		APIKey:         cfg.RemoteAPI.APIKey,
		UserAgent:      cfg.RemoteAPI.UserAgent,
		RequestTimeout: cfg.RemoteAPI.RequestTimeout,
		BaseURL:        cfg.RemoteAPI.BaseURL,
	})

	var publisher *events.Publisher
	if cfg.RabbitMQ.Enabled {
		publisher, err = events.NewPublisher(ctx, events.DefaultClientConfig(cfg.RabbitMQ.URL()), logger)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		defer publisher.Close()
		logger.Info("connected to rabbitmq")
	}

	shutdown := repository.NewShutdownFlag()
	installSignalHandler(shutdown, logger)

	coordCfg := enrichment.DefaultConfig()
	coordCfg.Delay = flags.delay
	coordCfg.BackoffBase = cfg.Cache.BackoffBase
	coordCfg.BackoffCap = cfg.Cache.BackoffCap

	coordinator := enrichment.New(storage, remote, shutdown, publisher, coordCfg, nil, logger)

	srv := httpserver.New(httpserver.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	serverCtx, cancelServer := context.WithCancel(ctx)
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(serverCtx) }()

	result, enrichErr := coordinator.Enrich(ctx, enrichment.Options{
		Kinds:    kinds,
		Priority: priority,
		Limit:    flags.limit,
		DryRun:   flags.dryRun,
		Verbose:  flags.verbose,
		Progress: logProgress(logger),
	})

	cancelServer()
	if srvErr := <-serverDone; srvErr != nil {
		logger.Warn("health/metrics server exited with error", slog.Any("error", srvErr))
	}

	if enrichErr != nil {
		return fmt.Errorf("enrich pass: %w", enrichErr)
	}

	reporter := report.New(cfg.Cache.ExportDir)
	export := report.BuildExport(result, priority, result.CompletedAt)
	path, writeErr := reporter.Write(export)
	if writeErr != nil {
		logger.Warn("failed to write enrichment export", slog.Any("error", writeErr))
	} else {
		logger.Info("wrote enrichment export", slog.String("path", path))
	}

	logger.Info("enrich pass complete",
		slog.Int("updated", result.UpdatedCount),
		slog.Int("deleted", result.DeletedCount),
		slog.Int("skipped", result.SkippedCount),
		slog.Int("failed", result.FailedCount),
		slog.Int("batches", result.BatchCount),
		slog.Int("quota_units", result.QuotaUnits),
		slog.Bool("network_instability_warning", result.NetworkInstabilityWarning),
		slog.Bool("interrupted", result.WasInterrupted),
	)

	if result.WasInterrupted {
		return cliexit.ErrInterrupted
	}
	if result.FailedCount > 0 {
		return cliexit.ErrPartialFailure
	}
	return nil
}

func logProgress(logger *slog.Logger) model.ProgressFunc {
	return func(entityID, status string) {
		if entityID == model.BackoffEntityID {
			logger.Debug("rate governor backoff", slog.String("status", status))
			return
		}
		logger.Info("enrich item", slog.String("entity_id", entityID), slog.String("status", status))
	}
}

func installSignalHandler(shutdown *repository.ShutdownFlag, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("shutdown signal received", slog.String("signal", s.String()))
		shutdown.Raise()
	}()
}
