// Command cachewarm runs one pass of the image-cache warming pipeline
// against the channels and/or videos that need a thumbnail, then exits.
// While the pass is running it also serves /healthz and /metrics for an
// operator or orchestrator to observe — it is not a business API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aucontraire/chronovista-core/internal/cliexit"
	"github.com/aucontraire/chronovista-core/internal/config"
	"github.com/aucontraire/chronovista-core/internal/domain/model"
	"github.com/aucontraire/chronovista-core/internal/domain/repository"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/httpserver"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/imagecache"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/remoteapi"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/storage/postgres"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/storage/rediscache"
	"github.com/aucontraire/chronovista-core/internal/infrastructure/warm"
	"github.com/redis/go-redis/v9"
)

type cliFlags struct {
	target      string
	quality     string
	limit       int
	delay       time.Duration
	dryRun      bool
	skipMissing bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cliexit.Code(err))
	}
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.target, "type", "all", "warm target: channels, videos, or all")
	flag.StringVar(&f.quality, "quality", "", "thumbnail quality for videos (defaults to CACHE_DEFAULT_QUALITY)")
	flag.IntVar(&f.limit, "limit", 0, "maximum candidates to consider, 0 for unbounded")
	flag.DurationVar(&f.delay, "delay", 0, "steady-state delay between remote calls")
	flag.BoolVar(&f.dryRun, "dry-run", false, "report what would be downloaded without writing the cache")
	flag.BoolVar(&f.skipMissing, "skip-missing", false, "do not retry entries already marked missing")
	flag.Parse()
	return f
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

	target, quality, err := resolveWarmFlags(flags, cfg.Cache.DefaultQuality)
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrValidation, err)
	}

	cacheCfg, err := cfg.Cache.Model()
	if err != nil {
		return fmt.Errorf("resolve cache config: %w", err)
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

	store := imagecache.NewStore(cacheCfg)
	if err := store.EnsureDirs(quality); err != nil {
		return fmt.Errorf("prepare cache directories: %w", err)
	}

	var mirror *imagecache.Mirror
	if cfg.MinIO.Enabled {
		mirror, err = imagecache.NewMirror(ctx, imagecache.MirrorConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect to mirror: %w", err)
		}
		logger.Info("connected to object-storage mirror", slog.String("bucket", cfg.MinIO.Bucket))
	}

	shutdown := repository.NewShutdownFlag()
	installSignalHandler(shutdown, logger)

	pipeline := warm.New(storage, remote, store, mirror, shutdown, cacheCfg, nil, logger)

	srv := httpserver.New(httpserver.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	serverCtx, cancelServer := context.WithCancel(ctx)
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Run(serverCtx) }()

	result, warmErr := pipeline.Warm(ctx, warm.Options{
		Target:      target,
		Quality:     quality,
		Limit:       flags.limit,
		Delay:       flags.delay,
		DryRun:      flags.dryRun,
		SkipMissing: flags.skipMissing,
		Progress:    logProgress(logger),
	})

	cancelServer()
	if srvErr := <-serverDone; srvErr != nil {
		logger.Warn("health/metrics server exited with error", slog.Any("error", srvErr))
	}

	if warmErr != nil {
		return fmt.Errorf("warm pass: %w", warmErr)
	}

	logger.Info("warm pass complete",
		slog.Int("downloaded", result.Total.Downloaded),
		slog.Int("skipped", result.Total.Skipped),
		slog.Int("failed", result.Total.Failed),
		slog.Int("no_url", result.Total.NoURL),
		slog.Bool("interrupted", result.WasInterrupted),
	)

	if result.WasInterrupted {
		return cliexit.ErrInterrupted
	}
	if result.Total.Failed > 0 {
		return cliexit.ErrPartialFailure
	}
	return nil
}

func resolveWarmFlags(flags cliFlags, defaultQuality model.Quality) (model.WarmTarget, model.Quality, error) {
	if flags.delay < 0 {
		return "", "", fmt.Errorf("--delay must not be negative, got %s", flags.delay)
	}

	var target model.WarmTarget
	switch flags.target {
	case "channels":
		target = model.TargetChannels
	case "videos":
		target = model.TargetVideos
	case "all", "":
		target = model.TargetAll
	default:
		return "", "", fmt.Errorf("unknown --type %q", flags.target)
	}

	quality := defaultQuality
	if flags.quality != "" {
		parsed, err := model.ParseQuality(flags.quality)
		if err != nil {
			return "", "", err
		}
		quality = parsed
	}
	return target, quality, nil
}

func logProgress(logger *slog.Logger) model.ProgressFunc {
	return func(entityID, status string) {
		if entityID == model.BackoffEntityID {
			logger.Debug("rate governor backoff", slog.String("status", status))
			return
		}
		logger.Info("warm item", slog.String("entity_id", entityID), slog.String("status", status))
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
