// Command harvester crawls every category of a remote listing API into a
// local CSV file, resuming from previous runs and adapting its request rate
// to what the remote tolerates.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kfalter/catalog-harvester/pkg/cache"
	"github.com/kfalter/catalog-harvester/pkg/client"
	"github.com/kfalter/catalog-harvester/pkg/config"
	"github.com/kfalter/catalog-harvester/pkg/harvest"
	"github.com/kfalter/catalog-harvester/pkg/logging"
	"github.com/kfalter/catalog-harvester/pkg/metrics"
	"github.com/kfalter/catalog-harvester/pkg/progress"
	"github.com/kfalter/catalog-harvester/pkg/ratelimit"
	"github.com/kfalter/catalog-harvester/pkg/sink"
)

func main() {
	configPath := getEnv("HARVESTER_CONFIG", "harvester.yaml")

	cfg, err := config.Load(configPath)
	if err != nil && !errors.Is(err, config.ErrConfigNotFound) {
		bootLogger := logging.Setup(logging.DefaultConfig())
		bootLogger.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}
	cfg.ApplyEnv()

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Optional shared cache tier.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis", cfg.RedisURL).Msg("Failed to connect to Redis")
		}
		logger.Info().Str("redis", cfg.RedisURL).Msg("Connected to Redis")
	}

	pageCache, err := cache.NewManager(cfg.CacheSize, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create page cache")
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		InitialRate: cfg.InitialRate,
		MinRate:     cfg.MinRate,
		MaxRate:     cfg.MaxRate,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create rate limiter")
	}

	apiClient, err := client.New(client.Config{
		BaseURL:     cfg.BaseURL,
		Token:       cfg.Token,
		UserAgent:   cfg.UserAgent,
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.Timeout.Std(),
		CacheTTL:    cfg.CacheTTL.Std(),
	}, limiter, pageCache, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API client")
	}

	store, err := progress.Open(cfg.ProgressPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ProgressPath).Msg("Failed to open progress store")
	}

	results, err := sink.Open(cfg.ResultsPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ResultsPath).Msg("Failed to open result sink")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// SIGINT/SIGTERM cancels the crawl; committed progress survives.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator := harvest.New(apiClient, limiter, store, results, harvest.Config{
		MaxCategories: cfg.MaxCategories,
		Worker: harvest.WorkerConfig{
			PageSize:         cfg.PageSize,
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown.Std(),
		},
		SnapshotPath:     cfg.SnapshotPath,
		SnapshotInterval: cfg.SnapshotInterval.Std(),
	}, logger)

	report, err := orchestrator.Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Crawl failed")
	}

	if err := results.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close result sink")
	}

	logger.Info().
		Int("categories", len(report.Categories)).
		Int("completed", len(report.Completed)).
		Int("outstanding", len(report.Outstanding)).
		Int64("total_items", report.TotalItems).
		Float64("achieved_rate", report.Limiter.AchievedRate).
		Dur("duration", report.Duration.Round(time.Millisecond)).
		Msg("Harvest finished")

	if len(report.Outstanding) > 0 {
		logger.Warn().
			Strs("categories", report.Outstanding).
			Msg("Some categories are unfinished, rerun to resume")
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
