package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clinicore/schedule-expansion/internal/config"
	"github.com/clinicore/schedule-expansion/internal/db"
	redisclient "github.com/clinicore/schedule-expansion/internal/redis"
	"github.com/clinicore/schedule-expansion/internal/schedule"
)

// runTimeout bounds a single global expansion pass.
const runTimeout = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := newLogger(cfg.Env)
	logger.Info().
		Str("env", cfg.Env).
		Str("cron", cfg.CronSpec).
		Dur("horizon", cfg.ExpansionHorizon).
		Msg("expansion-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := schedule.NewPgRepository(pgPool)
	locker := redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL)
	expander := schedule.NewExpander(repo, locker, cfg, logger)

	// Run once at startup so a freshly deployed worker backfills the
	// horizon immediately instead of waiting for the first tick.
	runOnce(rootCtx, expander, logger)

	c := cron.New()
	if _, err := c.AddFunc(cfg.CronSpec, func() { runOnce(rootCtx, expander, logger) }); err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.CronSpec).Msg("invalid cron spec")
	}
	c.Start()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received, stopping expansion worker")

	// Let an in-flight pass finish before exiting.
	<-c.Stop().Done()
}

func runOnce(ctx context.Context, expander *schedule.Expander, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	start := time.Now()
	result := expander.ExpandAll(runCtx)
	logger.Info().
		Int("doctors", result.DoctorsProcessed).
		Int("created", result.SlotsCreated).
		Int("updated", result.SlotsUpdated).
		Int("errors", len(result.Errors)).
		Dur("took", time.Since(start)).
		Msg("expansion run complete")
	for _, msg := range result.Errors {
		logger.Error().Str("detail", msg).Msg("expansion run error")
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
