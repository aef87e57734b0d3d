package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/arevik/schedulon/config"
	"github.com/arevik/schedulon/internal/clock"
	"github.com/arevik/schedulon/internal/health"
	"github.com/arevik/schedulon/internal/http/handler"
	httptransport "github.com/arevik/schedulon/internal/http"
	"github.com/arevik/schedulon/internal/infrastructure/boltstore"
	"github.com/arevik/schedulon/internal/infrastructure/memory"
	"github.com/arevik/schedulon/internal/infrastructure/postgres"
	ctxlog "github.com/arevik/schedulon/internal/log"
	"github.com/arevik/schedulon/internal/metrics"
	"github.com/arevik/schedulon/internal/repository"
	"github.com/arevik/schedulon/internal/scheduler"
	"github.com/arevik/schedulon/internal/transmitter"
)

// schedulerd is the single-process entrypoint: it boots the repository
// backend named by REPOSITORY_KIND, the transmitter named by
// TRANSMITTER_KIND, the scheduling engine and its admin API, and runs all
// of them until an interrupt or SIGTERM arrives. Engine, sweeper and
// transport share the same repository handle and nothing that needs process
// isolation.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	repo, pinger, closeRepo, err := newRepository(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("repository: %v", err)
	}
	defer closeRepo()

	if cfg.ResetState {
		logger.Warn("reset_state enabled, clearing all persisted schedules")
		if err := repo.Reset(ctx); err != nil {
			log.Fatalf("reset repository: %v", err)
		}
	}

	tx, closeTx, err := transmitter.New(cfg, logger)
	if err != nil {
		log.Fatalf("transmitter: %v", err)
	}
	if closeTx != nil {
		defer func() {
			if err := closeTx(); err != nil {
				logger.Error("transmitter close", "error", err)
			}
		}()
	}

	checker := health.NewChecker(pinger, logger, prometheus.DefaultRegisterer)
	mx := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	engine := scheduler.New(repo, tx, mx, clock.Real{}, logger,
		scheduler.WithBatchSize(cfg.BatchSize),
		scheduler.WithTickInterval(time.Duration(cfg.TickIntervalMs)*time.Millisecond),
	)
	if cfg.ParallelReconcile {
		scheduler.WithParallelReconcile()(engine)
	}
	go engine.Run(ctx)

	if cfg.SweeperEnabled {
		if sweeper, ok := repo.(repository.StaleSweeper); ok {
			var lock *redis.Client
			if cfg.SweeperLockRedisURL != "" {
				opts, err := redis.ParseURL(cfg.SweeperLockRedisURL)
				if err != nil {
					log.Fatalf("sweeper redis url: %v", err)
				}
				lock = redis.NewClient(opts)
				defer lock.Close()
			}
			s := scheduler.NewSweeper(sweeper, lock,
				time.Duration(cfg.SweeperIntervalSec)*time.Second,
				time.Duration(cfg.SweeperStaleAfterSec)*time.Second,
				logger,
			)
			go s.Run(ctx)
		} else {
			logger.Warn("sweeper enabled but repository backend does not support SweepStale")
		}
	}

	facade := scheduler.NewScheduler(repo, mx, logger)
	scheduleHandler := handler.NewScheduleHandler(facade, repo, logger)
	router := httptransport.NewRouter(logger, scheduleHandler, []byte(cfg.TransportJWTSecret), cfg.RateLimitRPS, cfg.RateLimitBurst)
	adminSrv := &http.Server{Addr: cfg.TransportAddr, Handler: router}
	go func() {
		logger.Info("admin api started", "addr", cfg.TransportAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api", "error", err)
		}
	}()

	metricsMux := metrics.NewMux()
	checker.RegisterRoutes(metricsMux)
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics server started", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin api shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("schedulerd shut down")
}

// newRepository builds the configured Repository backend and, where one
// exists, a health.Pinger for it. When err is nil the returned close func is
// non-nil and safe to defer unconditionally; on error it is nil.
func newRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Repository, health.Pinger, func() error, error) {
	switch cfg.RepositoryKind {
	case "inmemory":
		return memory.New(), nil, func() error { return nil }, nil

	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL())
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Automigrate {
			if err := postgres.Automigrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		repo := postgres.NewRepository(pool, logger)
		return repo, pool, func() error { pool.Close(); return nil }, nil

	case "bolt":
		repo, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, nil, repo.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown repository kind %q", cfg.RepositoryKind)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
