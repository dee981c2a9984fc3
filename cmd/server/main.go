package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/cache"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/config"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/engine"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/httpapi"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/logger"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/metrics"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/money"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/service"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store"
	"github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store/memory"
	pgstore "github.com/Codorna-do-mal/dep-bebida-frankstein/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: "frankstein-ledger",
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
	})
	ctx := context.Background()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Error(ctx, "invalid security configuration", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server stopped with error", err)
		os.Exit(1)
	}
}

type app struct {
	handler http.Handler
	closers []func() error
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

// buildApp wires storage, cache, metrics, engine and the HTTP API from cfg.
func buildApp(ctx context.Context, cfg config.Config, log *logger.Logger, reg *prometheus.Registry) (*app, error) {
	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	a := &app{}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(bootCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.AutoMigrate {
			if err := pg.Migrate(bootCtx); err != nil {
				return nil, multierr.Append(fmt.Errorf("auto-migrate: %w", err), a.Close())
			}
		}
		repo = pg
		log.Info(log.WithField(ctx, "repository", "postgres"), "storage ready")
	} else {
		if cfg.SeedMemory {
			repo = memory.NewSeeded()
		} else {
			repo = memory.New()
		}
		log.Info(log.WithField(ctx, "repository", "memory"), "storage ready")
	}

	reportCache := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(bootCtx); err != nil {
			log.Warn(log.WithField(ctx, "error", err.Error()), "redis unavailable, report cache disabled")
			_ = redisCache.Close()
		} else {
			reportCache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			log.Info(log.WithField(ctx, "cache", "redis"), "report cache ready")
		}
	}

	ledgerMetrics := metrics.NewLedgerMetrics(reg)

	eng := engine.New(repo, engine.Config{
		MaxRetries:        cfg.MaxConflictRetries,
		OperationTimeout:  cfg.OperationTimeout,
		VarianceTolerance: money.FromCents(cfg.VarianceToleranceCents),
		ReportCacheTTL:    cfg.ReportCacheTTL,
	},
		engine.WithLogger(log),
		engine.WithMetrics(ledgerMetrics),
		engine.WithCache(reportCache),
	)

	svc := service.New(repo, eng, log)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        log,
		Gatherer:      reg,
	})
	a.handler = api.Handler()
	return a, nil
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := buildApp(ctx, cfg, log, reg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(log.WithField(ctx, "addr", cfg.Address()), "ledger API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sig:
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	runErr = multierr.Append(runErr, server.Shutdown(shutdownCtx))
	runErr = multierr.Append(runErr, a.Close())
	log.Info(ctx, "server stopped")
	return runErr
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && cfg.DatabaseURL != "" {
		return fmt.Errorf("ALLOWED_ORIGIN must name the counter front-end when running against postgres")
	}
	return nil
}
