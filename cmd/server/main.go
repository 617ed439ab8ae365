// Command server runs the sync engine: it wires every collaborator
// package together, starts the background scheduler (spec §4.8), and
// exposes the External Interfaces (spec §6) over HTTP. Grounded on the
// teacher's cmd/server/main.go — connect the pool, apply migrations,
// start serving, wait for a signal, shut down gracefully — generalized
// from a single-purpose alert proxy into this engine's full dependency
// graph, and from a bare http.ServeMux to spf13/cobra so flags and a
// version subcommand come for free.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/reoxt/basesync/internal/api"
	"github.com/reoxt/basesync/internal/api/middleware"
	"github.com/reoxt/basesync/internal/cache"
	"github.com/reoxt/basesync/internal/config"
	"github.com/reoxt/basesync/internal/crypto"
	"github.com/reoxt/basesync/internal/database"
	"github.com/reoxt/basesync/internal/database/postgres"
	"github.com/reoxt/basesync/internal/domain"
	"github.com/reoxt/basesync/internal/gridclient"
	"github.com/reoxt/basesync/internal/lock"
	"github.com/reoxt/basesync/internal/pipeline"
	"github.com/reoxt/basesync/internal/plan"
	"github.com/reoxt/basesync/internal/repository"
	"github.com/reoxt/basesync/internal/runlog"
	"github.com/reoxt/basesync/internal/scheduler"
	"github.com/reoxt/basesync/internal/sorclient"
	"github.com/reoxt/basesync/internal/token"
	"github.com/reoxt/basesync/pkg/logger"
	"github.com/reoxt/basesync/pkg/metrics"
)

const (
	serviceName    = "basesync"
	serviceVersion = "0.1.0"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Runs the SOR/grid synchronization engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config YAML (optional, env vars also apply)")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	log.Info("starting sync engine", "service", serviceName, "version", serviceVersion, "env", cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := postgres.NewPool(postgresConfigFrom(cfg), log)
	if err := pool.Connect(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Disconnect(context.Background())
	log.Info("connected to postgres")

	migrator, err := database.NewMigrator(cfg.DatabaseURL(), log)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		log.Warn("migrations failed, continuing with existing schema", "error", err)
	}
	migrator.Close()

	encryption, err := crypto.NewService([]byte(os.Getenv(cfg.Encryption.KeyEnvVar)))
	if err != nil {
		return fmt.Errorf("init encryption service: %w", err)
	}

	connections := repository.NewConnectionRepository(pool)
	syncConfigs := repository.NewSyncConfigRepository(pool)
	runLogs := repository.NewRunLogRepository(pool)
	usage := repository.NewUsageRepository(pool)
	users := repository.NewUserRepository(pool)
	snapshots := repository.NewHashSnapshotRepository(pool)

	recordCache, err := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		RedisAddr:  redisAddr(cfg),
		RedisDB:    cfg.Redis.DB,
	}, log)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	lockManager := lock.NewManager(pool, lock.Config{
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		RetryInterval:  cfg.Lock.RetryInterval,
	}, log)

	sorClient := sorclient.NewHTTPClient(sorclient.Config{
		BaseURL:           cfg.Sor.BaseURL,
		Timeout:           cfg.Sor.RequestTimeout,
		RequestsPerSecond: cfg.Sor.RateLimitRPS,
	}, log)
	gridClient := gridclient.NewHTTPClient(gridclient.Config{
		BaseURL: cfg.Grid.BaseURL,
		Timeout: cfg.Grid.RequestTimeout,
	}, log)

	tokens := token.NewManager(connections, encryption, map[domain.Provider]token.OAuthConfig{
		domain.ProviderSor: {
			ClientID:     cfg.Sor.ClientID,
			ClientSecret: cfg.Sor.ClientSecret,
			TokenURL:     cfg.Sor.TokenURL,
		},
		domain.ProviderGrid: {
			ClientID:     cfg.Grid.ClientID,
			ClientSecret: cfg.Grid.ClientSecret,
			TokenURL:     cfg.Grid.TokenURL,
		},
	}, log)

	var engineMetrics *metrics.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		engineMetrics = metrics.New()
		if err := engineMetrics.Register(registry); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		tokens.WithMetrics(engineMetrics)
		sorClient.WithMetrics(engineMetrics)
	}

	guard := plan.NewGuard(nil)
	tracker := plan.NewTracker(usage)
	runLogger := runlog.New(runLogs, syncConfigs, tracker, log)

	pipelines := &pipeline.Deps{
		Sor:       sorClient,
		Grid:      gridClient,
		Cache:     recordCache,
		Snapshots: snapshots,
		Logger:    log,
		Metrics:   engineMetrics,
	}

	sched := scheduler.New(scheduler.Config{
		Configs:   syncConfigs,
		Users:     users,
		RunLogs:   runLogs,
		Locks:     scheduler.LockManagerAdapter{Manager: lockManager},
		Guard:     guard,
		RunLogger: runLogger,
		Tokens:    tokens,
		Pipelines: pipelines,
		Interval:  cfg.Scheduler.Interval,
		Logger:    log,
		Metrics:   engineMetrics,
	})
	sched.Start(ctx)
	defer sched.Stop()
	log.Info("scheduler started", "interval", cfg.Scheduler.Interval)

	handlers := api.NewHandlers(sched, tokens, log)
	router := api.NewRouter(handlers, middleware.APIKeys(cfg.Auth.APIKeys), log)
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server exited cleanly")
	return nil
}

func postgresConfigFrom(cfg *config.Config) *postgres.PostgresConfig {
	return &postgres.PostgresConfig{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Database,
		User:              cfg.Database.Username,
		Password:          cfg.Database.Password,
		SSLMode:           cfg.Database.SSLMode,
		MaxConns:          int32(cfg.Database.MaxConnections),
		MinConns:          int32(cfg.Database.MinConnections),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
	}
}

func redisAddr(cfg *config.Config) string {
	if !cfg.Redis.Enabled {
		return ""
	}
	return cfg.Redis.Addr
}
