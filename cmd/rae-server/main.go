// rae-server runs the memory core as a long-lived process: it wires the
// configured backends, starts the background worker cycles, and exposes the
// Prometheus registry. The programmatic contract in pkg/rae is the API; this
// binary carries no request framing of its own.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rae-project/rae/pkg/blob"
	"github.com/rae-project/rae/pkg/cache"
	"github.com/rae-project/rae/pkg/config"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/rae"
	"github.com/rae-project/rae/pkg/storage/postgres"
	"github.com/rae-project/rae/pkg/workers"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLogger("rae-server")
	metrics := observability.NewPrometheusMetrics()
	defer func() { _ = metrics.Close() }()

	opts := rae.Options{
		Logger:  logger,
		Metrics: metrics,
	}

	var pg *postgres.Store
	if cfg.Database.Driver == "postgres" {
		pg, err = postgres.Open(cfg.Database.DSN, logger)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer func() { _ = pg.Close() }()
		if cfg.Database.Migrate {
			if err := pg.Migrate(); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
		}
		opts.Records = pg.Records()
		opts.Vectors = pg.Vectors()
		opts.Graph = pg.Graph()
	}

	if cfg.Cache.Type == "redis" {
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{
			Address:      cfg.Cache.Address,
			Password:     cfg.Cache.Password,
			Database:     cfg.Cache.Database,
			MaxRetries:   cfg.Cache.MaxRetries,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			PoolSize:     cfg.Cache.PoolSize,
			MinIdleConns: cfg.Cache.MinIdleConns,
		})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		opts.Cache = redisCache
	}

	if cfg.Blob.Type == "s3" {
		s3Store, err := blob.NewS3Store(ctx, cfg.Blob.Bucket, cfg.Blob.Region)
		if err != nil {
			log.Fatalf("Failed to initialize s3 blob store: %v", err)
		}
		opts.Blobs = s3Store
	}

	if cfg.Gateway.Provider == "openai" {
		opts.Providers = []gateway.Provider{
			gateway.NewOpenAIProvider(cfg.Gateway.BaseURL, cfg.Gateway.APIKey),
			gateway.NewMockProvider(nil), // last-resort fallback keeps the core serving
		}
	}

	service, err := rae.New(opts)
	if err != nil {
		log.Fatalf("Failed to assemble service: %v", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			logger.Error("Shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			logger.Info("Serving metrics", map[string]interface{}{
				"address": cfg.Metrics.ListenAddress,
			})
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Metrics server failed: %v", err)
			}
		}()
	}

	if cfg.Workers.Enabled {
		service.StartWorkers(ctx, schedules(service, cfg.Workers)...)
	}

	logger.Info("Server started", map[string]interface{}{
		"env":      cfg.Environment,
		"database": cfg.Database.Driver,
		"cache":    cfg.Cache.Type,
		"blob":     cfg.Blob.Type,
		"gateway":  cfg.Gateway.Provider,
		"workers":  cfg.Workers.Enabled,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received shutdown signal", nil)

	cancel()
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", map[string]interface{}{"error": err.Error()})
		}
	}
	logger.Info("Server stopped gracefully", nil)
}

// schedules applies the configured cadence on top of the default cycle set.
func schedules(service *rae.Service, cfg config.WorkersConfig) []workers.Schedule {
	intervals := map[string]time.Duration{
		"decay":          cfg.DecayInterval,
		"summarization":  cfg.SummarizationInterval,
		"dreaming":       cfg.DreamingInterval,
		"reconciliation": cfg.ReconciliationInterval,
	}
	out := service.DefaultSchedules()
	for i := range out {
		if d, ok := intervals[out[i].Cycle.Name()]; ok && d > 0 {
			out[i].Interval = d
		}
	}
	return out
}
