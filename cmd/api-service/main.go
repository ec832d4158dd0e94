/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The api-service exposes the job submission, query, cancellation, and
// event-streaming surface. Workers run in the separate worker-service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/medianaut/internal/config"
	"github.com/jordigilh/medianaut/internal/database"
	"github.com/jordigilh/medianaut/pkg/admission"
	"github.com/jordigilh/medianaut/pkg/auth"
	"github.com/jordigilh/medianaut/pkg/gateway"
	"github.com/jordigilh/medianaut/pkg/jobstore"
	"github.com/jordigilh/medianaut/pkg/metrics"
	"github.com/jordigilh/medianaut/pkg/progress"
	"github.com/jordigilh/medianaut/pkg/queue"
	"github.com/jordigilh/medianaut/pkg/ratelimit"
	"github.com/jordigilh/medianaut/pkg/storage"
	"github.com/jordigilh/medianaut/pkg/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "api-service: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))
	logger, err := buildLogger(cfg.Logging, level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Only the log level is hot-reloadable; everything else is a startup
	// snapshot.
	if err := config.Watch(ctx, configPath, logger, func(fresh *config.Config) {
		level.SetLevel(parseLevel(fresh.Logging.Level))
	}); err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	}

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, logger); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	m := metrics.NewMetrics()
	store := jobstore.NewStore(db, logger)
	taskQueue := queue.New(redisClient, cfg.Worker.VisibilityTimeout.Std())
	bus := progress.NewBus(redisClient)

	backends := []storage.Backend{}
	if len(cfg.Storage.Roots) > 0 {
		backends = append(backends, storage.NewFileBackend(cfg.Storage.Roots))
	}
	if cfg.Storage.S3Enabled {
		s3Backend, err := storage.NewS3Backend(ctx, cfg.Storage, logger)
		if err != nil {
			return err
		}
		backends = append(backends, s3Backend)
	}
	router := storage.NewRouter(backends...)

	resolver := auth.NewStaticResolver(cfg.Auth, cfg.Limits.DefaultQuota)
	limiter := ratelimit.NewLimiter(redisClient, map[ratelimit.Class]int{
		ratelimit.ClassConvert: cfg.RateLimits.Convert,
		ratelimit.ClassAnalyze: cfg.RateLimits.Analyze,
		ratelimit.ClassStream:  cfg.RateLimits.Stream,
		ratelimit.ClassQuery:   cfg.RateLimits.Query,
	}, cfg.RateLimits.Burst)

	submitter := admission.NewSubmitter(store, taskQueue, router, webhook.NewGuard(),
		admission.Limits{
			MaxInputBytes: cfg.Limits.MaxInputBytes,
			MaxBitrateBPS: cfg.Limits.MaxBitrateBPS,
			MaxWidth:      cfg.Limits.MaxWidth,
			MaxHeight:     cfg.Limits.MaxHeight,
		}, m, logger)

	server := gateway.NewServer(gateway.Config{CORSOrigins: cfg.Server.CORSOrigins},
		store, submitter, bus, taskQueue, router, resolver, limiter, m, logger)

	apiServer := &http.Server{
		Addr:              ":" + cfg.Server.APIPort,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("api server listening", zap.String("port", cfg.Server.APIPort))
		if err := apiServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("metrics server listening", zap.String("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return apiServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("api-service stopped")
	return nil
}

func parseLevel(raw string) zapcore.Level {
	var level zapcore.Level
	if err := level.Set(raw); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func buildLogger(cfg config.LoggingConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
