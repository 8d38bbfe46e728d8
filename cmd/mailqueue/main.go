// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailqueue service
//
// Hosts a set of mail queues on a shared broker and exposes them to
// operators. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to the broker (Redis, or in-process for single node setups)
//  3. Opens the blob store for large bodies (filesystem or PostgreSQL)
//  4. Serves the admin API, Prometheus metrics and a health probe
//  5. Requeues messages whose consumer died (Redis only)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/mailqueue/internal/blob/filestore"
	"github.com/bcem/mailqueue/internal/blob/pgstore"
	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/broker/memory"
	"github.com/bcem/mailqueue/internal/broker/redisbroker"
	"github.com/bcem/mailqueue/internal/config"
	"github.com/bcem/mailqueue/internal/health"
	"github.com/bcem/mailqueue/internal/metrics"
	"github.com/bcem/mailqueue/internal/queue"
	"github.com/bcem/mailqueue/internal/sweep"
	"github.com/bcem/mailqueue/internal/webadmin"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailqueue service")

	if err := run(); err != nil {
		slog.Error("mailqueue service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("mailqueue service stopped")
}

func run() error {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("configuration loaded",
		"broker", cfg.Broker,
		"queues", cfg.Queues,
		"blob_store", cfg.Blob.Store,
		"poll_timeout", cfg.PollTimeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to the broker ---
	var (
		conn broker.Connection
		rdb  *redis.Client
	)
	switch cfg.Broker {
	case config.BrokerRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		rb := redisbroker.New(rdb,
			redisbroker.WithPrefix(cfg.RedisPrefix),
			redisbroker.WithLeaseTimeout(cfg.LeaseTimeout),
			redisbroker.WithCloseClient(),
		)
		if err := rb.Ping(ctx); err != nil {
			rb.Close()
			return fmt.Errorf("connect to Redis: %w", err)
		}
		slog.Info("connected to Redis", "prefix", cfg.RedisPrefix)
		conn = rb
	default:
		slog.Warn("using the in-process broker; queued mail does not survive a restart")
		conn = memory.New()
	}

	// --- Blob store ---
	body := queue.InlineBody()
	switch cfg.Blob.Store {
	case config.BlobFile:
		store, err := filestore.New(cfg.Blob.Path)
		if err != nil {
			conn.Close()
			return fmt.Errorf("open blob directory: %w", err)
		}
		body = queue.BlobBody(store, cfg.Blob.Threshold)
	case config.BlobPostgres:
		pool, err := pgxpool.New(ctx, cfg.Blob.DatabaseURL)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create Postgres pool: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		store, err := pgstore.NewStore(ctx, pool)
		if err != nil {
			conn.Close()
			return err
		}
		body = queue.BlobBody(store, cfg.Blob.Threshold)
	}

	// --- Queues ---
	factory := queue.NewFactory(conn,
		queue.WithBody(body),
		queue.WithMetrics(metrics.NewPrometheus(prometheus.DefaultRegisterer)),
		queue.WithPollTimeout(cfg.PollTimeout),
		queue.WithDrainWait(cfg.DrainWait),
	)
	defer func() {
		if err := factory.Close(); err != nil {
			slog.Warn("close queues", "error", err)
		}
	}()
	for _, name := range cfg.Queues {
		if _, err := factory.Get(name); err != nil {
			return fmt.Errorf("open queue %s: %w", name, err)
		}
	}

	// --- HTTP surface ---
	mux := http.NewServeMux()
	webadmin.NewHandler(factory, cfg.Queues).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if st, ok := conn.(broker.Statistics); ok {
		mux.Handle("GET /health", health.NewProbe(st, health.DefaultTimeout, cfg.Queues...).Handler())
	} else {
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(health.Result{Healthy: true})
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	ready, done, err := webadmin.Serve(gctx, cfg.Port, mux)
	if err != nil {
		return err
	}
	<-ready
	g.Go(func() error { return <-done })

	// --- Lease sweeper ---
	if rb, ok := conn.(*redisbroker.Broker); ok {
		sweeper := sweep.New(sweep.Config{
			Requeuer: rb,
			// expires before the next tick so the holder can sweep again
			Lock:     sweep.NewLock(rdb, cfg.RedisPrefix, cfg.SweepInterval*4/5),
			Queues:   cfg.Queues,
			Interval: cfg.SweepInterval,
		})
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	slog.Info("mailqueue service ready", "port", cfg.Port)
	return g.Wait()
}
