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

// Package sweep returns messages whose consumer died back to their queues.
// Several service instances may share a broker; a Redis lock with a TTL
// lets only one of them sweep a queue per interval.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultInterval is how often expired leases are looked for.
	DefaultInterval = 15 * time.Second

	// DefaultBatch bounds one requeue round per queue.
	DefaultBatch = 100

	lockSuffix = ":sweep:"
)

// Requeuer is implemented by transports with lease based redelivery.
type Requeuer interface {
	RequeueExpired(ctx context.Context, queue string, batch int64) (int, error)
}

// Lock elects one sweeper per queue and interval.
type Lock struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLock creates a lock whose keys live under prefix and expire after ttl.
func NewLock(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Acquire returns true if this caller holds the lock for queue until the
// TTL runs out. The lock is never released early.
func (l *Lock) Acquire(ctx context.Context, queue string) (bool, error) {
	key := l.prefix + lockSuffix + queue
	set, err := l.rdb.SetNX(ctx, key, 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sweep lock SETNX: %w", err)
	}
	return set, nil
}

// Config holds the dependencies for a Sweeper.
type Config struct {
	Requeuer Requeuer
	// Lock is optional; without it every round sweeps.
	Lock     *Lock
	Queues   []string
	Interval time.Duration
	Batch    int64
}

// Sweeper periodically requeues expired leases.
type Sweeper struct {
	requeuer Requeuer
	lock     *Lock
	queues   []string
	interval time.Duration
	batch    int64
}

// New creates a sweeper, filling unset values with the defaults.
func New(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Sweeper{
		requeuer: cfg.Requeuer,
		lock:     cfg.Lock,
		queues:   cfg.Queues,
		interval: cfg.Interval,
		batch:    cfg.Batch,
	}
}

// SweepOnce runs one round over every queue and returns how many messages
// were requeued. Failures are logged and do not stop the round.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, queue := range s.queues {
		if s.lock != nil {
			held, err := s.lock.Acquire(ctx, queue)
			if err != nil {
				slog.Error("sweep lock failed", "queue", queue, "error", err)
				continue
			}
			if !held {
				slog.Debug("queue swept by another instance", "queue", queue)
				continue
			}
		}
		for {
			n, err := s.requeuer.RequeueExpired(ctx, queue, s.batch)
			total += n
			if err != nil {
				slog.Error("requeue expired leases failed", "queue", queue, "error", err)
				break
			}
			// a full batch means more may be waiting
			if int64(n) < s.batch {
				break
			}
		}
	}
	if total > 0 {
		slog.Info("expired leases requeued", "count", total)
	}
	return total
}

// Run sweeps every interval until ctx is done. It always returns nil so it
// can sit in an errgroup next to the servers.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("lease sweeper started", "interval", s.interval, "queues", s.queues)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
