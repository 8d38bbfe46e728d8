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

// Package queue is a durable, transactional mail queue layered over a
// broker.Connection. Delayed delivery is emulated with a nextDelivery
// property and a selector re-evaluated on every poll; priorities map onto
// broker priorities; large bodies can be externalized to a blob store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/envelope"
	"github.com/bcem/mailqueue/internal/mail"
	"github.com/bcem/mailqueue/internal/metrics"
)

// sizeGaugeTimeout bounds the size lookup done on each metrics scrape.
const sizeGaugeTimeout = 5 * time.Second

// Queue is a handle on one named queue. It is safe for concurrent use;
// every operation opens its own broker session.
type Queue struct {
	conn broker.Connection
	name string

	body        BodyStrategy
	registry    metrics.Registry
	metrics     metrics.QueueMetrics
	pollTimeout time.Duration
	drainWait   time.Duration
	now         func() time.Time
	log         *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// New opens a handle on the queue called name. The connection is shared
// and is not closed by Queue.Close.
func New(conn broker.Connection, name string, opts ...Option) (*Queue, error) {
	if conn == nil {
		return nil, errors.New("queue: nil connection")
	}
	if name == "" {
		return nil, errors.New("queue: empty name")
	}
	q := &Queue{
		conn:        conn,
		name:        name,
		body:        InlineBody(),
		registry:    metrics.Nop(),
		pollTimeout: DefaultPollTimeout,
		drainWait:   DefaultDrainWait,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	q.log = q.log.With("queue", name)

	q.metrics = q.registry.Queue(name)
	q.metrics.SetSizeFunc(q.sizeGauge)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) sizeGauge() float64 {
	if q.closed.Load() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sizeGaugeTimeout)
	defer cancel()
	n, err := q.Size(ctx)
	if err != nil {
		q.log.Debug("size gauge unavailable", "error", err)
		return 0
	}
	return float64(n)
}

// NextDelivery converts a delay into the absolute delivery time in epoch
// milliseconds. A non-positive delay means now; overflow saturates.
func NextDelivery(now time.Time, delay time.Duration) int64 {
	base := now.UnixMilli()
	if delay <= 0 {
		return base
	}
	ms := delay.Milliseconds()
	if base > math.MaxInt64-ms {
		return math.MaxInt64
	}
	return base + ms
}

// Enqueue sends m, visible to consumers once delay has elapsed. The send
// is atomic: on failure nothing is left in the queue and a freshly
// externalized body is deleted again.
func (q *Queue) Enqueue(ctx context.Context, m *mail.Mail, delay time.Duration) error {
	const op = "enqueue"
	if q.closed.Load() {
		return q.wrap(op, ErrClosed)
	}
	start := time.Now()

	props, err := envelope.Encode(m, NextDelivery(q.now(), delay))
	if err != nil {
		return q.wrap(op, err)
	}
	msg := &broker.Message{Priority: m.Priority(), Properties: props}
	undo, err := q.body.Attach(ctx, q.name, m, msg)
	if err != nil {
		return q.wrap(op, err)
	}

	err = q.withSession(ctx, func(s broker.Session) error {
		p, err := s.Producer(q.name)
		if err != nil {
			return fmt.Errorf("create producer: %w", err)
		}
		defer closeLogged(q.log, "producer", p)
		if err := p.Send(ctx, msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		return s.Commit(ctx)
	})
	if err != nil {
		if undo != nil {
			if uerr := undo(context.WithoutCancel(ctx)); uerr != nil {
				q.log.Warn("could not discard body of failed enqueue", "mail", m.Name, "error", uerr)
			}
		}
		return q.wrap(op, err)
	}

	q.metrics.Enqueued()
	q.metrics.ObserveEnqueue(time.Since(start))
	q.log.Debug("enqueued mail", "mail", m.Name, "message_id", msg.ID, "delay", delay)
	return nil
}

// EnqueueAsync enqueues m without delay on its own goroutine. The channel
// yields the result once and is then closed.
func (q *Queue) EnqueueAsync(ctx context.Context, m *mail.Mail) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- q.Enqueue(ctx, m, 0)
	}()
	return done
}

// withSession runs fn in a fresh session and closes it afterwards. Close
// rolls back whatever fn did not commit.
func (q *Queue) withSession(ctx context.Context, fn func(broker.Session) error) error {
	s, err := q.conn.Session(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer closeLogged(q.log, "session", s)
	return fn(s)
}

// Close releases the handle. Further operations fail with ErrClosed.
// Calling it again is a no-op.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.log.Debug("queue handle closed")
	})
	return nil
}
