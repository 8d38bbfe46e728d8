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

// Package redisbroker implements the broker contract on Redis.
//
// Per queue it uses:
//   - a ZSET of ready message ids scored by priority then sequence
//   - one HASH per message holding body, priority and typed properties
//   - a ZSET of in-flight ids scored by lease deadline
//   - a sequence counter
//
// Keys of one queue share a hash tag so transactions work on Redis Cluster.
package redisbroker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailqueue/internal/broker"
)

// claimScript moves a ready id into the in-flight set only if it is still
// ready, so exactly one consumer wins.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// requeueScript returns an expired in-flight id to the ready set with its
// original score.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	local score = redis.call('HGET', KEYS[3], 'score')
	if score then
		redis.call('ZADD', KEYS[2], score, ARGV[1])
		return 1
	end
end
return 0
`)

// Broker is a Redis backed broker connection. It is safe for concurrent use.
type Broker struct {
	client redis.UniversalClient
	opt    Options

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New wraps a Redis client. The client is not closed by Close unless
// WithCloseClient is given.
func New(client redis.UniversalClient, opts ...Option) *Broker {
	opt := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.Prefix == "" {
		opt.Prefix = "mailqueue"
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = 100 * time.Millisecond
	}
	if opt.LeaseTimeout <= 0 {
		opt.LeaseTimeout = 30 * time.Minute
	}
	if opt.ScanBatch <= 0 {
		opt.ScanBatch = 100
	}
	return &Broker{client: client, opt: opt}
}

func (b *Broker) key(queue, suffix string) string {
	return b.opt.Prefix + ":{" + queue + "}:" + suffix
}

func (b *Broker) readyKey(queue string) string    { return b.key(queue, "ready") }
func (b *Broker) inflightKey(queue string) string { return b.key(queue, "inflight") }
func (b *Broker) seqKey(queue string) string      { return b.key(queue, "seq") }
func (b *Broker) msgKey(queue, id string) string  { return b.key(queue, "msg:"+id) }

// Session opens a transacted session.
func (b *Broker) Session(context.Context) (broker.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	return &session{b: b}, nil
}

// Close marks the broker closed and, if it owns the client, closes it.
// Calling it again is a no-op.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		if b.opt.CloseClient {
			err = b.client.Close()
		}
	})
	return err
}

// Ping checks the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

// QueueStats reads live counters for a queue.
func (b *Broker) QueueStats(ctx context.Context, queue string) (broker.Stats, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, b.readyKey(queue))
	inflight := pipe.ZCard(ctx, b.inflightKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return broker.Stats{Pending: ready.Val(), InFlight: inflight.Val()}, nil
}

// RequeueExpired moves messages whose lease expired (their consumer died
// or stalled) back to the ready set. It returns how many were requeued.
func (b *Broker) RequeueExpired(ctx context.Context, queue string, batch int64) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	now := time.Now().UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, b.inflightKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: batch,
	}).Result()
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		keys := []string{b.inflightKey(queue), b.readyKey(queue), b.msgKey(queue, id)}
		n, err := requeueScript.Run(ctx, b.client, keys, id).Int()
		if err != nil {
			return requeued, err
		}
		if n == 1 {
			requeued++
			slog.Info("requeued expired message", "queue", queue, "message_id", id)
		}
	}
	return requeued, nil
}

type pendingSend struct {
	queue string
	msg   *broker.Message
}

type claimed struct {
	queue string
	id    string
	score float64
}

type session struct {
	b *Broker

	mu       sync.Mutex
	sends    []pendingSend
	received []claimed
	closed   bool
}

func (s *session) check() error {
	if s.closed {
		return broker.ErrClosed
	}
	return nil
}

func (s *session) Producer(queue string) (broker.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return &producer{s: s, queue: queue}, nil
}

func (s *session) Consumer(queue, sel string) (broker.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return newConsumer(s, queue, sel)
}

func (s *session) Browser(queue, sel string) (broker.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return newBrowser(s, queue, sel)
}

// Commit acknowledges received messages and publishes buffered sends in
// one MULTI/EXEC.
func (s *session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if len(s.sends) == 0 && len(s.received) == 0 {
		return nil
	}
	b := s.b

	counts := make(map[string]int64)
	for _, p := range s.sends {
		counts[p.queue]++
	}
	next := make(map[string]int64, len(counts))
	for queue, n := range counts {
		last, err := b.client.IncrBy(ctx, b.seqKey(queue), n).Result()
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}
		next[queue] = last - n + 1
	}

	scores := make([]float64, len(s.sends))
	encoded := make([]map[string]any, len(s.sends))
	for i, p := range s.sends {
		scores[i] = score(p.msg.Priority, next[p.queue])
		next[p.queue]++
		fields, err := encodeFields(p.msg, scores[i])
		if err != nil {
			return err
		}
		encoded[i] = fields
	}

	// acknowledgements go first so a re-sent copy can never be deleted by
	// the acknowledgement of its original
	pipe := b.client.TxPipeline()
	for _, r := range s.received {
		pipe.Del(ctx, b.msgKey(r.queue, r.id))
		pipe.ZRem(ctx, b.inflightKey(r.queue), r.id)
	}
	for i, p := range s.sends {
		pipe.HSet(ctx, b.msgKey(p.queue, p.msg.ID), encoded[i])
		pipe.ZAdd(ctx, b.readyKey(p.queue), redis.Z{Score: scores[i], Member: p.msg.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.sends = nil
	s.received = nil
	return nil
}

func (s *session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.rollbackLocked(ctx)
}

func (s *session) rollbackLocked(ctx context.Context) error {
	s.sends = nil
	if len(s.received) == 0 {
		return nil
	}
	b := s.b
	pipe := b.client.TxPipeline()
	for _, r := range s.received {
		pipe.ZAdd(ctx, b.readyKey(r.queue), redis.Z{Score: r.score, Member: r.id})
		pipe.ZRem(ctx, b.inflightKey(r.queue), r.id)
	}
	_, err := pipe.Exec(ctx)
	s.received = nil
	if err != nil {
		// leases still expire and the messages come back through
		// RequeueExpired
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rollbackLocked(context.Background())
}

type producer struct {
	s      *session
	queue  string
	closed bool
}

// Send validates and buffers msg until the session commits.
func (p *producer) Send(_ context.Context, msg *broker.Message) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.closed {
		return broker.ErrClosed
	}
	if err := p.s.check(); err != nil {
		return err
	}
	for k, v := range msg.Properties {
		if _, err := encodeValue(v); err != nil {
			return fmt.Errorf("property %s: %w", k, err)
		}
	}
	c := msg.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	c.Priority = broker.ClampPriority(c.Priority)
	msg.ID, msg.Timestamp = c.ID, c.Timestamp
	p.s.sends = append(p.s.sends, pendingSend{queue: p.queue, msg: c})
	return nil
}

func (p *producer) Close() error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.closed = true
	return nil
}
