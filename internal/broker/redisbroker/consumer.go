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

package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/selector"
)

func newID() string { return uuid.NewString() }

type consumer struct {
	s      *session
	queue  string
	sel    selector.Expr
	closed bool
}

func newConsumer(s *session, queue, sel string) (*consumer, error) {
	expr, err := selector.Parse(sel)
	if err != nil {
		return nil, fmt.Errorf("consumer selector: %w", err)
	}
	return &consumer{s: s, queue: queue, sel: expr}, nil
}

// Receive scans the ready set in priority order and claims the first
// message matching the selector. Without a match it rescans every
// PollInterval until timeout.
func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	b := c.s.b

	// Best-effort recovery of messages held by crashed consumers.
	if _, err := b.RequeueExpired(ctx, c.queue, 100); err != nil {
		slog.Debug("requeue expired failed", "queue", c.queue, "error", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.tryClaim(ctx)
		if msg != nil || err != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := min(b.opt.PollInterval, remaining)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (c *consumer) tryClaim(ctx context.Context) (*broker.Message, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	if err := c.s.check(); err != nil {
		return nil, err
	}
	b := c.s.b

	batch := b.opt.ScanBatch
	for offset := int64(0); ; offset += batch {
		zs, err := b.client.ZRangeWithScores(ctx, b.readyKey(c.queue), offset, offset+batch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("scan ready: %w", err)
		}
		if len(zs) == 0 {
			return nil, nil
		}

		pipe := b.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(zs))
		for i, z := range zs {
			cmds[i] = pipe.HGetAll(ctx, b.msgKey(c.queue, z.Member.(string)))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("load messages: %w", err)
		}

		for i, z := range zs {
			id := z.Member.(string)
			fields, err := cmds[i].Result()
			if err != nil || len(fields) == 0 {
				// orphaned id, the hash is gone
				_ = b.client.ZRem(ctx, b.readyKey(c.queue), id).Err()
				continue
			}
			msg, err := decodeFields(id, fields)
			if err != nil {
				slog.Warn("skipping undecodable message", "queue", c.queue, "message_id", id, "error", err)
				continue
			}
			if !c.sel.Matches(msg.Properties) {
				continue
			}

			lease := time.Now().Add(b.opt.LeaseTimeout).UnixMilli()
			keys := []string{b.readyKey(c.queue), b.inflightKey(c.queue)}
			won, err := claimScript.Run(ctx, b.client, keys, id, lease).Int()
			if err != nil {
				return nil, fmt.Errorf("claim %s: %w", id, err)
			}
			if won == 0 {
				continue
			}
			c.s.received = append(c.s.received, claimed{queue: c.queue, id: id, score: z.Score})
			return msg, nil
		}

		if int64(len(zs)) < batch {
			return nil, nil
		}
	}
}

func (c *consumer) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.closed = true
	return nil
}

type browser struct {
	s      *session
	queue  string
	sel    selector.Expr
	ids    []string
	loaded bool
	closed bool
}

func newBrowser(s *session, queue, sel string) (*browser, error) {
	expr, err := selector.Parse(sel)
	if err != nil {
		return nil, fmt.Errorf("browser selector: %w", err)
	}
	return &browser{s: s, queue: queue, sel: expr}, nil
}

// Next walks a snapshot of the ready ids taken on the first call.
// Messages consumed since then are skipped.
func (br *browser) Next(ctx context.Context) (*broker.Message, error) {
	br.s.mu.Lock()
	defer br.s.mu.Unlock()
	if br.closed {
		return nil, broker.ErrClosed
	}
	b := br.s.b
	if !br.loaded {
		ids, err := b.client.ZRange(ctx, b.readyKey(br.queue), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("browse: %w", err)
		}
		br.ids, br.loaded = ids, true
	}
	for len(br.ids) > 0 {
		id := br.ids[0]
		br.ids = br.ids[1:]
		fields, err := b.client.HGetAll(ctx, b.msgKey(br.queue, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("browse %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		msg, err := decodeFields(id, fields)
		if err != nil {
			slog.Warn("skipping undecodable message", "queue", br.queue, "message_id", id, "error", err)
			continue
		}
		if br.sel.Matches(msg.Properties) {
			return msg, nil
		}
	}
	return nil, nil
}

func (br *browser) Close() error {
	br.s.mu.Lock()
	defer br.s.mu.Unlock()
	br.closed = true
	br.ids = nil
	return nil
}
