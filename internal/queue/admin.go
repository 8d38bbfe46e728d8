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

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcem/mailqueue/internal/blob"
	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/envelope"
	"github.com/bcem/mailqueue/internal/mail"
)

// statsTimeout bounds the statistics fast path of Size.
const statsTimeout = 2 * time.Second

var errMalformedStats = errors.New("malformed queue statistics")

// Size counts the mails waiting in the queue, delayed ones included.
// Live broker statistics are used when the transport offers them and
// answers sensibly; otherwise the queue is browsed.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	if q.closed.Load() {
		return 0, q.wrap("size", ErrClosed)
	}
	if st, ok := q.conn.(broker.Statistics); ok {
		n, err := q.statsSize(ctx, st)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, q.wrap("size", ctx.Err())
		}
		q.log.Debug("queue statistics unusable, counting by browsing", "error", err)
	}
	n, err := q.countByBrowsing(ctx)
	return n, q.wrap("size", err)
}

func (q *Queue) statsSize(ctx context.Context, st broker.Statistics) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	stats, err := st.QueueStats(ctx, q.name)
	if err != nil {
		return 0, err
	}
	if stats.Pending < 0 || stats.InFlight < 0 {
		return 0, fmt.Errorf("%w: %+v", errMalformedStats, stats)
	}
	return stats.Pending, nil
}

func (q *Queue) countByBrowsing(ctx context.Context) (int64, error) {
	var n int64
	err := q.withSession(ctx, func(s broker.Session) error {
		b, err := s.Browser(q.name, "")
		if err != nil {
			return fmt.Errorf("create browser: %w", err)
		}
		defer closeLogged(q.log, "browser", b)
		for {
			msg, err := b.Next(ctx)
			if err != nil {
				return fmt.Errorf("browse: %w", err)
			}
			if msg == nil {
				return nil
			}
			n++
		}
	})
	return n, err
}

// BrowseItem is a mail seen through a Cursor.
type BrowseItem struct {
	Mail *mail.Mail
	// NextDelivery is when the mail becomes eligible, zero if unknown.
	NextDelivery time.Time
	// Forced reports a flushed mail, eligible regardless of NextDelivery.
	Forced bool
}

// Cursor iterates over the queue without consuming. It must be closed.
type Cursor struct {
	q       *Queue
	session broker.Session
	browser broker.Browser
	closed  bool
}

// Browse opens a read-only cursor over every mail, delayed or not.
func (q *Queue) Browse(ctx context.Context) (*Cursor, error) {
	if q.closed.Load() {
		return nil, q.wrap("browse", ErrClosed)
	}
	s, err := q.conn.Session(ctx)
	if err != nil {
		return nil, q.wrap("browse", fmt.Errorf("open session: %w", err))
	}
	b, err := s.Browser(q.name, "")
	if err != nil {
		closeLogged(q.log, "session", s)
		return nil, q.wrap("browse", fmt.Errorf("create browser: %w", err))
	}
	return &Cursor{q: q, session: s, browser: b}, nil
}

// Next returns the next mail, or nil once the cursor is exhausted.
// Messages that cannot be decoded are logged and skipped.
func (c *Cursor) Next(ctx context.Context) (*BrowseItem, error) {
	if c.closed {
		return nil, c.q.wrap("browse", ErrClosed)
	}
	for {
		msg, err := c.browser.Next(ctx)
		if err != nil {
			return nil, c.q.wrap("browse", err)
		}
		if msg == nil {
			return nil, nil
		}
		m, err := c.q.decode(msg)
		if err != nil {
			c.q.log.Warn("skipping undecodable message", "message_id", msg.ID, "error", err)
			continue
		}
		item := &BrowseItem{Mail: m}
		if ms := envelope.NextDeliveryOf(msg.Properties); ms > 0 {
			item.NextDelivery = time.UnixMilli(ms)
		}
		item.Forced, _ = msg.Properties[envelope.ForceDelivery].(bool)
		return item, nil
	}
}

// Close releases the cursor. It is idempotent.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	closeLogged(c.q.log, "browser", c.browser)
	closeLogged(c.q.log, "session", c.session)
	return nil
}

// Flush makes every mail immediately eligible by re-sending it with the
// forced delivery flag. Receipt of the originals and the re-sends commit
// together, so on failure nothing is flushed.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	const op = "flush"
	if q.closed.Load() {
		return 0, q.wrap(op, ErrClosed)
	}
	n := 0
	err := q.withSession(ctx, func(s broker.Session) error {
		c, err := s.Consumer(q.name, "")
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		defer closeLogged(q.log, "consumer", c)
		p, err := s.Producer(q.name)
		if err != nil {
			return fmt.Errorf("create producer: %w", err)
		}
		defer closeLogged(q.log, "producer", p)

		err = q.drain(ctx, c, func(msg *broker.Message) error {
			cp := msg.Clone()
			cp.ID = ""
			cp.Timestamp = time.Time{}
			cp.Properties[envelope.ForceDelivery] = true
			if err := p.Send(ctx, cp); err != nil {
				return fmt.Errorf("resend %s: %w", msg.ID, err)
			}
			n++
			return nil
		})
		if err != nil {
			return err
		}
		return s.Commit(ctx)
	})
	if err != nil {
		return 0, q.wrap(op, err)
	}
	q.log.Info("queue flushed", "count", n)
	return n, nil
}

// Clear discards every mail and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	return q.discard(ctx, "clear", "")
}

// Remove discards the mails whose name, sender or one of whose recipients
// equals value.
func (q *Queue) Remove(ctx context.Context, by Criterion, value string) (int, error) {
	sel, err := removeSelector(by, value)
	if err != nil {
		return 0, q.wrap("remove", err)
	}
	return q.discard(ctx, "remove", sel)
}

// discard consumes and acknowledges every message matching sel in one
// transaction, then deletes their externalized bodies. Body deletion
// failures are reported alongside the count since nothing else will
// clean them up.
func (q *Queue) discard(ctx context.Context, op, sel string) (int, error) {
	if q.closed.Load() {
		return 0, q.wrap(op, ErrClosed)
	}
	var removed []*broker.Message
	err := q.withSession(ctx, func(s broker.Session) error {
		c, err := s.Consumer(q.name, sel)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		defer closeLogged(q.log, "consumer", c)

		err = q.drain(ctx, c, func(msg *broker.Message) error {
			removed = append(removed, msg)
			return nil
		})
		if err != nil {
			return err
		}
		return s.Commit(ctx)
	})
	if err != nil {
		return 0, q.wrap(op, err)
	}

	q.log.Info("mails discarded", "op", op, "count", len(removed))
	return len(removed), q.wrap(op, q.disposeRemoved(ctx, removed))
}

// disposeRemoved deletes the bodies of removed messages, except those a
// message still in the queue references through reuse.
func (q *Queue) disposeRemoved(ctx context.Context, removed []*broker.Message) error {
	hasBlobs := false
	for _, msg := range removed {
		if _, ok := locatorOf(msg); ok {
			hasBlobs = true
			break
		}
	}
	if !hasBlobs {
		return nil
	}
	kept, err := q.referencedBlobs(ctx)
	if err != nil {
		return fmt.Errorf("bodies kept, could not list referenced blobs: %w", err)
	}

	var errs []error
	for _, msg := range removed {
		loc, ok := locatorOf(msg)
		if !ok || kept[loc] {
			continue
		}
		kept[loc] = true
		if err := q.body.Dispose(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// referencedBlobs lists the body locators of the messages left in the queue.
func (q *Queue) referencedBlobs(ctx context.Context) (map[blob.Locator]bool, error) {
	refs := make(map[blob.Locator]bool)
	err := q.withSession(ctx, func(s broker.Session) error {
		b, err := s.Browser(q.name, "")
		if err != nil {
			return fmt.Errorf("create browser: %w", err)
		}
		defer closeLogged(q.log, "browser", b)
		for {
			msg, err := b.Next(ctx)
			if err != nil {
				return fmt.Errorf("browse: %w", err)
			}
			if msg == nil {
				return nil
			}
			if loc, ok := locatorOf(msg); ok {
				refs[loc] = true
			}
		}
	})
	return refs, err
}

// drain receives until the queue has nothing more for c. Only the first
// receive waits; the rest return immediately.
func (q *Queue) drain(ctx context.Context, c broker.Consumer, fn func(*broker.Message) error) error {
	wait := q.drainWait
	for {
		msg, err := c.Receive(ctx, wait)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if msg == nil {
			return nil
		}
		wait = 0
		if err := fn(msg); err != nil {
			return err
		}
	}
}
