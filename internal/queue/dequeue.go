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
	"sync"
	"time"

	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/envelope"
	"github.com/bcem/mailqueue/internal/mail"
)

// Dequeuer is an endless pull iterator over ready mails. One caller loop
// drives it; run several Dequeuers to consume concurrently.
type Dequeuer struct {
	q *Queue
}

// Dequeue returns an iterator over the mails of the queue.
func (q *Queue) Dequeue() *Dequeuer {
	return &Dequeuer{q: q}
}

// Next blocks until a mail is ready, ctx is done or a poll fails. A failed
// poll leaves nothing open, and Next may be called again afterwards.
func (d *Dequeuer) Next(ctx context.Context) (*Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, d.q.wrap("dequeue", err)
		}
		item, err := d.q.poll(ctx)
		if err != nil {
			// the transport may surface cancellation as an I/O timeout
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, d.q.wrap("dequeue", ctxErr)
			}
			return nil, d.q.wrap("dequeue", err)
		}
		if item != nil {
			return item, nil
		}
	}
}

// poll is one bounded round trip. It returns nil, nil when nothing became
// ready within the poll timeout.
func (q *Queue) poll(ctx context.Context) (item *Item, err error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	s, err := q.conn.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	var c broker.Consumer
	defer func() {
		if item == nil {
			closeLogged(q.log, "consumer", c)
			closeLogged(q.log, "session", s)
		}
	}()

	c, err = s.Consumer(q.name, readySelector(q.now().UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	msg, err := c.Receive(ctx, q.pollTimeout)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if msg == nil {
		if err := s.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit empty poll: %w", err)
		}
		return nil, nil
	}

	m, err := q.decode(msg)
	if err != nil {
		if derr := q.deadLetter(ctx, s, msg); derr != nil {
			return nil, errors.Join(err, derr)
		}
		return nil, err
	}
	q.metrics.Dequeued()
	return &Item{q: q, session: s, consumer: c, msg: msg, mail: m}, nil
}

// deadLetter moves an undecodable message to the dead letter queue in the
// receiving transaction, so it cannot block the mails behind it.
func (q *Queue) deadLetter(ctx context.Context, s broker.Session, msg *broker.Message) error {
	dead := q.name + DeadLetterSuffix
	p, err := s.Producer(dead)
	if err != nil {
		return fmt.Errorf("create dead letter producer: %w", err)
	}
	defer closeLogged(q.log, "producer", p)

	cp := msg.Clone()
	cp.ID = ""
	cp.Timestamp = time.Time{}
	if err := p.Send(ctx, cp); err != nil {
		return fmt.Errorf("dead letter %s: %w", msg.ID, err)
	}
	if err := s.Commit(ctx); err != nil {
		return fmt.Errorf("commit dead letter %s: %w", msg.ID, err)
	}
	q.log.Warn("moved undecodable message to dead letter queue", "message_id", msg.ID, "dead_letter_queue", dead)
	return nil
}

func (q *Queue) decode(msg *broker.Message) (*mail.Mail, error) {
	m, err := envelope.Decode(msg.Properties)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
	}
	src, err := q.body.Source(msg)
	if err != nil {
		return nil, fmt.Errorf("resolve body of %s: %w", msg.ID, err)
	}
	m.Content = src
	return m, nil
}

// Item is one received mail whose transaction is still open. Done must be
// called exactly once; later calls do nothing.
type Item struct {
	q        *Queue
	session  broker.Session
	consumer broker.Consumer
	msg      *broker.Message
	mail     *mail.Mail

	mu   sync.Mutex
	done bool
}

// Mail returns the decoded mail. Setting the reuse blob attribute on it
// before Done keeps an externalized body alive.
func (it *Item) Mail() *mail.Mail { return it.mail }

// MessageID returns the broker message id.
func (it *Item) MessageID() string { return it.msg.ID }

// Done acknowledges the mail on success, removing it from the queue and
// deleting its externalized body unless reuse was requested. On failure
// the transaction is rolled back and the mail will be delivered again.
func (it *Item) Done(ctx context.Context, success bool) error {
	it.mu.Lock()
	if it.done {
		it.mu.Unlock()
		return nil
	}
	it.done = true
	it.mu.Unlock()

	q := it.q
	defer closeLogged(q.log, "session", it.session)
	defer closeLogged(q.log, "consumer", it.consumer)

	if !success {
		if err := it.session.Rollback(ctx); err != nil {
			return q.wrap("rollback", err)
		}
		q.log.Debug("mail returned to queue", "mail", it.mail.Name, "message_id", it.msg.ID)
		return nil
	}

	if err := it.session.Commit(ctx); err != nil {
		return q.wrap("commit", err)
	}
	if !it.mail.ReuseBlob() {
		if err := q.body.Dispose(ctx, it.msg); err != nil {
			q.log.Warn("could not dispose body", "mail", it.mail.Name, "error", err)
		}
	}
	return nil
}
