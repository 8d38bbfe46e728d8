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

// Package memory is an in-process transport for embedded deployments and
// tests. Messages are lost when the process exits.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/selector"
)

type entry struct {
	msg *broker.Message
	seq uint64
}

func compareEntries(a, b *entry) int {
	if c := cmp.Compare(b.msg.Priority, a.msg.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

type queueState struct {
	entries []*entry
	// notify is closed and replaced whenever entries become available.
	notify chan struct{}
}

// Broker holds every queue in memory.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queueState
	seq    uint64
	closed bool
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queueState)}
}

// Session opens a transacted session.
func (b *Broker) Session(context.Context) (broker.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	return &session{b: b}, nil
}

// Close is idempotent. Queued messages are kept so a closed broker can be
// inspected in tests.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// queue must be called with b.mu held.
func (b *Broker) queue(name string) *queueState {
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// insert must be called with b.mu held.
func (b *Broker) insert(name string, e *entry) {
	q := b.queue(name)
	i, _ := slices.BinarySearchFunc(q.entries, e, compareEntries)
	q.entries = slices.Insert(q.entries, i, e)
}

// wake must be called with b.mu held.
func (b *Broker) wake(name string) {
	q := b.queue(name)
	close(q.notify)
	q.notify = make(chan struct{})
}

type pendingSend struct {
	queue string
	msg   *broker.Message
}

type received struct {
	queue string
	e     *entry
}

type session struct {
	b *Broker

	mu       sync.Mutex
	sends    []pendingSend
	received []received
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
	expr, err := selector.Parse(sel)
	if err != nil {
		return nil, fmt.Errorf("consumer selector: %w", err)
	}
	return &consumer{s: s, queue: queue, sel: expr}, nil
}

func (s *session) Browser(queue, sel string) (broker.Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	expr, err := selector.Parse(sel)
	if err != nil {
		return nil, fmt.Errorf("browser selector: %w", err)
	}

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	var snapshot []*broker.Message
	for _, e := range s.b.queue(queue).entries {
		if expr.Matches(e.msg.Properties) {
			snapshot = append(snapshot, e.msg.Clone())
		}
	}
	return &browser{s: s, msgs: snapshot}, nil
}

func (s *session) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	touched := make(map[string]bool)
	for _, p := range s.sends {
		s.b.seq++
		s.b.insert(p.queue, &entry{msg: p.msg, seq: s.b.seq})
		touched[p.queue] = true
	}
	for q := range touched {
		s.b.wake(q)
	}
	s.sends = nil
	s.received = nil
	return nil
}

func (s *session) Rollback(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.rollbackLocked()
	return nil
}

func (s *session) rollbackLocked() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	touched := make(map[string]bool)
	for _, r := range s.received {
		s.b.insert(r.queue, r.e)
		touched[r.queue] = true
	}
	for q := range touched {
		s.b.wake(q)
	}
	s.sends = nil
	s.received = nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if len(s.sends) > 0 || len(s.received) > 0 {
		s.rollbackLocked()
	}
	s.closed = true
	return nil
}

type producer struct {
	s      *session
	queue  string
	closed bool
}

func (p *producer) Send(_ context.Context, msg *broker.Message) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.closed {
		return broker.ErrClosed
	}
	if err := p.s.check(); err != nil {
		return err
	}
	c := msg.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
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

type consumer struct {
	s      *session
	queue  string
	sel    selector.Expr
	closed bool
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		msg, wait, err := c.tryReceive()
		if msg != nil || err != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
			// a delayed message may have become eligible without any
			// send, so look one last time
			msg, _, err := c.tryReceive()
			return msg, err
		}
	}
}

func (c *consumer) tryReceive() (*broker.Message, <-chan struct{}, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		return nil, nil, broker.ErrClosed
	}
	if err := c.s.check(); err != nil {
		return nil, nil, err
	}

	c.s.b.mu.Lock()
	defer c.s.b.mu.Unlock()
	q := c.s.b.queue(c.queue)
	for i, e := range q.entries {
		if !c.sel.Matches(e.msg.Properties) {
			continue
		}
		q.entries = slices.Delete(q.entries, i, i+1)
		c.s.received = append(c.s.received, received{queue: c.queue, e: e})
		return e.msg.Clone(), nil, nil
	}
	return nil, q.notify, nil
}

func (c *consumer) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.closed = true
	return nil
}

type browser struct {
	s      *session
	msgs   []*broker.Message
	closed bool
}

func (b *browser) Next(context.Context) (*broker.Message, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	if len(b.msgs) == 0 {
		return nil, nil
	}
	m := b.msgs[0]
	b.msgs = b.msgs[1:]
	return m, nil
}

func (b *browser) Close() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	b.closed = true
	b.msgs = nil
	return nil
}
