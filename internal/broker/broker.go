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

// Package broker is the transport contract the mail queue is layered on:
// connections hand out transacted sessions, sessions create producers,
// selector-filtered consumers and read-only browsers.
//
// Transports have no native scheduled visibility; delayed delivery is
// expressed through message properties and selectors.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by any operation on a closed resource.
var ErrClosed = errors.New("broker: closed")

const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 4
)

// Message is a broker message. Property values are string, int64 or bool.
type Message struct {
	ID         string
	Priority   int
	Properties map[string]any
	Body       []byte
	Timestamp  time.Time
}

// Clone copies the message so it can be re-sent without aliasing.
func (m *Message) Clone() *Message {
	c := *m
	c.Properties = make(map[string]any, len(m.Properties))
	for k, v := range m.Properties {
		c.Properties[k] = v
	}
	c.Body = append([]byte(nil), m.Body...)
	return &c
}

// ClampPriority forces p into the supported range.
func ClampPriority(p int) int {
	return min(max(p, MinPriority), MaxPriority)
}

// Connection is shared and safe for concurrent use.
type Connection interface {
	// Session opens a transacted session. Sessions are not safe for
	// concurrent use; open one per logical operation.
	Session(ctx context.Context) (Session, error)
	// Close is idempotent.
	Close() error
}

// Session groups sends and receives into one transaction. Sends become
// visible and receives are acknowledged only on Commit.
type Session interface {
	Producer(queue string) (Producer, error)
	// Consumer receives messages matching selector; "" matches all.
	Consumer(queue, selector string) (Consumer, error)
	// Browser iterates messages without consuming them.
	Browser(queue, selector string) (Browser, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close rolls back uncommitted work and releases the session and
	// everything it created. It is idempotent.
	Close() error
}

// Producer sends messages within its session's transaction.
type Producer interface {
	// Send assigns ID and Timestamp when empty.
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Consumer receives messages within its session's transaction.
type Consumer interface {
	// Receive waits up to timeout for a matching message. It returns
	// nil, nil when none arrived. A zero timeout does not wait.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

// Browser is a forward-only read-only cursor.
type Browser interface {
	// Next returns nil, nil once exhausted.
	Next(ctx context.Context) (*Message, error)
	Close() error
}

// Stats is a snapshot of live queue statistics.
type Stats struct {
	// Pending counts messages waiting in the queue, delayed or not.
	Pending int64 `json:"pending"`

	// InFlight counts received but not yet acknowledged messages.
	InFlight int64 `json:"in_flight"`
}

// Statistics is implemented by transports exposing live queue statistics.
type Statistics interface {
	QueueStats(ctx context.Context, queue string) (Stats, error)
}
