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
	"log/slog"
	"time"

	"github.com/bcem/mailqueue/internal/metrics"
)

const (
	// DefaultPollTimeout bounds one dequeue round trip.
	DefaultPollTimeout = 10 * time.Second
	// DefaultDrainWait is how long administrative drains wait for the
	// first message.
	DefaultDrainWait = 2 * time.Second

	// DeadLetterSuffix is appended to a queue name to form the queue that
	// receives messages which cannot be decoded.
	DeadLetterSuffix = ".dead"
)

// Option configures a Queue.
type Option func(*Queue)

// WithBody sets how mail bodies travel. The default is InlineBody.
func WithBody(b BodyStrategy) Option {
	return func(q *Queue) { q.body = b }
}

func WithMetrics(r metrics.Registry) Option {
	return func(q *Queue) { q.registry = r }
}

func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) { q.pollTimeout = d }
}

func WithDrainWait(d time.Duration) Option {
	return func(q *Queue) { q.drainWait = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}
