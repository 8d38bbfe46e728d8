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
	"errors"
	"sort"
	"sync"

	"github.com/bcem/mailqueue/internal/broker"
)

// Factory hands out one Queue per name over a shared connection and owns
// that connection.
type Factory struct {
	conn broker.Connection
	opts []Option

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

// NewFactory applies opts to every queue it creates.
func NewFactory(conn broker.Connection, opts ...Option) *Factory {
	return &Factory{conn: conn, opts: opts, queues: make(map[string]*Queue)}
}

// Get returns the handle for name, creating it on first use.
func (f *Factory) Get(name string) (*Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &Error{Op: "open", Queue: name, Err: ErrClosed}
	}
	if q, ok := f.queues[name]; ok {
		return q, nil
	}
	q, err := New(f.conn, name, f.opts...)
	if err != nil {
		return nil, err
	}
	f.queues[name] = q
	return q, nil
}

// Names lists the queues opened so far, sorted.
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.queues))
	for name := range f.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every queue and then the connection. It is idempotent.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	for _, q := range f.queues {
		errs = append(errs, q.Close())
	}
	errs = append(errs, f.conn.Close())
	return errors.Join(errs...)
}
