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

import "time"

type Options struct {
	Prefix string
	// PollInterval is how often a waiting consumer rescans the queue.
	PollInterval time.Duration
	// LeaseTimeout is how long a received message stays invisible before
	// it is considered abandoned and requeued.
	LeaseTimeout time.Duration
	// ScanBatch is how many ready messages are inspected per round trip.
	ScanBatch int64
	// CloseClient makes Broker.Close close the Redis client too.
	CloseClient bool
}

type Option func(*Options)

func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// WithLeaseTimeout bounds how long a consumer may hold a message before
// another consumer can receive it again.
func WithLeaseTimeout(d time.Duration) Option {
	return func(o *Options) { o.LeaseTimeout = d }
}

func WithScanBatch(n int64) Option {
	return func(o *Options) { o.ScanBatch = n }
}

// WithCloseClient hands ownership of the client to the broker.
func WithCloseClient() Option {
	return func(o *Options) { o.CloseClient = true }
}

func defaultOptions() Options {
	return Options{
		Prefix:       "mailqueue",
		PollInterval: 100 * time.Millisecond,
		LeaseTimeout: 30 * time.Minute,
		ScanBatch:    100,
	}
}
