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

// Package health probes the broker behind the mail queues.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bcem/mailqueue/internal/broker"
)

// DefaultTimeout bounds one probe.
const DefaultTimeout = 2 * time.Second

// ErrMalformed is reported when the broker answers with impossible
// statistics.
var ErrMalformed = errors.New("health: malformed broker statistics")

// Pinger is implemented by transports with a cheap liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe round trips a statistics request for a set of queues.
type Probe struct {
	stats   broker.Statistics
	queues  []string
	timeout time.Duration
}

// NewProbe checks the given queues through stats. A non-positive timeout
// means DefaultTimeout.
func NewProbe(stats broker.Statistics, timeout time.Duration, queues ...string) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{stats: stats, queues: queues, timeout: timeout}
}

// Result is one probe outcome.
type Result struct {
	Healthy bool                    `json:"healthy"`
	Error   string                  `json:"error,omitempty"`
	Queues  map[string]broker.Stats `json:"queues,omitempty"`
}

// Check probes every queue within the timeout. It reports unhealthy on a
// timeout, a transport error or negative counters.
func (p *Probe) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if pinger, ok := p.stats.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return Result{Error: fmt.Sprintf("ping: %v", err)}
		}
	}
	res := Result{Healthy: true, Queues: make(map[string]broker.Stats, len(p.queues))}
	for _, name := range p.queues {
		st, err := p.stats.QueueStats(ctx, name)
		if err == nil && (st.Pending < 0 || st.InFlight < 0) {
			err = ErrMalformed
		}
		if err != nil {
			return Result{Error: fmt.Sprintf("queue %s: %v", name, err)}
		}
		res.Queues[name] = st
	}
	return res
}

// Handler serves the probe as JSON, 200 when healthy and 503 otherwise.
func (p *Probe) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := p.Check(r.Context())
		status := http.StatusOK
		if !res.Healthy {
			status = http.StatusServiceUnavailable
			slog.Warn("health check failed", "error", res.Error)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			slog.Debug("write health response", "error", err)
		}
	})
}
