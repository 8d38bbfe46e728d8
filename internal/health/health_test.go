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

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/broker/redisbroker"
)

type fakeStats struct {
	stats broker.Stats
	err   error
	delay time.Duration
}

func (f *fakeStats) QueueStats(ctx context.Context, _ string) (broker.Stats, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return broker.Stats{}, ctx.Err()
		}
	}
	return f.stats, f.err
}

// TestProbe_Check verifies each unhealthy condition.
func TestProbe_Check(t *testing.T) {
	tests := []struct {
		name        string
		stats       *fakeStats
		wantHealthy bool
		wantError   string
	}{
		{
			name:        "healthy",
			stats:       &fakeStats{stats: broker.Stats{Pending: 3, InFlight: 1}},
			wantHealthy: true,
		},
		{
			name:      "transport error",
			stats:     &fakeStats{err: errors.New("connection refused")},
			wantError: "connection refused",
		},
		{
			name:      "malformed",
			stats:     &fakeStats{stats: broker.Stats{Pending: -5}},
			wantError: "malformed",
		},
		{
			name:      "timeout",
			stats:     &fakeStats{delay: time.Second},
			wantError: "deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProbe(tt.stats, 20*time.Millisecond, "spool")
			res := p.Check(context.Background())
			if res.Healthy != tt.wantHealthy {
				t.Fatalf("Healthy = %v, want %v (error %q)", res.Healthy, tt.wantHealthy, res.Error)
			}
			if tt.wantError != "" && !strings.Contains(res.Error, tt.wantError) {
				t.Errorf("Error = %q, want it to contain %q", res.Error, tt.wantError)
			}
			if tt.wantHealthy && res.Queues["spool"].Pending != 3 {
				t.Errorf("Queues = %v", res.Queues)
			}
		})
	}
}

// TestProbe_Handler verifies status codes and the JSON body.
func TestProbe_Handler(t *testing.T) {
	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	b := redisbroker.New(c, redisbroker.WithCloseClient())
	defer b.Close()

	h := NewProbe(b, 0, "spool").Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var res Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Healthy {
		t.Errorf("expected healthy, got %+v", res)
	}
	if _, ok := res.Queues["spool"]; !ok {
		t.Errorf("Queues = %v, want spool", res.Queues)
	}

	s.Close()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rr.Body.String(), "ping") {
		t.Errorf("body = %s", rr.Body.String())
	}
}
