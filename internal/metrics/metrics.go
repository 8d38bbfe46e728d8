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

// Package metrics publishes per-queue counters, an enqueue timer and a
// size gauge. A Registry is passed to each queue explicitly; nothing is
// registered on the process-wide default registry implicitly.
package metrics

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry hands out the metrics of one queue. Queue returns the same
// handle for the same name.
type Registry interface {
	Queue(name string) QueueMetrics
}

// QueueMetrics are the collaborators a queue reports to.
type QueueMetrics interface {
	Enqueued()
	Dequeued()
	ObserveEnqueue(d time.Duration)
	// SetSizeFunc installs the function backing the size gauge. Later
	// calls replace it.
	SetSizeFunc(fn func() float64)
}

// Prometheus is a Registry backed by a prometheus.Registerer.
type Prometheus struct {
	reg prometheus.Registerer

	enqueued    *prometheus.CounterVec
	dequeued    *prometheus.CounterVec
	enqueueTime *prometheus.HistogramVec

	mu     sync.Mutex
	queues map[string]*promQueue
}

// NewPrometheus registers the queue metric families on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		reg: reg,
		enqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailqueue_enqueued_total",
				Help: "Mails enqueued.",
			},
			[]string{"queue"},
		),
		dequeued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailqueue_dequeued_total",
				Help: "Mails dequeued and handed to a consumer.",
			},
			[]string{"queue"},
		),
		enqueueTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailqueue_enqueue_duration_seconds",
				Help:    "Time spent enqueueing one mail, body upload included.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"queue"},
		),
		queues: make(map[string]*promQueue),
	}
}

func (p *Prometheus) Queue(name string) QueueMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[name]; ok {
		return q
	}
	q := &promQueue{
		p:        p,
		name:     name,
		enqueued: p.enqueued.WithLabelValues(name),
		dequeued: p.dequeued.WithLabelValues(name),
		timer:    p.enqueueTime.WithLabelValues(name),
	}
	p.queues[name] = q
	return q
}

type promQueue struct {
	p        *Prometheus
	name     string
	enqueued prometheus.Counter
	dequeued prometheus.Counter
	timer    prometheus.Observer

	mu         sync.Mutex
	sizeFn     func() float64
	registered bool
}

func (q *promQueue) Enqueued()                      { q.enqueued.Inc() }
func (q *promQueue) Dequeued()                      { q.dequeued.Inc() }
func (q *promQueue) ObserveEnqueue(d time.Duration) { q.timer.Observe(d.Seconds()) }

func (q *promQueue) SetSizeFunc(fn func() float64) {
	q.mu.Lock()
	q.sizeFn = fn
	register := !q.registered
	q.registered = true
	q.mu.Unlock()
	if !register {
		return
	}

	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "mailqueue_size",
		Help:        "Mails currently held by the queue, delayed ones included.",
		ConstLabels: prometheus.Labels{"queue": q.name},
	}, q.size)
	if err := q.p.reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			slog.Warn("size gauge not registered", "queue", q.name, "error", err)
		}
	}
}

func (q *promQueue) size() float64 {
	q.mu.Lock()
	fn := q.sizeFn
	q.mu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// Nop returns a Registry that discards everything.
func Nop() Registry { return nop{} }

type nop struct{}

func (nop) Queue(string) QueueMetrics    { return nop{} }
func (nop) Enqueued()                    {}
func (nop) Dequeued()                    {}
func (nop) ObserveEnqueue(time.Duration) {}
func (nop) SetSizeFunc(func() float64)   {}
