// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors scraped from /metrics. Each Metrics
// owns its registry, so tests can build as many as they like. All methods are
// safe on a nil receiver.
type Metrics struct {
	registry         *prometheus.Registry
	stageAttempts    *prometheus.CounterVec
	videosFinished   *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	eventSubscribers prometheus.Gauge
	relayDropped     prometheus.Counter
}

// NewMetrics creates and registers the orchestrator and broadcaster collectors
// together with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pauzyn_stage_attempts_total",
			Help: "Stage attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		videosFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pauzyn_videos_finished_total",
			Help: "Videos that reached a terminal status.",
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pauzyn_active_jobs",
			Help: "Stage attempts currently running.",
		}),
		eventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pauzyn_event_subscribers",
			Help: "Open status event subscriptions.",
		}),
		relayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pauzyn_relay_events_dropped_total",
			Help: "Status events not relayed to other instances because the relay outbox was full.",
		}),
	}
	m.registry.MustRegister(
		m.stageAttempts,
		m.videosFinished,
		m.activeJobs,
		m.eventSubscribers,
		m.relayDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StageAttempt(stage string, outcome string) {
	if m == nil {
		return
	}
	m.stageAttempts.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) VideoFinished(status string) {
	if m == nil {
		return
	}
	m.videosFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.eventSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.eventSubscribers.Dec()
}

func (m *Metrics) RelayDropped() {
	if m == nil {
		return
	}
	m.relayDropped.Inc()
}
