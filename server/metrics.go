// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics collects counters for traffic in and out of the relay plus gauges
// for the live connection and online user counts.
type Metrics interface {
	MessageReceived(bytes int64)
	MessageSent(bytes int64)
	EventDropped()
	GaugeSessions(value float64)
	GaugeOnlineUsers(value float64)
	Handler() http.Handler
	Stop()
}

var _ Metrics = (*LocalMetrics)(nil)

type LocalMetrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	receivedCount prometheus.Counter
	receivedBytes prometheus.Counter
	sentCount     prometheus.Counter
	sentBytes     prometheus.Counter
	droppedCount  prometheus.Counter
	sessions      prometheus.Gauge
	onlineUsers   prometheus.Gauge
}

func NewLocalMetrics(logger *zap.Logger, config *Config) *LocalMetrics {
	m := &LocalMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	constLabels := prometheus.Labels{"node": config.Name}

	m.receivedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "relay",
		Name:        "messages_received_total",
		Help:        "Total envelopes received from clients.",
		ConstLabels: constLabels,
	})
	m.receivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "relay",
		Name:        "messages_received_bytes_total",
		Help:        "Total bytes received from clients.",
		ConstLabels: constLabels,
	})
	m.sentCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "relay",
		Name:        "messages_sent_total",
		Help:        "Total envelopes written to clients.",
		ConstLabels: constLabels,
	})
	m.sentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "relay",
		Name:        "messages_sent_bytes_total",
		Help:        "Total bytes written to clients.",
		ConstLabels: constLabels,
	})
	m.droppedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "relay",
		Name:        "events_dropped_total",
		Help:        "Total inbound events dropped as malformed or unroutable.",
		ConstLabels: constLabels,
	})
	m.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "relay",
		Name:        "sessions",
		Help:        "Current live socket sessions.",
		ConstLabels: constLabels,
	})
	m.onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "relay",
		Name:        "online_users",
		Help:        "Current distinct online users.",
		ConstLabels: constLabels,
	})

	m.registry.MustRegister(
		m.receivedCount, m.receivedBytes,
		m.sentCount, m.sentBytes,
		m.droppedCount,
		m.sessions, m.onlineUsers,
	)

	return m
}

func (m *LocalMetrics) MessageReceived(bytes int64) {
	m.receivedCount.Inc()
	m.receivedBytes.Add(float64(bytes))
}

func (m *LocalMetrics) MessageSent(bytes int64) {
	m.sentCount.Inc()
	m.sentBytes.Add(float64(bytes))
}

func (m *LocalMetrics) EventDropped() {
	m.droppedCount.Inc()
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.sessions.Set(value)
}

func (m *LocalMetrics) GaugeOnlineUsers(value float64) {
	m.onlineUsers.Set(value)
}

func (m *LocalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *LocalMetrics) Stop() {}
