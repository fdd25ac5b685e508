// SPDX-FileCopyrightText: Copyright (C) 2025 the dmail authors
// SPDX-License-Identifier: AGPL-3.0-only

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "dmail"
	metricsSubsystem = "pool"
)

// metrics holds the pool's collectors, registered against the configured
// Registerer.  Collectors already present on the registry are reused, so
// pools sharing a registry share their series.
type metrics struct {
	activeConnections   prometheus.Gauge
	relayConnections    prometheus.Gauge
	reconnectAttempts   prometheus.Counter
	healthCheckFailures prometheus.Counter
	queuedMessages      prometheus.Gauge
	droppedMessages     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		activeConnections: registerGauge(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_connections",
				Help:      "Number of currently tracked peer connections",
			},
		)),
		relayConnections: registerGauge(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "relay_connections",
				Help:      "Number of currently connected relay-capable peers",
			},
		)),
		reconnectAttempts: registerCounter(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "reconnect_attempts_total",
				Help:      "Number of reconnection attempts",
			},
		)),
		healthCheckFailures: registerCounter(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "health_check_failures_total",
				Help:      "Number of failed peer health probes",
			},
		)),
		queuedMessages: registerGauge(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "queued_messages",
				Help:      "Number of messages waiting in the outbound queue",
			},
		)),
		droppedMessages: registerCounter(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "dropped_messages_total",
				Help:      "Number of outbound messages dropped after publish failure",
			},
		)),
	}
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}
