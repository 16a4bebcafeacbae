// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the CoAP engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SessionsTotal  *prometheus.CounterVec

	// Message metrics
	MessagesTotal *prometheus.CounterVec
	RequestsTotal *prometheus.CounterVec

	// Reliability metrics
	Retransmits prometheus.Counter
	Timeouts    prometheus.Counter
	Nacks       *prometheus.CounterVec

	// Observe metrics
	ObservationsActive prometheus.Gauge
	NotificationsTotal prometheus.Counter

	// Error metrics
	UnexpectedResponses prometheus.Counter
	RateLimitedRequests prometheus.Counter
}

// New creates a Metrics instance with all counters and gauges registered
// on the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coapmux"
	}

	return &Metrics{
		SessionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of currently live sessions",
			},
			[]string{"role", "transport"},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions created",
			},
			[]string{"role", "transport"},
		),
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of CoAP messages processed",
			},
			[]string{"direction", "type"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests dispatched",
			},
			[]string{"method", "code"},
		),
		Retransmits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmits_total",
				Help:      "Total number of confirmable message retransmissions",
			},
		),
		Timeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_timeouts_total",
				Help:      "Total number of synchronous requests that timed out",
			},
		),
		Nacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nacks_total",
				Help:      "Total number of negative acknowledgements by reason",
			},
			[]string{"reason"},
		),
		ObservationsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observations_active",
				Help:      "Number of active Observe subscriptions",
			},
		),
		NotificationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of Observe notifications delivered",
			},
		),
		UnexpectedResponses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unexpected_responses_total",
				Help:      "Total number of responses with an unknown token",
			},
		),
		RateLimitedRequests: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of requests rejected by rate limiting",
			},
		),
	}
}
