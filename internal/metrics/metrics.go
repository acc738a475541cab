// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package metrics registers the Prometheus collectors for the engine.
// All collectors use promauto against the default registry; the HTTP
// layer exposes them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts event-log appends by aggregate type and
	// success/failure.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "eventlog",
		Name:      "appends_total",
		Help:      "Domain events appended, by aggregate type and outcome.",
	}, []string{"aggregate_type", "outcome"})

	// EventsPublished counts bus publications by outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "eventlog",
		Name:      "published_total",
		Help:      "Events published to the fan-out bus, by outcome.",
	}, []string{"outcome"})

	// Transitions counts state-machine decisions by aggregate kind and
	// outcome (applied, noop, rejected).
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "statemachine",
		Name:      "transitions_total",
		Help:      "State transition attempts, by aggregate kind and outcome.",
	}, []string{"aggregate_kind", "outcome"})

	// Joins counts assignment-engine outcomes (assigned, idempotent,
	// full, rejected, race).
	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "assignment",
		Name:      "joins_total",
		Help:      "Join attempts, by outcome.",
	}, []string{"outcome"})

	// TurnSubmissions counts turn closures by kind (manual, auto).
	TurnSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "rounds",
		Name:      "turn_submissions_total",
		Help:      "Turn submissions, by kind.",
	}, []string{"kind"})

	// SweepDuration observes timer-sweeper pass latency.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oyez",
		Subsystem: "rounds",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of timer sweeper passes.",
		Buckets:   prometheus.DefBuckets,
	})

	// RetryAttempts observes how many backoff attempts a serialized
	// operation needed before success or giving up.
	RetryAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oyez",
		Subsystem: "engine",
		Name:      "retry_attempts",
		Help:      "Backoff attempts per serialized operation.",
		Buckets:   []float64{0, 1, 2, 3},
	})

	// Evaluations counts evaluation writes by outcome (created, updated,
	// finalized, locked).
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "evaluation",
		Name:      "writes_total",
		Help:      "Evaluation writes, by outcome.",
	}, []string{"outcome"})

	// SnapshotsFrozen counts leaderboard freezes by outcome.
	SnapshotsFrozen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "leaderboard",
		Name:      "freezes_total",
		Help:      "Leaderboard freeze attempts, by outcome.",
	}, []string{"outcome"})

	// ChecksumVerifications counts snapshot verification results.
	ChecksumVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "leaderboard",
		Name:      "checksum_verifications_total",
		Help:      "Snapshot checksum verifications, by result.",
	}, []string{"result"})

	// WebsocketClients gauges connected fan-out clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oyez",
		Subsystem: "websocket",
		Name:      "clients",
		Help:      "Currently connected websocket clients.",
	})

	// WebsocketDropped counts messages dropped on slow clients.
	WebsocketDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "websocket",
		Name:      "dropped_total",
		Help:      "Messages dropped because a client buffer was full.",
	})

	// AuditQueueDepth gauges the async audit writer backlog.
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oyez",
		Subsystem: "audit",
		Name:      "queue_depth",
		Help:      "Audit rows waiting to be written.",
	})

	// HTTPRequests counts API requests by route, method and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oyez",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests, by route, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oyez",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
