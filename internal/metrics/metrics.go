// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_frames_ingested_total",
		Help: "Inbound audio frames received from calls",
	})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_frames_dropped_total",
		Help: "Inbound audio chunks that could not be written to a recognition buffer",
	}, []string{"reason"})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interpreter_active_calls",
		Help: "Calls with an attached media pipeline",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interpreter_active_recognition_sessions",
		Help: "Recognition sessions currently running",
	})
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_recognition_sessions_ended_total",
		Help: "Recognition sessions that reached a terminal state",
	}, []string{"state"})

	FinalResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_final_results_total",
		Help: "Final recognition results by outcome",
	}, []string{"outcome"})

	TranslationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interpreter_translation_duration_seconds",
		Help:    "Latency of translation backend calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"backend"})
	TranslationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_translation_failures_total",
		Help: "Translation backend calls that failed or returned nothing",
	}, []string{"backend"})

	SynthesisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interpreter_synthesis_duration_seconds",
		Help:    "Latency of speech synthesis calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	BuffersEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interpreter_buffers_emitted_total",
		Help: "Outbound audio buffers sent into calls",
	})
	BuffersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interpreter_buffers_dropped_total",
		Help: "Outbound audio buffers dropped before reaching the call",
	}, []string{"reason"})
)
