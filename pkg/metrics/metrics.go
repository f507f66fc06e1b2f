// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consumer metrics
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_events_received_total",
		Help: "Total number of raw messages fetched from the mail events topic",
	}, []string{"topic"})
	EventsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_events_malformed_total",
		Help: "Total number of messages that failed decoding or validation",
	}, []string{"reason"})
	EventsAcknowledged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_events_acknowledged_total",
		Help: "Total number of events resolved and eligible for commit",
	}, []string{"topic"})
	OffsetCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_offset_commits_total",
		Help: "Total number of offset commit calls by result",
	}, []string{"topic", "result"})
	UncommittedEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maildispatch_uncommitted_events",
		Help: "Number of fetched events not yet covered by a commit",
	}, []string{"topic"})

	// Dispatcher metrics
	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "maildispatch_queue_depth",
		Help: "Number of items waiting for a worker",
	})
	RetriesPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "maildispatch_retries_pending",
		Help: "Number of items waiting for their backoff to elapse",
	})
	RetriesScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_retries_scheduled_total",
		Help: "Total number of retries scheduled by stage",
	}, []string{"stage"})
	DispatchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_dispatch_results_total",
		Help: "Total number of dispatch results by status",
	}, []string{"status"})
	DuplicatesSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_duplicates_suppressed_total",
		Help: "Total number of redelivered events short-circuited by the idempotency store",
	}, []string{"status"})
	IdempotencyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_idempotency_errors_total",
		Help: "Total number of idempotency store errors by operation",
	}, []string{"operation"})
	ReservationsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "maildispatch_reservations_lost_total",
		Help: "Total number of send attempts skipped because the reservation had lapsed",
	})

	// Transport metrics
	MailSendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_mail_send_attempts_total",
		Help: "Total number of relay send attempts by outcome",
	}, []string{"host", "outcome"})
	MailSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maildispatch_mail_send_duration_seconds",
		Help:    "Duration of relay send attempts including connection acquisition",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})
	MailSendsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maildispatch_mail_sends_in_flight",
		Help: "Number of sends currently talking to the relay",
	}, []string{"host"})
	MailPoolIdleConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maildispatch_mail_pool_idle_connections",
		Help: "Number of idle relay connections held by the pool",
	}, []string{"host"})
	MailAbandonedConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maildispatch_mail_abandoned_connections",
		Help: "Number of timed out relay connections still holding a pool slot",
	}, []string{"host"})
	MailDials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_mail_dials_total",
		Help: "Total number of relay connection attempts by result",
	}, []string{"host", "result"})

	// Dead-letter metrics
	DeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_dead_lettered_total",
		Help: "Total number of events written to the dead-letter sink by classification",
	}, []string{"sink", "classification"})
	DeadLetterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildispatch_dead_letter_errors_total",
		Help: "Total number of dead-letter write failures by error type",
	}, []string{"sink", "error_type"})
	DeadLetterLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maildispatch_dead_letter_write_duration_seconds",
		Help:    "Duration of dead-letter writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(EventsReceived)
	prometheus.MustRegister(EventsMalformed)
	prometheus.MustRegister(EventsAcknowledged)
	prometheus.MustRegister(OffsetCommits)
	prometheus.MustRegister(UncommittedEvents)
	prometheus.MustRegister(DispatchQueueDepth)
	prometheus.MustRegister(RetriesPending)
	prometheus.MustRegister(RetriesScheduled)
	prometheus.MustRegister(DispatchResults)
	prometheus.MustRegister(DuplicatesSuppressed)
	prometheus.MustRegister(IdempotencyErrors)
	prometheus.MustRegister(ReservationsLost)
	prometheus.MustRegister(MailSendAttempts)
	prometheus.MustRegister(MailSendDuration)
	prometheus.MustRegister(MailSendsInFlight)
	prometheus.MustRegister(MailPoolIdleConnections)
	prometheus.MustRegister(MailAbandonedConnections)
	prometheus.MustRegister(MailDials)
	prometheus.MustRegister(DeadLettered)
	prometheus.MustRegister(DeadLetterErrors)
	prometheus.MustRegister(DeadLetterLatency)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
