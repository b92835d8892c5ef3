package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concierge_sessions_active",
		Help: "The current number of live sessions in the registry.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_sessions_created_total",
		Help: "The total number of sessions created.",
	})
	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_sessions_closed_total",
		Help: "The total number of sessions closed, by reason.",
	}, []string{"reason"})
	MessageEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_message_events_total",
		Help: "The total number of message events published to sessions, by role.",
	}, []string{"role"})

	// Pairing metrics
	InteractionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_interactions_created_total",
		Help: "The total number of pending interactions created from user turns.",
	})
	InteractionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_interactions_completed_total",
		Help: "The total number of interactions paired with an assistant reply.",
	})
	PairingAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_pairing_anomalies_total",
		Help: "The total number of assistant events discarded without a pending user turn.",
	})

	// Storage metrics
	StorageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_storage_retries_total",
		Help: "The total number of retried storage operations.",
	}, []string{"op"})

	// Token metrics
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concierge_tokens_issued_total",
		Help: "The total number of admission tokens issued.",
	})
	TokenRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concierge_token_rejections_total",
		Help: "The total number of rejected admission attempts.",
	}, []string{"reason"})
)
