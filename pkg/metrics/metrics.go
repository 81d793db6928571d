// Package metrics exposes the Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted outbound submissions by backend.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxbot_jobs_submitted_total",
		Help: "Outbound fax jobs accepted for dispatch.",
	}, []string{"backend"})

	// JobsCompleted counts terminal transitions by backend and outcome.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxbot_jobs_completed_total",
		Help: "Outbound fax jobs that reached a terminal state.",
	}, []string{"backend", "status"})

	// Callbacks counts webhook deliveries by provider and disposition.
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxbot_callbacks_total",
		Help: "Provider callback deliveries by disposition.",
	}, []string{"provider", "result"})

	// InboundReceived counts inbound ingestions by backend and status.
	InboundReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxbot_inbound_received_total",
		Help: "Inbound faxes ingested.",
	}, []string{"backend", "status"})

	// RateLimited counts requests rejected at the ingress limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxbot_rate_limited_total",
		Help: "Requests rejected by the per-key rate limiter.",
	}, []string{"class"})

	// ArtifactsDeleted counts artifacts removed by the retention sweep.
	ArtifactsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faxbot_retention_artifacts_deleted_total",
		Help: "Artifacts deleted by retention sweeps.",
	})

	// ConversionFailures counts document conversion errors by kind.
	ConversionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faxbot_conversion_failures_total",
		Help: "Document conversion failures.",
	}, []string{"kind"})
)

// Callback dispositions.
const (
	CallbackProcessed = "processed"
	CallbackDuplicate = "duplicate"
	CallbackRejected  = "rejected"
)
