// Package telemetry exposes the service's own Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AlertsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_alerts_received_total",
		Help: "Webhook alerts received, by status.",
	}, []string{"status"})

	AlertsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remedy_alerts_deduplicated_total",
		Help: "Alerts dropped by the fingerprint cooldown.",
	})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_alerts_suppressed_total",
		Help: "Alerts suppressed before remediation, by reason.",
	}, []string{"reason"})

	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_attempts_total",
		Help: "Remediation attempts, by outcome.",
	}, []string{"outcome"})

	EscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remedy_escalations_total",
		Help: "Alerts escalated to a human.",
	})

	TierLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_tier_lookups_total",
		Help: "Learning-engine lookups, by tier.",
	}, []string{"tier"})

	CommandVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_command_verdicts_total",
		Help: "Validator decisions, by verdict.",
	}, []string{"verdict"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remedy_queue_depth",
		Help: "Alerts held in the degraded-mode queue.",
	})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remedy_llm_tokens_total",
		Help: "LLM tokens consumed, by direction.",
	}, []string{"direction"})
)

// Handler returns the metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
