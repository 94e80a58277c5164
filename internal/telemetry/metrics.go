package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shaiso/Jobpilot/internal/domain"
)

var (
	// Transitions — зафиксированные переходы state machine.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpilot_transitions_total",
			Help: "Total number of committed state machine transitions",
		},
		[]string{"from", "to", "event"},
	)

	// StaleTransitions — переходы, проигравшие CAS.
	StaleTransitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobpilot_stale_transitions_total",
			Help: "Total number of transitions rejected as stale",
		},
	)

	// RetryDecisions — решения retry policy.
	RetryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpilot_retry_decisions_total",
			Help: "Total number of retry policy decisions",
		},
		[]string{"class", "action"},
	)

	// LeaseConflicts — попытки захватить занятый lease.
	LeaseConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobpilot_lease_conflicts_total",
			Help: "Total number of lease acquisitions rejected because another worker holds the lease",
		},
	)

	// LoopDuration — длительность одного запуска decision loop.
	LoopDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobpilot_loop_duration_seconds",
			Help:    "Duration of a single decision loop run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"result"},
	)

	// GatewayLatency — длительность вызовов внешних сервисов.
	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobpilot_gateway_call_duration_seconds",
			Help:    "Duration of decision and automation gateway calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway", "op", "class"},
	)

	// Outcomes — завершённые applications по итогу.
	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpilot_application_outcomes_total",
			Help: "Total number of applications that reached COMPLETE, by outcome",
		},
		[]string{"outcome"},
	)

	// ActiveLoops — loops, выполняющиеся прямо сейчас.
	ActiveLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobpilot_active_loops",
			Help: "Number of decision loops currently running",
		},
	)

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpilot_api_http_requests_total",
			Help: "Total HTTP requests handled by jobpilot-api",
		},
		[]string{"method", "status"},
	)
)

// ObserveTransition — statemachine-хук для метрик переходов.
func ObserveTransition(_ context.Context, app *domain.Application, entry domain.HistoryEntry) {
	Transitions.WithLabelValues(entry.From.String(), entry.To.String(), string(entry.Event)).Inc()
	if entry.To.IsTerminal() {
		Outcomes.WithLabelValues(string(app.Outcome)).Inc()
	}
}

// ObserveGatewayCall записывает длительность вызова gateway.
// class — пусто для успешного вызова.
func ObserveGatewayCall(gateway, op string, class domain.FailureClass, started time.Time) {
	label := string(class)
	if label == "" {
		label = "ok"
	}
	GatewayLatency.WithLabelValues(gateway, op, label).Observe(time.Since(started).Seconds())
}
