// Package telemetry exposes the engine's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter and gauge the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	MonitorCycles    prometheus.Counter
	CycleDuration    prometheus.Histogram
	PlanTransitions  *prometheus.CounterVec
	OrdersPlaced     prometheus.Counter
	OrderFailures    *prometheus.CounterVec
	LoopRestarts     prometheus.Counter
	DefenseDegraded  prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	PendingPlans     prometheus.Gauge
	AnalysisOutcomes *prometheus.CounterVec
}

// NewMetrics registers the engine metric set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MonitorCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "monitor_cycles_total",
			Help:      "Completed monitor loop cycles.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "planrun",
			Name:      "monitor_cycle_seconds",
			Help:      "Wall time per monitor cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		PlanTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "plan_transitions_total",
			Help:      "Plan status transitions by target status.",
		}, []string{"status"}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "orders_placed_total",
			Help:      "Orders acknowledged by the execution gateway.",
		}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "order_failures_total",
			Help:      "Order placement failures by kind (rejected or transport).",
		}, []string{"kind"}),
		LoopRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "loop_restarts_total",
			Help:      "Monitor loop restarts triggered by the watchdog.",
		}),
		DefenseDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "defense_degraded_total",
			Help:      "Defensive-state lookups answered by the degraded default.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "marketdata_cache_hits_total",
			Help:      "Market data cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "marketdata_cache_misses_total",
			Help:      "Market data cache misses.",
		}),
		PendingPlans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "planrun",
			Name:      "pending_plans",
			Help:      "Plans currently in PENDING status.",
		}),
		AnalysisOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planrun",
			Name:      "analysis_outcomes_total",
			Help:      "Analysis race outcomes by winning method.",
		}, []string{"method"}),
	}
}

// Handler serves the metric set in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
