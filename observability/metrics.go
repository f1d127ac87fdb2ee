package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	pipelineMetricsOnce sync.Once
	pipelineRegistry    *PipelineMetrics

	executorMetricsOnce sync.Once
	executorRegistry    *ExecutorMetrics

	outboxMetricsOnce sync.Once
	outboxRegistry    *OutboxMetrics

	pressureMetricsOnce sync.Once
	pressureRegistry    *PressureMetrics

	rollupMetricsOnce sync.Once
	rollupRegistry    *RollupMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lottery",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// PipelineMetrics captures per-draw decision activity.
type PipelineMetrics struct {
	decisions   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	corrections *prometheus.CounterVec
	replays     prometheus.Counter
}

// Pipeline returns the singleton metrics registry for the decision pipeline.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "pipeline",
				Name:      "decisions_total",
				Help:      "Committed draw decisions segmented by campaign, tier, and pipeline type.",
			}, []string{"campaign", "tier", "pipeline"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "pipeline",
				Name:      "failures_total",
				Help:      "Draw requests that terminated with an error, segmented by campaign and code.",
			}, []string{"campaign", "code"}),
			stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lottery",
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Latency distribution per pipeline stage.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"stage"}),
			corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "pipeline",
				Name:      "corrections_triggered_total",
				Help:      "Correction module activations segmented by module name.",
			}, []string{"module"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "pipeline",
				Name:      "idempotent_replays_total",
				Help:      "Requests answered from a committed idempotency record.",
			}),
		}
		prometheus.MustRegister(
			pipelineRegistry.decisions,
			pipelineRegistry.failures,
			pipelineRegistry.stages,
			pipelineRegistry.corrections,
			pipelineRegistry.replays,
		)
	})
	return pipelineRegistry
}

// RecordDecision counts one committed decision.
func (m *PipelineMetrics) RecordDecision(campaign, tier, pipeline string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(labelOr(campaign, "unknown"), labelOr(tier, "unknown"), labelOr(pipeline, "normal")).Inc()
}

// RecordFailure counts one terminal pipeline error.
func (m *PipelineMetrics) RecordFailure(campaign, code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelOr(campaign, "unknown"), labelOr(code, "INTERNAL")).Inc()
}

// ObserveStage records the latency of one pipeline stage.
func (m *PipelineMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(labelOr(stage, "unknown")).Observe(d.Seconds())
}

// RecordCorrection counts one triggered correction module.
func (m *PipelineMetrics) RecordCorrection(module string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(labelOr(module, "unknown")).Inc()
}

// RecordReplay counts one idempotent replay.
func (m *PipelineMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// ExecutorMetrics wraps collectors tracking serialized draw execution health.
type ExecutorMetrics struct {
	lockWait        prometheus.Histogram
	demotions       *prometheus.CounterVec
	exhaustions     *prometheus.CounterVec
	budgetRemaining *prometheus.GaugeVec
	assetErrors     *prometheus.CounterVec
}

// Executor exposes the metrics registry for the draw executor.
func Executor() *ExecutorMetrics {
	executorMetricsOnce.Do(func() {
		executorRegistry = &ExecutorMetrics{
			lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "lottery",
				Subsystem: "executor",
				Name:      "lock_wait_seconds",
				Help:      "Time spent acquiring the per-user draw lock.",
				Buckets:   prometheus.DefBuckets,
			}),
			demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "executor",
				Name:      "tier_demotions_total",
				Help:      "In-transaction tier demotions segmented by reason.",
			}, []string{"reason"}),
			exhaustions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "executor",
				Name:      "fallback_exhaustions_total",
				Help:      "Draws committed as explicit empties after stock exhaustion.",
			}, []string{"campaign"}),
			budgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lottery",
				Subsystem: "executor",
				Name:      "budget_remaining",
				Help:      "Remaining campaign budget pool in value points.",
			}, []string{"campaign"}),
			assetErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "executor",
				Name:      "asset_errors_total",
				Help:      "Asset service call failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			executorRegistry.lockWait,
			executorRegistry.demotions,
			executorRegistry.exhaustions,
			executorRegistry.budgetRemaining,
			executorRegistry.assetErrors,
		)
	})
	return executorRegistry
}

// ObserveLockWait records how long lock acquisition took.
func (m *ExecutorMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordDemotion counts one in-transaction tier demotion.
func (m *ExecutorMetrics) RecordDemotion(reason string) {
	if m == nil {
		return
	}
	m.demotions.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// RecordExhaustion counts one fallback-exhaustion empty.
func (m *ExecutorMetrics) RecordExhaustion(campaign string) {
	if m == nil {
		return
	}
	m.exhaustions.WithLabelValues(labelOr(campaign, "unknown")).Inc()
}

// RecordBudget updates the remaining budget gauge for a campaign.
func (m *ExecutorMetrics) RecordBudget(campaign string, remaining int64) {
	if m == nil {
		return
	}
	m.budgetRemaining.WithLabelValues(labelOr(campaign, "unknown")).Set(float64(remaining))
}

// RecordAssetError increments the asset failure counter.
func (m *ExecutorMetrics) RecordAssetError(operation, reason string) {
	if m == nil {
		return
	}
	m.assetErrors.WithLabelValues(labelOr(operation, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// OutboxMetrics tracks deferred prize issuance delivery.
type OutboxMetrics struct {
	depth     prometheus.Gauge
	delivered prometheus.Counter
	retries   prometheus.Counter
	abandoned prometheus.Counter
}

// Outbox exposes the metrics registry for the issuance outbox worker.
func Outbox() *OutboxMetrics {
	outboxMetricsOnce.Do(func() {
		outboxRegistry = &OutboxMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lottery",
				Subsystem: "outbox",
				Name:      "pending_depth",
				Help:      "Number of outbox entries awaiting delivery.",
			}),
			delivered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "outbox",
				Name:      "delivered_total",
				Help:      "Outbox entries delivered to the asset service.",
			}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "outbox",
				Name:      "retries_total",
				Help:      "Delivery attempts that failed and were rescheduled.",
			}),
			abandoned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "outbox",
				Name:      "abandoned_total",
				Help:      "Outbox entries abandoned after exhausting retries.",
			}),
		}
		prometheus.MustRegister(
			outboxRegistry.depth,
			outboxRegistry.delivered,
			outboxRegistry.retries,
			outboxRegistry.abandoned,
		)
	})
	return outboxRegistry
}

// SetDepth records the current pending queue length.
func (m *OutboxMetrics) SetDepth(n int64) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

// RecordDelivered counts one successful reissue.
func (m *OutboxMetrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// RecordRetry counts one failed attempt that was rescheduled.
func (m *OutboxMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// RecordAbandoned counts one entry given up on.
func (m *OutboxMetrics) RecordAbandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

// PressureMetrics tracks the budget/pressure controller classification.
type PressureMetrics struct {
	budgetTier   *prometheus.GaugeVec
	pressureTier *prometheus.GaugeVec
	refreshes    *prometheus.CounterVec
}

// Pressure exposes the metrics registry for the pressure controller.
func Pressure() *PressureMetrics {
	pressureMetricsOnce.Do(func() {
		pressureRegistry = &PressureMetrics{
			budgetTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lottery",
				Subsystem: "pressure",
				Name:      "budget_tier",
				Help:      "Current budget tier per campaign (0=B0 .. 3=B3).",
			}, []string{"campaign"}),
			pressureTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lottery",
				Subsystem: "pressure",
				Name:      "pressure_tier",
				Help:      "Current pressure tier per campaign (0=P0 .. 2=P2).",
			}, []string{"campaign"}),
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "pressure",
				Name:      "snapshot_refreshes_total",
				Help:      "Pressure snapshot refreshes segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			pressureRegistry.budgetTier,
			pressureRegistry.pressureTier,
			pressureRegistry.refreshes,
		)
	})
	return pressureRegistry
}

// RecordTiers updates the classification gauges for a campaign.
func (m *PressureMetrics) RecordTiers(campaign string, budget, pressure int) {
	if m == nil {
		return
	}
	label := labelOr(campaign, "unknown")
	m.budgetTier.WithLabelValues(label).Set(float64(budget))
	m.pressureTier.WithLabelValues(label).Set(float64(pressure))
}

// RecordRefresh counts one snapshot refresh.
func (m *PressureMetrics) RecordRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

// RollupMetrics tracks the hourly aggregation job.
type RollupMetrics struct {
	persisted prometheus.Counter
	exports   prometheus.Counter
	pruned    prometheus.Counter
	failures  *prometheus.CounterVec
}

// Rollup exposes the metrics registry for the metrics rollup job.
func Rollup() *RollupMetrics {
	rollupMetricsOnce.Do(func() {
		rollupRegistry = &RollupMetrics{
			persisted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "rollup",
				Name:      "buckets_persisted_total",
				Help:      "Hour buckets flushed from the hot store to durable storage.",
			}),
			exports: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "rollup",
				Name:      "parquet_exports_total",
				Help:      "Parquet files written by the long-term export step.",
			}),
			pruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "rollup",
				Name:      "hot_entries_pruned_total",
				Help:      "Expired hot-store entries removed by the retention sweep.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lottery",
				Subsystem: "rollup",
				Name:      "failures_total",
				Help:      "Rollup job failures segmented by step.",
			}, []string{"step"}),
		}
		prometheus.MustRegister(
			rollupRegistry.persisted,
			rollupRegistry.exports,
			rollupRegistry.pruned,
			rollupRegistry.failures,
		)
	})
	return rollupRegistry
}

// RecordPersisted counts flushed hour buckets.
func (m *RollupMetrics) RecordPersisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.persisted.Add(float64(n))
}

// RecordExport counts one parquet file written.
func (m *RollupMetrics) RecordExport() {
	if m == nil {
		return
	}
	m.exports.Inc()
}

// RecordPruned counts removed hot-store entries.
func (m *RollupMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

// RecordFailure counts one failed rollup step.
func (m *RollupMetrics) RecordFailure(step string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(labelOr(step, "unknown")).Inc()
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
