package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementRuns = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "runs_total",
		Help:      "Settlement runs by agent and outcome.",
	}, []string{"agent", "outcome"})

	settlementLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "End-to-end settlement run duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"agent"})

	decisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "decisions_total",
		Help:      "Strategy decisions by agent and mode.",
	}, []string{"agent", "mode"})

	ledgerCalls = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "call_duration_seconds",
		Help:      "Ledger call latency by operation and result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "result"})

	eventsProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "processed_total",
		Help:      "Ledger events handled by the processor.",
	}, []string{"kind", "result"})
)

// ObserveSettlement 记录一次结算请求的结果与耗时。
func ObserveSettlement(agentID, outcome string, duration time.Duration) {
	settlementRuns.WithLabelValues(agentID, outcome).Inc()
	settlementLatency.WithLabelValues(agentID).Observe(duration.Seconds())
}

// ObserveDecision 记录策略决策的产生方式。
func ObserveDecision(agentID, mode string) {
	decisions.WithLabelValues(agentID, mode).Inc()
}

// ObserveLedgerCall 记录账本调用耗时。
func ObserveLedgerCall(operation string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerCalls.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// ObserveEvent 记录事件处理结果。
func ObserveEvent(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsProcessed.WithLabelValues(kind, result).Inc()
}
