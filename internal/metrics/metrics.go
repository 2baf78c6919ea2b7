// Package metrics exposes prometheus instrumentation for the sync
// engine. Gossip failures are deliberately surfaced ONLY here: a
// failed propagation never fails the local transaction, so counters
// are the one place the failure becomes visible.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	blocksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "ledger",
			Name:      "blocks_created_total",
			Help:      "Blocks appended to the ledger.",
		},
	)
	blockDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "anchorsync",
			Subsystem: "ledger",
			Name:      "block_creation_seconds",
			Help:      "Block creation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	batchFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "batcher",
			Name:      "flushes_total",
			Help:      "Batch flushes by priority tier.",
		},
		[]string{"tier"},
	)
	batchFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "batcher",
			Name:      "changes_flushed_total",
			Help:      "Pending changes flushed by priority tier.",
		},
		[]string{"tier"},
	)
	pendingBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "anchorsync",
			Subsystem: "batcher",
			Name:      "pending_backlog",
			Help:      "Pending changes awaiting flush.",
		},
	)
	gossipPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "gossip",
			Name:      "publish_failures_total",
			Help:      "Gossip publish attempts that failed (non-fatal).",
		},
	)
	gossipEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "gossip",
			Name:      "envelopes_total",
			Help:      "Gossip envelopes by direction.",
		},
		[]string{"direction"},
	)
	anchorSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "anchor",
			Name:      "unchanged_skips_total",
			Help:      "Anchor attempts skipped because state was unchanged.",
		},
	)
	cpuBudgetOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "anchorsync",
			Subsystem: "governor",
			Name:      "cpu_budget_overruns_total",
			Help:      "CPU accounting windows that exceeded budget.",
		},
	)
)

// Register installs all collectors on the default registry.
// Safe to call from multiple composition paths.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			blocksCreated, blockDuration,
			batchFlushes, batchFlushed, pendingBacklog,
			gossipPublishFailures, gossipEnvelopes,
			anchorSkips, cpuBudgetOverruns,
		)
	})
}

func ObserveBlockCreated(d time.Duration) {
	blocksCreated.Inc()
	blockDuration.Observe(d.Seconds())
}

func ObserveBatchFlush(tier string, changes int) {
	batchFlushes.WithLabelValues(tier).Inc()
	batchFlushed.WithLabelValues(tier).Add(float64(changes))
}

func SetPendingBacklog(n int) {
	pendingBacklog.Set(float64(n))
}

func ObserveGossipPublishFailure() {
	gossipPublishFailures.Inc()
}

func ObserveGossipEnvelope(direction string) {
	gossipEnvelopes.WithLabelValues(direction).Inc()
}

func ObserveAnchorSkip() {
	anchorSkips.Inc()
}

func ObserveCPUBudgetOverrun() {
	cpuBudgetOverruns.Inc()
}
