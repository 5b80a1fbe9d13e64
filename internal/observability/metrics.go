// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tracker.
type Metrics struct {
	// Attribution metrics
	FeesAttributed       prometheus.Counter
	ClaimsRecorded       prometheus.Counter
	LamportsAttributed   prometheus.Counter
	LamportsUnattributed prometheus.Counter
	OrphanLamports       prometheus.Counter
	AssetsDiscovered     prometheus.Counter

	// Engine metrics
	CycleDuration  prometheus.Histogram
	CycleErrors    prometheus.Counter
	TrackedAssets  prometheus.Gauge
	SeenSignatures prometheus.Gauge
	LedgerEntries  prometheus.Counter

	// Transport metrics
	BreakerState prometheus.Gauge
	Reconnects   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vault_fee_tracker"
	}

	return &Metrics{
		FeesAttributed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fees_attributed_total",
			Help:      "Total number of fee events attributed to assets",
		}),
		ClaimsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "claims_recorded_total",
			Help:      "Total number of claim events recorded",
		}),
		LamportsAttributed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "lamports_attributed_total",
			Help:      "Cumulative lamports attributed to assets",
		}),
		LamportsUnattributed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "lamports_unattributed_total",
			Help:      "Cumulative lamports that could not be attributed or split",
		}),
		OrphanLamports: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "orphan_lamports_total",
			Help:      "Cumulative unexplained balance drift detected during reconciliation",
		}),
		AssetsDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "assets_discovered_total",
			Help:      "Total number of assets registered through dynamic discovery",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one poll cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		CycleErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_errors_total",
			Help:      "Total number of poll cycles that hit an error",
		}),
		TrackedAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "tracked_assets",
			Help:      "Number of assets currently tracked",
		}),
		SeenSignatures: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "seen_signatures",
			Help:      "Number of signatures in the idempotency set",
		}),
		LedgerEntries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_appended_total",
			Help:      "Total number of ledger entries appended",
		}),
		BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subs",
			Name:      "reconnects_total",
			Help:      "Total number of WebSocket reconnect attempts",
		}),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
