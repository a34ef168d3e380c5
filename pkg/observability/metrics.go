package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Authorization metrics
	AuthzDecisionsTotal    *prometheus.CounterVec
	AuthzResolutionSeconds *prometheus.HistogramVec

	// Snapshot cache metrics
	SnapshotHitsTotal   prometheus.Counter
	SnapshotMissesTotal prometheus.Counter

	// Entitlement metrics
	QuotaChecksTotal   *prometheus.CounterVec
	QuotaFailOpenTotal prometheus.Counter

	// Refresher metrics
	SnapshotRefreshTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shiftlane_authz_decisions_total",
				Help: "Authorization decisions by outcome (allowed, denied, error)",
			},
			[]string{"outcome"},
		),
		AuthzResolutionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shiftlane_authz_resolution_seconds",
				Help:    "Permission resolution duration by source (snapshot, membership)",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		SnapshotHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shiftlane_authz_snapshot_hits_total",
				Help: "Permission snapshot cache hits",
			},
		),
		SnapshotMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shiftlane_authz_snapshot_misses_total",
				Help: "Permission snapshot cache misses (membership fallback taken)",
			},
		),
		QuotaChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shiftlane_quota_checks_total",
				Help: "Entitlement checks by outcome (allowed, exceeded, no_plan)",
			},
			[]string{"resource", "outcome"},
		),
		QuotaFailOpenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "shiftlane_quota_fail_open_total",
				Help: "Entitlement checks allowed because the usage lookup errored",
			},
		),
		SnapshotRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shiftlane_authz_snapshot_refresh_total",
				Help: "Snapshot refresh attempts by result (ok, error)",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.AuthzDecisionsTotal,
		m.AuthzResolutionSeconds,
		m.SnapshotHitsTotal,
		m.SnapshotMissesTotal,
		m.QuotaChecksTotal,
		m.QuotaFailOpenTotal,
		m.SnapshotRefreshTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
