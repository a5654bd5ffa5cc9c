package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the operational counters exported on /metrics. Labels stay low
// cardinality: platform and outcome only, never org or integration ids.
type Metrics struct {
	SyncRuns      *prometheus.CounterVec
	SyncItems     *prometheus.CounterVec
	SyncSkipped   *prometheus.CounterVec
	SyncDeferred  *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec
	TokenRefresh  *prometheus.CounterVec
	QueueWorkers  prometheus.Gauge
}

// New registers the metric set on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmis_sync_runs_total",
			Help: "Sync job executions by platform, kind and outcome.",
		}, []string{"platform", "kind", "status"}),
		SyncItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmis_sync_items_total",
			Help: "Canonical records upserted by pulled sync.",
		}, []string{"platform", "kind"}),
		SyncSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmis_sync_items_skipped_total",
			Help: "Malformed remote items skipped during mapping.",
		}, []string{"platform", "kind"}),
		SyncDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmis_sync_deferred_total",
			Help: "Jobs requeued with delay by reason (rate_limit, lock, retry).",
		}, []string{"platform", "reason"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmis_webhook_events_total",
			Help: "Inbound webhook deliveries by platform and result.",
		}, []string{"platform", "result"}),
		TokenRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmis_token_refresh_total",
			Help: "Credential refresh attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
		QueueWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmis_sync_workers",
			Help: "Number of running sync workers.",
		}),
	}
}
