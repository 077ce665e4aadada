// Package metrics provides Prometheus metrics for sync runs.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpsertsTotal tracks single-record upserts by kind and outcome
	UpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "upsert",
			Name:      "records_total",
			Help:      "Total number of upserted records by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// BatchItemsTotal tracks batch-imported records by kind and outcome
	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Total number of batch-imported records by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// CRMCallsTotal tracks CRM REST calls by method and status
	CRMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "crm",
			Name:      "calls_total",
			Help:      "Total number of CRM REST calls by method and status",
		},
		[]string{"method", "status"},
	)

	// MergedGroupsTotal tracks duplicate deal groups collapsed by the merger
	MergedGroupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "dedupe",
			Name:      "merged_groups_total",
			Help:      "Total number of duplicate deal groups merged",
		},
	)

	// DeletedDealsTotal tracks duplicate deals removed by the merger
	DeletedDealsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crmsync",
			Subsystem: "dedupe",
			Name:      "deleted_deals_total",
			Help:      "Total number of duplicate deals deleted",
		},
	)

	// RunDuration tracks sync run duration in seconds
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crmsync",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"run"},
	)
)

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// WriteTextfile dumps the default registry for the node_exporter textfile
// collector. An empty path is a no-op.
func WriteTextfile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
