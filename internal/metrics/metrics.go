// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicom_ingestor"

// Ingestion outcomes
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	// Ingestions counts single-object ingestions by source and outcome.
	Ingestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingestions_total",
		Help:      "Objects processed by the ingestion pipeline.",
	}, []string{"source", "outcome"})

	IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Time spent ingesting a single object.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	ObjectBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "object_size_bytes",
		Help:      "Size of ingested objects.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	BatchEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_entries_total",
		Help:      "Archive members by result.",
	}, []string{"outcome"})

	Associations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "associations_total",
		Help:      "DIMSE associations by how they ended.",
	}, []string{"outcome"})

	ActiveAssociations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "associations_active",
		Help:      "Currently open DIMSE associations.",
	})

	DIMSERequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dimse_requests_total",
		Help:      "DIMSE requests by command and response status.",
	}, []string{"command", "status"})
)
