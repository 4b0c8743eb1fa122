// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chronovista_core"

var (
	// WarmItemsTotal tracks per-item warm pipeline outcomes.
	// Labels:
	//   - kind: channel, video
	//   - status: downloaded, dry_run, skipped, no_url, failed:<kind>
	//     (e.g. failed:not_found, failed:throttled)
	WarmItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_items_total",
			Help:      "Total number of warm pipeline item outcomes",
		},
		[]string{"kind", "status"},
	)

	// RateGovernorBackoffTotal counts backoff events raised by the rate
	// governor, per collaborator (warm pipeline, enrichment coordinator).
	RateGovernorBackoffTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_governor_backoff_total",
			Help:      "Total number of rate governor backoff events",
		},
		[]string{"source"},
	)

	// CacheOperationsTotal tracks Cache Store operations.
	// Labels:
	//   - operation: lookup, store, mark_missing, delete
	//   - status: present, missing, absent, success, error
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache store operations",
		},
		[]string{"operation", "status"},
	)

	// MirrorUploadsTotal tracks best-effort object-storage mirror uploads.
	MirrorUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_uploads_total",
			Help:      "Total number of object storage mirror upload attempts",
		},
		[]string{"status"},
	)

	// EnrichmentBatchesTotal tracks enrichment batch commit outcomes.
	EnrichmentBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_batches_total",
			Help:      "Total number of enrichment batch commits",
		},
		[]string{"status"},
	)

	// AdvisoryLockAcquisitionsTotal tracks enrichment advisory lock
	// acquisition attempts.
	AdvisoryLockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisory_lock_acquisitions_total",
			Help:      "Total number of advisory lock acquisition attempts",
		},
		[]string{"status"},
	)

	// SingleflightRequestsTotal tracks singleflight behavior in the
	// read-through Storage decorator.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)
)

// Cache operation status constants.
const (
	StatusPresent = "present"
	StatusMissing = "missing"
	StatusAbsent  = "absent"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpLookup      = "lookup"
	CacheOpStore       = "store"
	CacheOpMarkMissing = "mark_missing"
	CacheOpDelete      = "delete"
)

// Rate governor backoff source constants.
const (
	SourceWarm       = "warm"
	SourceEnrichment = "enrichment"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)
