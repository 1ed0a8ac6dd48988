// Package collector queries the metrics backend for current and historical
// per-instance resource usage of the target workload.
package collector

import (
	"context"
	"time"

	"github.com/scalelab/hpa-bench/pkg/models"
)

// Fallback per-pod requests used when kube-state-metrics is not scraped.
// They match the experiment workload's deployment defaults.
const (
	FallbackCPURequestMillicores   = 100.0
	FallbackMemoryRequestMebibytes = 64.0
)

// MetricsSource produces tick snapshots and bounded history for the target
// workload.
//
// Collect returns models.ErrMetricsUnavailable when the backend is
// unreachable or reports zero instances; callers must treat that as "no
// signal this tick", never as zero utilization. liveReplicas is the last
// known live replica count: a snapshot covering fewer instances is marked
// Partial and must not drive a scale-down.
type MetricsSource interface {
	Collect(ctx context.Context, now time.Time, liveReplicas int) (models.AggregatedMetrics, error)
	// CollectHistory returns snapshots ordered oldest first, bounded by
	// window.
	CollectHistory(ctx context.Context, window time.Duration) ([]models.AggregatedMetrics, error)
	Available(ctx context.Context) bool
	Name() string
}
