package models

import "time"

// MetricSample is one scrape-target reading for a single tick. Samples are
// immutable and discarded once they have been folded into an
// AggregatedMetrics snapshot.
type MetricSample struct {
	InstanceID      string    `json:"instance_id"`
	Timestamp       time.Time `json:"timestamp"`
	CPUMillicores   float64   `json:"cpu_millicores"`
	MemoryMebibytes float64   `json:"memory_mebibytes"`
}

// AggregatedMetrics is the per-tick view of the target workload: per-pod
// averages plus the resource requests both decision engines need to turn a
// utilization target into an absolute per-pod target.
type AggregatedMetrics struct {
	Timestamp          time.Time `json:"timestamp"`
	ReplicaCount       int       `json:"replica_count"`
	AvgCPUMillicores   float64   `json:"avg_cpu_millicores"`
	AvgMemoryMebibytes float64   `json:"avg_memory_mebibytes"`

	// Per-pod resource requests, averaged across instances. Fall back to
	// the deployment defaults when kube-state-metrics is not scraped.
	CPURequestMillicores   float64 `json:"cpu_request_millicores"`
	MemoryRequestMebibytes float64 `json:"memory_request_mebibytes"`

	Samples []MetricSample `json:"per_instance_samples,omitempty"`

	// Partial is set when the backend reported fewer instances than the
	// last known live replica count. Partial snapshots must never drive a
	// scale-down: the missing instances make the aggregate look idle.
	Partial bool `json:"partial"`
}
