package models

import "time"

// AppliedBy names the authority that determined the replica count a tick
// ended with, including the degraded outcomes. Every tick gets exactly one.
type AppliedBy string

const (
	AppliedByAI          AppliedBy = "ai"
	AppliedByAINoChange  AppliedBy = "ai_no_change"
	AppliedByNativeHPA   AppliedBy = "hpa"
	AppliedByObservation AppliedBy = "observation_only"
	// AppliedByHoldCurrent marks a tick where the authoritative decision
	// was discarded (prediction failure, partial metrics, scaler error)
	// and the prior replica count was deliberately left in place.
	AppliedByHoldCurrent AppliedBy = "hold_current"
	AppliedByNone        AppliedBy = "none"
)

// ExperimentRecord is the tick-level union of the metrics snapshot, every
// decision computed that tick, and what was actually applied. It is the
// only entity persisted beyond process lifetime; records are append-only
// and never mutated after write.
type ExperimentRecord struct {
	RunID     string    `json:"run_id"`
	Tick      int       `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	Mode      string    `json:"mode"`

	Cluster ClusterState      `json:"cluster"`
	Metrics AggregatedMetrics `json:"metrics"`

	// Simulator decision is computed unconditionally for comparison data.
	Simulator *ScalingDecision `json:"simulator,omitempty"`
	// AI decision, when the mode computes one and the call succeeded.
	AI *ScalingDecision `json:"ai,omitempty"`
	// Raw prediction payload, kept for offline scoring of the model's
	// absolute CPU/memory forecasts.
	Prediction *Prediction `json:"prediction,omitempty"`

	AppliedReplicas int       `json:"applied_replicas"`
	AppliedBy       AppliedBy `json:"applied_by"`

	// SkipReason documents why a decision was discarded or an application
	// skipped, so no degraded tick is silently absent from the audit trail.
	SkipReason string `json:"skip_reason,omitempty"`
}
