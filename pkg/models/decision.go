package models

// DecisionSource identifies which engine produced a ScalingDecision.
type DecisionSource string

const (
	SourceSimulatedHPA DecisionSource = "simulated_hpa"
	SourceLiveHPA      DecisionSource = "live_hpa"
	SourceAI           DecisionSource = "ai"
)

// ScalingAction classifies a decision relative to the current replica count.
type ScalingAction string

const (
	ActionScaleUp   ScalingAction = "scale_up"
	ActionScaleDown ScalingAction = "scale_down"
	ActionNoChange  ScalingAction = "no_change"
)

// ScalingDecision is one engine's desired replica count for a single tick,
// with the intermediate values that make the decision auditable offline.
// DesiredReplicas is always clamped to [MinReplicas, MaxReplicas].
type ScalingDecision struct {
	Source          DecisionSource `json:"source"`
	DesiredReplicas int            `json:"desired_replicas"`

	// Simulator intermediates: the pre-stabilization result and the
	// per-metric desired counts and utilization ratios.
	RawDesired int     `json:"raw_desired,omitempty"`
	CPUDesired int     `json:"cpu_desired,omitempty"`
	MemDesired int     `json:"mem_desired,omitempty"`
	CPURatio   float64 `json:"cpu_ratio,omitempty"`
	MemRatio   float64 `json:"mem_ratio,omitempty"`

	Action    ScalingAction `json:"action"`
	Rationale string        `json:"rationale,omitempty"`

	// Confidence is only meaningful for SourceAI, in [0, 1].
	Confidence float64 `json:"confidence,omitempty"`
}

// Prediction is the structured payload extracted from the inference
// endpoint's response, before it is folded into a ScalingDecision.
type Prediction struct {
	RecommendedReplicas      int     `json:"recommended_replicas"`
	PredictedCPUMillicores   float64 `json:"predicted_cpu_millicores"`
	PredictedMemoryMebibytes float64 `json:"predicted_memory_mebibytes"`
	Confidence               float64 `json:"confidence"`
	Reasoning                string  `json:"reasoning"`
}
