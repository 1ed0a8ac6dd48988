package models

// ClusterState is the live view of the target workload, re-read from the
// cluster every tick. It is never cached across ticks: a stale replica
// count would corrupt the mode arbitration.
type ClusterState struct {
	CurrentReplicas int `json:"current_replicas"`
	ReadyReplicas   int `json:"ready_replicas"`

	NativeAutoscalerEnabled bool `json:"native_autoscaler_enabled"`
	// Only meaningful while the native autoscaler exists.
	NativeAutoscalerCurrent int `json:"native_autoscaler_current,omitempty"`
	NativeAutoscalerDesired int `json:"native_autoscaler_desired,omitempty"`
}
