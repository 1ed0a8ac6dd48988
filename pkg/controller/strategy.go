package controller

import (
	"context"
	"fmt"

	"github.com/scalelab/hpa-bench/pkg/models"
	"github.com/scalelab/hpa-bench/pkg/scaler"
)

// tickData is everything a mode needs to pick the tick's authority.
type tickData struct {
	state   models.ClusterState
	metrics models.AggregatedMetrics
	ai      *models.ScalingDecision
	predErr error
}

// outcome is the arbitration result: the replica count the tick ends with,
// who decided it, and whether the controller writes it to the cluster.
type outcome struct {
	write      bool
	replicas   int
	appliedBy  models.AppliedBy
	skipReason string
}

// strategy fixes the replica-count authority for the whole run. Selecting
// it once at startup keeps the tick loop free of mode conditionals.
type strategy interface {
	prepare(ctx context.Context) error
	decide(t tickData) outcome
}

func newStrategy(mode string, s scaler.Scaler) (strategy, error) {
	switch mode {
	case "observe_native":
		return &observeNativeMode{scaler: s}, nil
	case "predictive":
		return &predictiveMode{scaler: s}, nil
	case "comparison":
		return &comparisonMode{scaler: s}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// observeNativeMode lets the native autoscaler own the replica count; both
// decision engines run as shadows for the record.
type observeNativeMode struct {
	scaler scaler.Scaler
}

func (m *observeNativeMode) prepare(ctx context.Context) error {
	return m.scaler.EnableNativeAutoscaler(ctx)
}

func (m *observeNativeMode) decide(t tickData) outcome {
	// The native autoscaler is the writer, so the applied count is what it
	// resolved to, not the possibly lagging deployment spec.
	applied := t.state.CurrentReplicas
	if t.state.NativeAutoscalerEnabled {
		applied = t.state.NativeAutoscalerDesired
	}
	return outcome{
		replicas:   applied,
		appliedBy:  models.AppliedByNativeHPA,
		skipReason: shadowSkip(t.predErr),
	}
}

// predictiveMode gives the AI engine write authority. The native
// autoscaler is removed before the first tick so there is exactly one
// writer for the whole run.
type predictiveMode struct {
	scaler scaler.Scaler
}

func (m *predictiveMode) prepare(ctx context.Context) error {
	return m.scaler.DisableNativeAutoscaler(ctx)
}

func (m *predictiveMode) decide(t tickData) outcome {
	current := t.state.CurrentReplicas

	if t.predErr != nil {
		// Holding the current count is safer than guessing.
		return outcome{
			replicas:   current,
			appliedBy:  models.AppliedByHoldCurrent,
			skipReason: fmt.Sprintf("prediction failed: %v", t.predErr),
		}
	}

	desired := t.ai.DesiredReplicas
	if desired == current {
		return outcome{replicas: current, appliedBy: models.AppliedByAINoChange}
	}
	if t.metrics.Partial && desired < current {
		// A partial view undercounts load; never shed capacity on it.
		return outcome{
			replicas:   current,
			appliedBy:  models.AppliedByHoldCurrent,
			skipReason: "partial metrics; scale-down suppressed",
		}
	}

	return outcome{write: true, replicas: desired, appliedBy: models.AppliedByAI}
}

// comparisonMode runs both engines purely as shadows; nothing writes.
type comparisonMode struct {
	scaler scaler.Scaler
}

func (m *comparisonMode) prepare(ctx context.Context) error {
	return m.scaler.DisableNativeAutoscaler(ctx)
}

func (m *comparisonMode) decide(t tickData) outcome {
	return outcome{
		replicas:   t.state.CurrentReplicas,
		appliedBy:  models.AppliedByObservation,
		skipReason: shadowSkip(t.predErr),
	}
}

// shadowSkip records a shadow predictor failure without changing who the
// authority is.
func shadowSkip(predErr error) string {
	if predErr == nil {
		return ""
	}
	return fmt.Sprintf("prediction failed: %v", predErr)
}
