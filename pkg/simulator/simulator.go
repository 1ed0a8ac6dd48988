// Package simulator reimplements the ratio-based algorithm of the
// Kubernetes horizontal pod autoscaler so the experiment can log what the
// native controller would do at every tick, even when it is not in charge.
//
// Reference: desiredReplicas = ceil(currentReplicas * (current / target)),
// taken across CPU and memory with the most demanding metric winning.
package simulator

import (
	"fmt"
	"math"
	"time"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// Tolerance is the dead band around a utilization ratio of 1.0 inside
// which a metric is considered satisfied. Matches the kube-controller
// default of 10%.
const Tolerance = 0.10

// Scale-up decisions apply immediately; only scale-downs are dampened.
const scaleUpWindow = 0 * time.Second

type windowEntry struct {
	at      time.Time
	desired int
}

// Simulator computes deterministic scaling decisions. It owns a bounded
// rolling window of its own past raw decisions to model the scale-down
// stabilization window; that window is its only state.
type Simulator struct {
	cfg *config.Config

	scaleUpHistory   []windowEntry
	scaleDownHistory []windowEntry
}

func New(cfg *config.Config) *Simulator {
	return &Simulator{cfg: cfg}
}

// Compute returns the decision the native autoscaler would make given the
// current snapshot. Output is fully deterministic for the same sequence of
// calls: no clocks are read and no external state is consulted.
func (s *Simulator) Compute(metrics models.AggregatedMetrics, currentReplicas int, now time.Time) models.ScalingDecision {
	if currentReplicas < 1 {
		currentReplicas = 1
	}

	cpuTarget := metrics.CPURequestMillicores * s.cfg.CPUTarget()
	cpuRatio := 1.0
	if cpuTarget > 0 {
		cpuRatio = metrics.AvgCPUMillicores / cpuTarget
	}
	cpuDesired := desiredForRatio(currentReplicas, cpuRatio)

	memTarget := metrics.MemoryRequestMebibytes * s.cfg.MemoryTarget()
	memRatio := 1.0
	if memTarget > 0 {
		memRatio = metrics.AvgMemoryMebibytes / memTarget
	}
	memDesired := desiredForRatio(currentReplicas, memRatio)

	// The most demanding metric wins.
	rawDesired := cpuDesired
	if memDesired > rawDesired {
		rawDesired = memDesired
	}
	rawDesired = s.clamp(rawDesired)

	stabilized := s.stabilize(rawDesired, currentReplicas, now)
	stabilized = s.clamp(stabilized)

	rationale := fmt.Sprintf("cpu_ratio=%.3f mem_ratio=%.3f raw=%d", cpuRatio, memRatio, rawDesired)

	// A partial snapshot may be under-reporting load; never let it shrink
	// the workload.
	if metrics.Partial && stabilized < currentReplicas {
		stabilized = currentReplicas
		rationale += "; scale-down suppressed on partial metrics"
	}

	return models.ScalingDecision{
		Source:          models.SourceSimulatedHPA,
		DesiredReplicas: stabilized,
		RawDesired:      rawDesired,
		CPUDesired:      cpuDesired,
		MemDesired:      memDesired,
		CPURatio:        cpuRatio,
		MemRatio:        memRatio,
		Action:          actionFor(stabilized, currentReplicas),
		Rationale:       rationale,
	}
}

// desiredForRatio applies the HPA formula with the tolerance dead band: a
// ratio within the band means the metric is satisfied and must not move
// the replica count.
func desiredForRatio(currentReplicas int, ratio float64) int {
	if math.Abs(ratio-1.0) <= Tolerance {
		return currentReplicas
	}
	return int(math.Ceil(float64(currentReplicas) * ratio))
}

// stabilize dampens scale-downs to the maximum raw desired value observed
// over the stabilization window; scale-ups take effect immediately. The
// asymmetry mirrors the native controller's bias toward over-provisioning
// during transients.
func (s *Simulator) stabilize(rawDesired, currentReplicas int, now time.Time) int {
	switch {
	case rawDesired > currentReplicas:
		s.scaleUpHistory = append(s.scaleUpHistory, windowEntry{at: now, desired: rawDesired})
		s.scaleUpHistory = prune(s.scaleUpHistory, now, scaleUpWindow)
		return maxDesired(s.scaleUpHistory)
	case rawDesired < currentReplicas:
		s.scaleDownHistory = append(s.scaleDownHistory, windowEntry{at: now, desired: rawDesired})
		s.scaleDownHistory = prune(s.scaleDownHistory, now, s.cfg.StabilizationWindow)
		return maxDesired(s.scaleDownHistory)
	default:
		return currentReplicas
	}
}

func (s *Simulator) clamp(replicas int) int {
	if replicas < s.cfg.MinReplicas {
		return s.cfg.MinReplicas
	}
	if replicas > s.cfg.MaxReplicas {
		return s.cfg.MaxReplicas
	}
	return replicas
}

func prune(history []windowEntry, now time.Time, window time.Duration) []windowEntry {
	cutoff := now.Add(-window)
	kept := history[:0]
	for _, e := range history {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

func maxDesired(history []windowEntry) int {
	max := 0
	for _, e := range history {
		if e.desired > max {
			max = e.desired
		}
	}
	return max
}

func actionFor(desired, current int) models.ScalingAction {
	switch {
	case desired > current:
		return models.ActionScaleUp
	case desired < current:
		return models.ActionScaleDown
	default:
		return models.ActionNoChange
	}
}
