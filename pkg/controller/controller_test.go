package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
	"github.com/scalelab/hpa-bench/pkg/simulator"
)

type fakeSource struct {
	metrics models.AggregatedMetrics
	err     error
	history []models.AggregatedMetrics
}

func (f *fakeSource) Collect(_ context.Context, now time.Time, _ int) (models.AggregatedMetrics, error) {
	if f.err != nil {
		return models.AggregatedMetrics{}, f.err
	}
	m := f.metrics
	m.Timestamp = now
	return m, nil
}

func (f *fakeSource) CollectHistory(context.Context, time.Duration) ([]models.AggregatedMetrics, error) {
	return f.history, nil
}

func (f *fakeSource) Available(context.Context) bool { return f.err == nil }
func (f *fakeSource) Name() string                   { return "fake" }

type fakePredictor struct {
	dec   models.ScalingDecision
	pred  *models.Prediction
	err   error
	calls int
}

func (f *fakePredictor) Predict(context.Context, []models.AggregatedMetrics, int) (models.ScalingDecision, *models.Prediction, error) {
	f.calls++
	if f.err != nil {
		return models.ScalingDecision{}, nil, f.err
	}
	return f.dec, f.pred, nil
}

type fakeScaler struct {
	state    models.ClusterState
	readErr  error
	applyErr error
	applied  []int
	enabled  int
	disabled int
}

func (f *fakeScaler) ReadState(context.Context) (models.ClusterState, error) {
	if f.readErr != nil {
		return models.ClusterState{}, f.readErr
	}
	return f.state, nil
}

func (f *fakeScaler) Apply(_ context.Context, replicas int) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, replicas)
	f.state.CurrentReplicas = replicas
	return nil
}

func (f *fakeScaler) EnableNativeAutoscaler(context.Context) error {
	f.enabled++
	return nil
}

func (f *fakeScaler) DisableNativeAutoscaler(context.Context) error {
	f.disabled++
	return nil
}

type fakeRecorder struct {
	records []models.ExperimentRecord
	closed  int
}

func (f *fakeRecorder) Append(_ context.Context, rec *models.ExperimentRecord) error {
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeRecorder) Close() error {
	f.closed++
	return nil
}

func testConfig(mode config.Mode) *config.Config {
	cfg := config.New()
	cfg.Mode = mode
	cfg.MinReplicas = 1
	cfg.MaxReplicas = 10
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Duration = 25 * time.Millisecond
	cfg.HistoryWindow = 5 * time.Minute
	cfg.StabilizationWindow = time.Minute
	return cfg
}

func steadyMetrics() models.AggregatedMetrics {
	return models.AggregatedMetrics{
		ReplicaCount:           3,
		AvgCPUMillicores:       60,
		AvgMemoryMebibytes:     40,
		CPURequestMillicores:   100,
		MemoryRequestMebibytes: 64,
	}
}

func aiDecision(replicas int) models.ScalingDecision {
	return models.ScalingDecision{
		Source:          models.SourceAI,
		DesiredReplicas: replicas,
		Confidence:      0.8,
		Rationale:       "test",
	}
}

type harness struct {
	ctrl   *Controller
	source *fakeSource
	pred   *fakePredictor
	scaler *fakeScaler
	rec    *fakeRecorder
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{metrics: steadyMetrics()},
		pred:   &fakePredictor{dec: aiDecision(3), pred: &models.Prediction{RecommendedReplicas: 3}},
		scaler: &fakeScaler{state: models.ClusterState{CurrentReplicas: 3, ReadyReplicas: 3}},
		rec:    &fakeRecorder{},
	}
	ctrl, err := New(cfg, h.source, simulator.New(cfg), h.pred, h.scaler, h.rec, "run-1")
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) lastRecord(t *testing.T) models.ExperimentRecord {
	t.Helper()
	require.NotEmpty(t, h.rec.records)
	return h.rec.records[len(h.rec.records)-1]
}

func TestNewRejectsUnknownMode(t *testing.T) {
	cfg := testConfig("chaos")
	_, err := New(cfg, &fakeSource{}, simulator.New(cfg), &fakePredictor{}, &fakeScaler{}, &fakeRecorder{}, "run-1")
	assert.Error(t, err)
}

func TestPredictiveAppliesAIDecision(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.pred.dec = aiDecision(5)

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Equal(t, []int{5}, h.scaler.applied)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByAI, rec.AppliedBy)
	assert.Equal(t, 5, rec.AppliedReplicas)
	require.NotNil(t, rec.Simulator)
	require.NotNil(t, rec.AI)
}

func TestPredictiveNoChangeSkipsWrite(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.pred.dec = aiDecision(3)

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Empty(t, h.scaler.applied)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByAINoChange, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
}

func TestPredictiveHoldsOnPredictionFailure(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.pred.err = &models.PredictionError{Reason: models.PredictionTimeout, Err: errors.New("deadline exceeded")}

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Empty(t, h.scaler.applied)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByHoldCurrent, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
	assert.Contains(t, rec.SkipReason, "prediction failed")
	assert.Nil(t, rec.AI)
	require.NotNil(t, rec.Simulator)
}

func TestPredictivePartialMetricsSuppressScaleDown(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.source.metrics.Partial = true
	h.pred.dec = aiDecision(2)

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Empty(t, h.scaler.applied)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByHoldCurrent, rec.AppliedBy)
	assert.Contains(t, rec.SkipReason, "partial metrics")
}

func TestPredictivePartialMetricsAllowScaleUp(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.source.metrics.Partial = true
	h.pred.dec = aiDecision(6)

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Equal(t, []int{6}, h.scaler.applied)
	assert.Equal(t, models.AppliedByAI, h.lastRecord(t).AppliedBy)
}

func TestPredictiveHoldsOnScalerFailure(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.pred.dec = aiDecision(5)
	h.scaler.applyErr = &models.ScalerError{Op: "apply", Err: errors.New("apiserver down")}

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByHoldCurrent, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
	assert.Contains(t, rec.SkipReason, "scaler error")
}

func TestObserveNativeNeverApplies(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeObserveNative))
	h.pred.dec = aiDecision(8)
	h.scaler.state.NativeAutoscalerEnabled = true
	h.scaler.state.NativeAutoscalerDesired = 4

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // first sleep exits immediately
	require.NoError(t, h.ctrl.Run(ctx))

	assert.Empty(t, h.scaler.applied)
	assert.Equal(t, 1, h.scaler.enabled)
	assert.Zero(t, h.scaler.disabled)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByNativeHPA, rec.AppliedBy)
	// The native autoscaler's resolved count is what got applied.
	assert.Equal(t, 4, rec.AppliedReplicas)
	// Both engines still ran as shadows.
	require.NotNil(t, rec.Simulator)
	require.NotNil(t, rec.AI)
}

func TestObserveNativeFallsBackToSpecReplicas(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeObserveNative))
	// HPA not (yet) observable this tick; the deployment spec is the best
	// available answer for the applied count.
	h.scaler.state.NativeAutoscalerEnabled = false

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByNativeHPA, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
}

func TestComparisonMutatesNothing(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeComparison))
	h.pred.dec = aiDecision(7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.ctrl.Run(ctx))

	assert.Empty(t, h.scaler.applied)
	assert.Equal(t, 1, h.scaler.disabled)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByObservation, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
}

func TestComparisonRecordsShadowPredictionFailure(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeComparison))
	h.pred.err = &models.PredictionError{Reason: models.PredictionUnavailable, Err: errors.New("refused")}

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByObservation, rec.AppliedBy)
	assert.Contains(t, rec.SkipReason, "prediction failed")
}

func TestMetricsGapRecordedAndHeld(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))
	h.source.err = models.ErrMetricsUnavailable

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Empty(t, h.scaler.applied)
	assert.Zero(t, h.pred.calls)
	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByNone, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
	assert.Equal(t, "metrics unavailable", rec.SkipReason)
	assert.Nil(t, rec.Simulator)
	assert.Nil(t, rec.AI)
}

func TestClusterStateFailureHoldsLastKnown(t *testing.T) {
	h := newHarness(t, testConfig(config.ModePredictive))

	// One good tick establishes the last known state.
	require.NoError(t, h.ctrl.step(context.Background(), 1))
	h.scaler.readErr = &models.ScalerError{Op: "read deployment", Err: errors.New("timeout")}
	require.NoError(t, h.ctrl.step(context.Background(), 2))

	rec := h.lastRecord(t)
	assert.Equal(t, models.AppliedByHoldCurrent, rec.AppliedBy)
	assert.Equal(t, 3, rec.AppliedReplicas)
	assert.Equal(t, "cluster state unavailable", rec.SkipReason)
}

func TestRunTicksOnScheduleAndCloses(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeComparison))

	require.NoError(t, h.ctrl.Run(context.Background()))

	// 25ms duration at 10ms interval: ticks at 0, 10 and 20ms.
	assert.Len(t, h.rec.records, 3)
	for i, rec := range h.rec.records {
		assert.Equal(t, i+1, rec.Tick)
		assert.Equal(t, "run-1", rec.RunID)
	}
	assert.Equal(t, 1, h.rec.closed)
}

func TestRunStopsOnCancellation(t *testing.T) {
	cfg := testConfig(config.ModeComparison)
	cfg.TickInterval = time.Hour
	cfg.Duration = 24 * time.Hour
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, h.ctrl.Run(ctx))

	assert.Len(t, h.rec.records, 1)
	assert.Equal(t, 1, h.rec.closed)
}

func TestHistorySeededAndGrows(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeComparison))
	base := time.Now().Add(-time.Minute)
	h.source.history = []models.AggregatedMetrics{
		{Timestamp: base, ReplicaCount: 3, AvgCPUMillicores: 50},
		{Timestamp: base.Add(15 * time.Second), ReplicaCount: 3, AvgCPUMillicores: 55},
	}
	h.ctrl.seedHistory(context.Background())

	require.NoError(t, h.ctrl.step(context.Background(), 1))

	assert.Len(t, h.ctrl.history, 3)
}

func TestHistoryTrimmedToWindow(t *testing.T) {
	cfg := testConfig(config.ModeComparison)
	cfg.HistoryWindow = 30 * time.Second
	h := newHarness(t, cfg)

	now := time.Now()
	h.ctrl.history = []models.AggregatedMetrics{
		{Timestamp: now.Add(-2 * time.Minute)},
		{Timestamp: now.Add(-10 * time.Second)},
	}
	h.ctrl.pushHistory(models.AggregatedMetrics{Timestamp: now}, now)

	assert.Len(t, h.ctrl.history, 2)
}
