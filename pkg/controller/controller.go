// Package controller runs the experiment: a single sequential control
// loop that collects metrics, computes every decision source, lets the
// active mode arbitrate, applies the result and records the tick.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scalelab/hpa-bench/pkg/collector"
	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
	"github.com/scalelab/hpa-bench/pkg/recorder"
	"github.com/scalelab/hpa-bench/pkg/scaler"
	"github.com/scalelab/hpa-bench/pkg/simulator"
)

// Predictor is the slice of the inference engine the controller uses.
type Predictor interface {
	Predict(ctx context.Context, history []models.AggregatedMetrics, currentReplicas int) (models.ScalingDecision, *models.Prediction, error)
}

// Controller owns the tick loop. One instance per run; not reusable.
type Controller struct {
	cfg      *config.Config
	source   collector.MetricsSource
	sim      *simulator.Simulator
	pred     Predictor
	scaler   scaler.Scaler
	rec      recorder.Recorder
	strategy strategy
	log      *logrus.Entry

	runID   string
	history []models.AggregatedMetrics
	// lastState carries the most recent successful cluster read so a tick
	// with an unreadable control plane still produces a coherent record.
	lastState models.ClusterState

	now func() time.Time
}

func New(cfg *config.Config, source collector.MetricsSource, sim *simulator.Simulator, pred Predictor, scl scaler.Scaler, rec recorder.Recorder, runID string) (*Controller, error) {
	strat, err := newStrategy(string(cfg.Mode), scl)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		source:   source,
		sim:      sim,
		pred:     pred,
		scaler:   scl,
		rec:      rec,
		strategy: strat,
		log:      logrus.WithField("component", "controller"),
		runID:    runID,
		now:      time.Now,
	}, nil
}

// Run executes the experiment until the configured duration elapses or ctx
// is cancelled. Cancellation is honored at tick boundaries only: a tick in
// flight completes, so a scaling decision is never half applied. The
// recorder is flushed and closed on every exit path. If the mode disabled
// the native autoscaler it stays disabled; restoring it is an operator
// action, not an exit hook.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.strategy.prepare(ctx); err != nil {
		return err
	}
	c.seedHistory(ctx)

	start := c.now()
	// Duration 0 means run until interrupted.
	deadline := time.Time{}
	if c.cfg.Duration > 0 {
		deadline = start.Add(c.cfg.Duration)
	}
	c.log.WithFields(logrus.Fields{
		"run_id":   c.runID,
		"mode":     c.cfg.Mode,
		"interval": c.cfg.TickInterval,
		"duration": c.cfg.Duration,
	}).Info("experiment started")

	var runErr error
	for tick := 1; ; tick++ {
		if err := c.step(ctx, tick); err != nil {
			runErr = err
			break
		}
		// Sleep to the absolute schedule so slow ticks do not drift it.
		next := start.Add(time.Duration(tick) * c.cfg.TickInterval)
		if !deadline.IsZero() && !next.Before(deadline) {
			c.log.Info("experiment duration elapsed")
			break
		}
		if !c.sleepUntil(ctx, next) {
			c.log.Info("experiment cancelled")
			break
		}
	}

	if err := c.rec.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// step runs one full tick and appends exactly one record. Only a recorder
// failure is returned; every other failure degrades into the record.
func (c *Controller) step(ctx context.Context, tick int) error {
	now := c.now()
	rec := &models.ExperimentRecord{
		RunID:     c.runID,
		Tick:      tick,
		Timestamp: now,
		Mode:      string(c.cfg.Mode),
	}

	state, err := c.scaler.ReadState(ctx)
	if err != nil {
		c.log.WithError(err).Error("cluster state unreadable; holding")
		rec.Cluster = c.lastState
		rec.AppliedReplicas = c.lastState.CurrentReplicas
		rec.AppliedBy = models.AppliedByHoldCurrent
		rec.SkipReason = "cluster state unavailable"
		return c.rec.Append(ctx, rec)
	}
	c.lastState = state
	rec.Cluster = state

	metrics, err := c.source.Collect(ctx, now, state.CurrentReplicas)
	if err != nil {
		// No signal this tick is not zero utilization: no decision is
		// computed and the replica count is left alone.
		if errors.Is(err, models.ErrMetricsUnavailable) {
			c.log.Warn("metrics unavailable; recording gap")
			rec.SkipReason = "metrics unavailable"
		} else {
			c.log.WithError(err).Error("metrics collection failed")
			rec.SkipReason = "metrics collection failed: " + err.Error()
		}
		rec.AppliedReplicas = state.CurrentReplicas
		rec.AppliedBy = models.AppliedByNone
		return c.rec.Append(ctx, rec)
	}
	rec.Metrics = metrics
	c.pushHistory(metrics, now)

	sim := c.sim.Compute(metrics, state.CurrentReplicas, now)
	rec.Simulator = &sim

	td := tickData{state: state, metrics: metrics}
	aiDec, pred, predErr := c.pred.Predict(ctx, c.history, state.CurrentReplicas)
	if predErr != nil {
		c.log.WithError(predErr).Warn("prediction failed")
		td.predErr = predErr
	} else {
		rec.AI = &aiDec
		rec.Prediction = pred
		td.ai = &aiDec
	}

	out := c.strategy.decide(td)
	if out.write {
		if err := c.scaler.Apply(ctx, out.replicas); err != nil {
			c.log.WithError(err).Error("scaling failed; holding current count")
			out = outcome{
				replicas:   state.CurrentReplicas,
				appliedBy:  models.AppliedByHoldCurrent,
				skipReason: "scaler error: " + err.Error(),
			}
		}
	}
	rec.AppliedReplicas = out.replicas
	rec.AppliedBy = out.appliedBy
	rec.SkipReason = out.skipReason

	c.log.WithFields(logrus.Fields{
		"tick":       tick,
		"replicas":   state.CurrentReplicas,
		"sim":        sim.DesiredReplicas,
		"applied":    rec.AppliedReplicas,
		"applied_by": rec.AppliedBy,
	}).Info("tick complete")

	return c.rec.Append(ctx, rec)
}

// seedHistory primes the prediction window from the metrics backend so the
// first ticks are not blind. Failure is tolerable: history accrues as the
// run proceeds.
func (c *Controller) seedHistory(ctx context.Context) {
	hist, err := c.source.CollectHistory(ctx, c.cfg.HistoryWindow)
	if err != nil {
		c.log.WithError(err).Warn("could not seed metrics history")
		return
	}
	c.history = hist
	c.log.WithField("rows", len(hist)).Debug("seeded metrics history")
}

func (c *Controller) pushHistory(m models.AggregatedMetrics, now time.Time) {
	c.history = append(c.history, m)
	cutoff := now.Add(-c.cfg.HistoryWindow)
	i := 0
	for i < len(c.history) && c.history[i].Timestamp.Before(cutoff) {
		i++
	}
	c.history = c.history[i:]
}

func (c *Controller) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(c.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
