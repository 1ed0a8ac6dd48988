package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// PrometheusSource collects workload metrics through the Prometheus HTTP
// API: instant vector queries for the per-tick snapshot and range queries
// for the history window fed to the predictive engine.
type PrometheusSource struct {
	api v1.API
	cfg *config.Config
	log *logrus.Entry
}

func NewPrometheusSource(cfg *config.Config) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: cfg.PrometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &PrometheusSource{
		api: v1.NewAPI(client),
		cfg: cfg,
		log: logrus.WithField("component", "collector"),
	}, nil
}

// NewPrometheusSourceWithAPI wires an existing API, used by tests.
func NewPrometheusSourceWithAPI(promAPI v1.API, cfg *config.Config) *PrometheusSource {
	return &PrometheusSource{
		api: promAPI,
		cfg: cfg,
		log: logrus.WithField("component", "collector"),
	}
}

// Query strings. The cAdvisor metrics here carry no container label, the
// request metrics come from kube-state-metrics and may be absent entirely.
func (p *PrometheusSource) cpuQuery() string {
	return fmt.Sprintf(`avg(rate(container_cpu_usage_seconds_total{namespace=%q,pod=~%q}[1m])) * 1000`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

func (p *PrometheusSource) memoryQuery() string {
	return fmt.Sprintf(`avg(container_memory_usage_bytes{namespace=%q,pod=~%q}) / (1024 * 1024)`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

func (p *PrometheusSource) cpuRequestQuery() string {
	return fmt.Sprintf(`avg(kube_pod_container_resource_requests{resource="cpu",namespace=%q,pod=~%q}) * 1000`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

func (p *PrometheusSource) memoryRequestQuery() string {
	return fmt.Sprintf(`avg(kube_pod_container_resource_requests{resource="memory",namespace=%q,pod=~%q}) / (1024 * 1024)`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

func (p *PrometheusSource) podCountQuery() string {
	return fmt.Sprintf(`sum(kube_pod_status_phase{phase="Running",namespace=%q,pod=~%q}) or vector(0)`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

func (p *PrometheusSource) perPodCPUQuery() string {
	return fmt.Sprintf(`rate(container_cpu_usage_seconds_total{namespace=%q,pod=~%q}[1m]) * 1000`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

func (p *PrometheusSource) perPodMemoryQuery() string {
	return fmt.Sprintf(`container_memory_usage_bytes{namespace=%q,pod=~%q} / (1024 * 1024)`,
		p.cfg.Namespace, p.cfg.PodSelector)
}

// Collect builds the tick snapshot from instant queries at now.
func (p *PrometheusSource) Collect(ctx context.Context, now time.Time, liveReplicas int) (models.AggregatedMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	cpu, err := p.queryScalar(ctx, p.cpuQuery(), now)
	if err != nil {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: cpu query: %v", models.ErrMetricsUnavailable, err)
	}
	mem, err := p.queryScalar(ctx, p.memoryQuery(), now)
	if err != nil {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: memory query: %v", models.ErrMetricsUnavailable, err)
	}

	cpuReq, err := p.queryScalar(ctx, p.cpuRequestQuery(), now)
	if err != nil || cpuReq <= 0 {
		cpuReq = FallbackCPURequestMillicores
	}
	memReq, err := p.queryScalar(ctx, p.memoryRequestQuery(), now)
	if err != nil || memReq <= 0 {
		memReq = FallbackMemoryRequestMebibytes
	}

	podCount, err := p.queryScalar(ctx, p.podCountQuery(), now)
	if err != nil {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: pod count query: %v", models.ErrMetricsUnavailable, err)
	}
	if int(podCount) == 0 {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: backend reports zero running instances", models.ErrMetricsUnavailable)
	}

	samples, err := p.collectSamples(ctx, now)
	if err != nil {
		// The aggregate snapshot is still usable without the per-pod
		// breakdown; keep going, but the view is incomplete.
		p.log.WithError(err).Warn("per-instance sample collection failed")
		samples = nil
	}

	snapshot := models.AggregatedMetrics{
		Timestamp:              now,
		ReplicaCount:           int(podCount),
		AvgCPUMillicores:       cpu,
		AvgMemoryMebibytes:     mem,
		CPURequestMillicores:   cpuReq,
		MemoryRequestMebibytes: memReq,
		Samples:                samples,
		// A snapshot missing instances, or missing the per-instance
		// breakdown entirely, must be treated conservatively downstream.
		Partial: int(podCount) < liveReplicas || len(samples) < int(podCount),
	}
	if snapshot.Partial {
		p.log.WithFields(logrus.Fields{
			"observed": int(podCount),
			"live":     liveReplicas,
		}).Warn("partial metrics view; snapshot tagged conservative")
	}
	return snapshot, nil
}

// CollectHistory merges range queries into ordered snapshots, oldest first.
func (p *PrometheusSource) CollectHistory(ctx context.Context, window time.Duration) ([]models.AggregatedMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	end := time.Now()
	r := v1.Range{Start: end.Add(-window), End: end, Step: p.cfg.QueryStep}

	cpuSeries, err := p.queryRange(ctx, p.cpuQuery(), r)
	if err != nil {
		return nil, fmt.Errorf("%w: cpu range query: %v", models.ErrMetricsUnavailable, err)
	}
	memSeries, err := p.queryRange(ctx, p.memoryQuery(), r)
	if err != nil {
		return nil, fmt.Errorf("%w: memory range query: %v", models.ErrMetricsUnavailable, err)
	}
	cpuReqSeries, _ := p.queryRange(ctx, p.cpuRequestQuery(), r)
	memReqSeries, _ := p.queryRange(ctx, p.memoryRequestQuery(), r)
	podSeries, _ := p.queryRange(ctx, p.podCountQuery(), r)

	history := mergeHistory(cpuSeries, memSeries, cpuReqSeries, memReqSeries, podSeries)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: empty range result", models.ErrMetricsUnavailable)
	}
	return history, nil
}

func (p *PrometheusSource) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()
	_, _, err := p.api.Query(ctx, "up", time.Now())
	return err == nil
}

func (p *PrometheusSource) Name() string { return "prometheus" }

// queryScalar runs an instant query expected to yield a single-sample
// vector (the aggregation happens in PromQL).
func (p *PrometheusSource) queryScalar(ctx context.Context, query string, ts time.Time) (float64, error) {
	result, warnings, err := p.api.Query(ctx, query, ts)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.log.WithField("warnings", warnings).Debug("prometheus warnings")
	}

	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, fmt.Errorf("no data for query: %s", query)
	}

	sum := 0.0
	for _, sample := range vector {
		sum += float64(sample.Value)
	}
	return sum, nil
}

// collectSamples fetches the per-pod breakdown for the snapshot.
func (p *PrometheusSource) collectSamples(ctx context.Context, now time.Time) ([]models.MetricSample, error) {
	cpuResult, _, err := p.api.Query(ctx, p.perPodCPUQuery(), now)
	if err != nil {
		return nil, fmt.Errorf("per-pod cpu query failed: %w", err)
	}
	memResult, _, err := p.api.Query(ctx, p.perPodMemoryQuery(), now)
	if err != nil {
		return nil, fmt.Errorf("per-pod memory query failed: %w", err)
	}

	cpuVec, _ := cpuResult.(model.Vector)
	memVec, _ := memResult.(model.Vector)

	memByPod := make(map[string]float64, len(memVec))
	for _, s := range memVec {
		memByPod[string(s.Metric["pod"])] = float64(s.Value)
	}

	samples := make([]models.MetricSample, 0, len(cpuVec))
	for _, s := range cpuVec {
		pod := string(s.Metric["pod"])
		samples = append(samples, models.MetricSample{
			InstanceID:      pod,
			Timestamp:       now,
			CPUMillicores:   float64(s.Value),
			MemoryMebibytes: memByPod[pod],
		})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].InstanceID < samples[j].InstanceID })
	return samples, nil
}

func (p *PrometheusSource) queryRange(ctx context.Context, query string, r v1.Range) (map[int64]float64, error) {
	result, warnings, err := p.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("range query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.log.WithField("warnings", warnings).Debug("prometheus warnings")
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}

	// Sum across series per timestamp; the PromQL already aggregates, this
	// just flattens the matrix.
	values := make(map[int64]float64)
	for _, series := range matrix {
		for _, v := range series.Values {
			values[v.Timestamp.Unix()] += float64(v.Value)
		}
	}
	return values, nil
}

// mergeHistory joins the range series on the CPU series' timestamps,
// dropping instants where memory is missing and filling request gaps with
// the deployment fallbacks.
func mergeHistory(cpu, mem, cpuReq, memReq, pods map[int64]float64) []models.AggregatedMetrics {
	timestamps := make([]int64, 0, len(cpu))
	for ts := range cpu {
		if _, ok := mem[ts]; ok {
			timestamps = append(timestamps, ts)
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	history := make([]models.AggregatedMetrics, 0, len(timestamps))
	for _, ts := range timestamps {
		m := models.AggregatedMetrics{
			Timestamp:              time.Unix(ts, 0).UTC(),
			AvgCPUMillicores:       cpu[ts],
			AvgMemoryMebibytes:     mem[ts],
			CPURequestMillicores:   cpuReq[ts],
			MemoryRequestMebibytes: memReq[ts],
			ReplicaCount:           int(pods[ts]),
		}
		if m.CPURequestMillicores <= 0 {
			m.CPURequestMillicores = FallbackCPURequestMillicores
		}
		if m.MemoryRequestMebibytes <= 0 {
			m.MemoryRequestMebibytes = FallbackMemoryRequestMebibytes
		}
		if m.ReplicaCount < 1 {
			m.ReplicaCount = 1
		}
		history = append(history, m)
	}
	return history
}
