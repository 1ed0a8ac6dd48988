package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// MetricsServerSource is the fallback MetricsSource used when Prometheus is
// unreachable at startup. It reads instant per-pod usage from the
// metrics.k8s.io API and per-pod requests from the Deployment spec.
// metrics-server keeps no history, so CollectHistory degrades to a
// single-snapshot window.
type MetricsServerSource struct {
	metrics metricsv.Interface
	kube    kubernetes.Interface
	cfg     *config.Config
	log     *logrus.Entry
}

func NewMetricsServerSource(metrics metricsv.Interface, kube kubernetes.Interface, cfg *config.Config) *MetricsServerSource {
	return &MetricsServerSource{
		metrics: metrics,
		kube:    kube,
		cfg:     cfg,
		log:     logrus.WithField("component", "collector"),
	}
}

func (m *MetricsServerSource) Collect(ctx context.Context, now time.Time, liveReplicas int) (models.AggregatedMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	podMetrics, err := m.metrics.MetricsV1beta1().PodMetricses(m.cfg.Namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: metrics-server list: %v", models.ErrMetricsUnavailable, err)
	}

	prefix := m.cfg.Deployment + "-"
	var samples []models.MetricSample
	var cpuSum, memSum float64
	for _, pm := range podMetrics.Items {
		if !strings.HasPrefix(pm.Name, prefix) {
			continue
		}
		var cpu, mem float64
		for _, c := range pm.Containers {
			cpu += float64(c.Usage.Cpu().MilliValue())
			mem += float64(c.Usage.Memory().Value()) / (1024 * 1024)
		}
		samples = append(samples, models.MetricSample{
			InstanceID:      pm.Name,
			Timestamp:       now,
			CPUMillicores:   cpu,
			MemoryMebibytes: mem,
		})
		cpuSum += cpu
		memSum += mem
	}
	if len(samples) == 0 {
		return models.AggregatedMetrics{}, fmt.Errorf("%w: no pod metrics for %s/%s", models.ErrMetricsUnavailable, m.cfg.Namespace, m.cfg.Deployment)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].InstanceID < samples[j].InstanceID })

	cpuReq, memReq := m.podRequests(ctx)

	n := float64(len(samples))
	return models.AggregatedMetrics{
		Timestamp:              now,
		ReplicaCount:           len(samples),
		AvgCPUMillicores:       cpuSum / n,
		AvgMemoryMebibytes:     memSum / n,
		CPURequestMillicores:   cpuReq,
		MemoryRequestMebibytes: memReq,
		Samples:                samples,
		Partial:                len(samples) < liveReplicas,
	}, nil
}

// CollectHistory returns the current snapshot as a one-element window:
// metrics-server exposes no historical series.
func (m *MetricsServerSource) CollectHistory(ctx context.Context, window time.Duration) ([]models.AggregatedMetrics, error) {
	snapshot, err := m.Collect(ctx, time.Now(), 0)
	if err != nil {
		return nil, err
	}
	return []models.AggregatedMetrics{snapshot}, nil
}

func (m *MetricsServerSource) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	_, err := m.metrics.MetricsV1beta1().PodMetricses(m.cfg.Namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err == nil
}

func (m *MetricsServerSource) Name() string { return "metrics-server" }

// podRequests sums the per-pod container requests from the Deployment
// spec, falling back to the experiment defaults when unset.
func (m *MetricsServerSource) podRequests(ctx context.Context) (cpuMillicores, memMebibytes float64) {
	cpuMillicores = FallbackCPURequestMillicores
	memMebibytes = FallbackMemoryRequestMebibytes

	dep, err := m.kube.AppsV1().Deployments(m.cfg.Namespace).Get(ctx, m.cfg.Deployment, metav1.GetOptions{})
	if err != nil {
		m.log.WithError(err).Debug("could not read deployment requests; using fallbacks")
		return cpuMillicores, memMebibytes
	}

	var cpu, mem float64
	for _, c := range dep.Spec.Template.Spec.Containers {
		if q, ok := c.Resources.Requests[corev1.ResourceCPU]; ok {
			cpu += float64(q.MilliValue())
		}
		if q, ok := c.Resources.Requests[corev1.ResourceMemory]; ok {
			mem += float64(q.Value()) / (1024 * 1024)
		}
	}
	if cpu > 0 {
		cpuMillicores = cpu
	}
	if mem > 0 {
		memMebibytes = mem
	}
	return cpuMillicores, memMebibytes
}
