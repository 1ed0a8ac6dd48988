// Package scaler reads and writes the target workload's replica count and
// manages the native horizontal pod autoscaler object, which this system
// toggles but never owns.
package scaler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"k8s.io/client-go/util/retry"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// Scaler is the cluster control-plane boundary of the control loop.
type Scaler interface {
	// ReadState re-reads the workload state from the cluster. Results are
	// never cached: stale replica counts would corrupt arbitration.
	ReadState(ctx context.Context) (models.ClusterState, error)
	// Apply patches the replica count. Re-applying the current value is a
	// no-op observable at the cluster.
	Apply(ctx context.Context, replicas int) error
	EnableNativeAutoscaler(ctx context.Context) error
	DisableNativeAutoscaler(ctx context.Context) error
}

// KubernetesScaler implements Scaler against a real (or fake) clientset.
type KubernetesScaler struct {
	kube kubernetes.Interface
	cfg  *config.Config
	log  *logrus.Entry
}

func New(cfg *config.Config) (*KubernetesScaler, error) {
	restCfg, err := RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return NewWithClientset(kube, cfg), nil
}

// NewWithClientset wires an existing clientset, used by tests.
func NewWithClientset(kube kubernetes.Interface, cfg *config.Config) *KubernetesScaler {
	return &KubernetesScaler{
		kube: kube,
		cfg:  cfg,
		log:  logrus.WithField("component", "scaler"),
	}
}

// Clientset exposes the underlying client for collaborators that need the
// same connection (the metrics-server fallback source).
func (s *KubernetesScaler) Clientset() kubernetes.Interface { return s.kube }

// RESTConfig resolves cluster credentials: explicit kubeconfig path, then
// in-cluster service account, then the default kubeconfig location.
func RESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if restCfg, err := rest.InClusterConfig(); err == nil {
		return restCfg, nil
	}
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (s *KubernetesScaler) ReadState(ctx context.Context) (models.ClusterState, error) {
	dep, err := s.kube.AppsV1().Deployments(s.cfg.Namespace).Get(ctx, s.cfg.Deployment, metav1.GetOptions{})
	if err != nil {
		return models.ClusterState{}, &models.ScalerError{Op: "read deployment", Err: err}
	}

	state := models.ClusterState{
		CurrentReplicas: 1,
		ReadyReplicas:   int(dep.Status.ReadyReplicas),
	}
	if dep.Spec.Replicas != nil {
		state.CurrentReplicas = int(*dep.Spec.Replicas)
	}

	hpa, err := s.kube.AutoscalingV2().HorizontalPodAutoscalers(s.cfg.Namespace).Get(ctx, s.cfg.HPAName, metav1.GetOptions{})
	switch {
	case err == nil:
		state.NativeAutoscalerEnabled = true
		state.NativeAutoscalerCurrent = int(hpa.Status.CurrentReplicas)
		state.NativeAutoscalerDesired = int(hpa.Status.DesiredReplicas)
	case apierrors.IsNotFound(err):
		// No HPA means the native autoscaler is disabled; not an error.
	default:
		return models.ClusterState{}, &models.ScalerError{Op: "read hpa", Err: err}
	}

	return state, nil
}

func (s *KubernetesScaler) Apply(ctx context.Context, replicas int) error {
	if replicas < s.cfg.MinReplicas {
		replicas = s.cfg.MinReplicas
	}
	if replicas > s.cfg.MaxReplicas {
		replicas = s.cfg.MaxReplicas
	}

	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	err := retry.OnError(retry.DefaultBackoff, isTransient, func() error {
		_, err := s.kube.AppsV1().Deployments(s.cfg.Namespace).Patch(
			ctx, s.cfg.Deployment, types.MergePatchType, patch, metav1.PatchOptions{})
		return err
	})
	if err != nil {
		return &models.ScalerError{Op: "apply", Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"deployment": s.cfg.Deployment,
		"replicas":   replicas,
	}).Info("scaled deployment")
	return nil
}

// EnableNativeAutoscaler makes sure a healthy HPA exists for the target
// workload. An existing HPA whose ScalingActive condition is not True is
// recreated; the metrics pipeline behind it has usually wedged.
func (s *KubernetesScaler) EnableNativeAutoscaler(ctx context.Context) error {
	hpas := s.kube.AutoscalingV2().HorizontalPodAutoscalers(s.cfg.Namespace)

	existing, err := hpas.Get(ctx, s.cfg.HPAName, metav1.GetOptions{})
	if err == nil {
		if scalingActive(existing) {
			s.log.WithField("hpa", s.cfg.HPAName).Debug("native autoscaler already healthy")
			return nil
		}
		s.log.WithField("hpa", s.cfg.HPAName).Warn("native autoscaler unhealthy; recreating")
		if err := hpas.Delete(ctx, s.cfg.HPAName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return &models.ScalerError{Op: "recreate hpa", Err: err}
		}
	} else if !apierrors.IsNotFound(err) {
		return &models.ScalerError{Op: "read hpa", Err: err}
	}

	err = retry.OnError(retry.DefaultBackoff, isTransient, func() error {
		_, err := hpas.Create(ctx, s.hpaObject(), metav1.CreateOptions{})
		return err
	})
	if err != nil {
		return &models.ScalerError{Op: "create hpa", Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"hpa": s.cfg.HPAName,
		"min": s.cfg.MinReplicas,
		"max": s.cfg.MaxReplicas,
	}).Info("native autoscaler enabled")
	return nil
}

// DisableNativeAutoscaler deletes the HPA so it cannot fight this
// controller's patches. Safe to call when no HPA exists.
func (s *KubernetesScaler) DisableNativeAutoscaler(ctx context.Context) error {
	err := s.kube.AutoscalingV2().HorizontalPodAutoscalers(s.cfg.Namespace).Delete(ctx, s.cfg.HPAName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return &models.ScalerError{Op: "delete hpa", Err: err}
	}
	s.log.WithField("hpa", s.cfg.HPAName).Info("native autoscaler disabled")
	return nil
}

func (s *KubernetesScaler) hpaObject() *autoscalingv2.HorizontalPodAutoscaler {
	minReplicas := int32(s.cfg.MinReplicas)
	cpuTarget := int32(s.cfg.CPUTargetPct)
	memTarget := int32(s.cfg.MemoryTargetPct)
	scaleUpWindow := int32(0)
	scaleDownWindow := int32(s.cfg.StabilizationWindow.Seconds())

	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.cfg.HPAName,
			Namespace: s.cfg.Namespace,
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       s.cfg.Deployment,
			},
			MinReplicas: &minReplicas,
			MaxReplicas: int32(s.cfg.MaxReplicas),
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: corev1.ResourceCPU,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &cpuTarget,
						},
					},
				},
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: corev1.ResourceMemory,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &memTarget,
						},
					},
				},
			},
			Behavior: &autoscalingv2.HorizontalPodAutoscalerBehavior{
				ScaleUp: &autoscalingv2.HPAScalingRules{
					StabilizationWindowSeconds: &scaleUpWindow,
					Policies: []autoscalingv2.HPAScalingPolicy{
						{Type: autoscalingv2.PercentScalingPolicy, Value: 100, PeriodSeconds: 15},
					},
				},
				ScaleDown: &autoscalingv2.HPAScalingRules{
					StabilizationWindowSeconds: &scaleDownWindow,
					Policies: []autoscalingv2.HPAScalingPolicy{
						{Type: autoscalingv2.PodsScalingPolicy, Value: 1, PeriodSeconds: 30},
					},
				},
			},
		},
	}
}

func scalingActive(hpa *autoscalingv2.HorizontalPodAutoscaler) bool {
	for _, c := range hpa.Status.Conditions {
		if c.Type == autoscalingv2.ScalingActive {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// isTransient picks the cluster API failures worth retrying: conflicts on
// concurrent modification and throttling/availability blips.
func isTransient(err error) bool {
	return apierrors.IsConflict(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err)
}
