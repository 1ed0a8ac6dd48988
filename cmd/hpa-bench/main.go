package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/scalelab/hpa-bench/pkg/collector"
	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/controller"
	"github.com/scalelab/hpa-bench/pkg/predictor"
	"github.com/scalelab/hpa-bench/pkg/recorder"
	"github.com/scalelab/hpa-bench/pkg/scaler"
	"github.com/scalelab/hpa-bench/pkg/simulator"
)

var (
	v          *viper.Viper
	configFile string
)

func main() {
	v = viper.New()
	config.SetDefaults(v)
	v.SetEnvPrefix("HPABENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "hpa-bench",
		Short: "HPA vs. predictive autoscaling benchmark",
		Long: `Runs a scaling experiment against a live workload: a deterministic
reimplementation of the HPA algorithm and an LLM-backed predictive engine
both compute a decision every tick, the selected mode decides who is
authoritative, and every tick is recorded for offline comparison.`,
		SilenceUsage: true,
		RunE:         runExperiment,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Optional YAML config file")
	flags.String("mode", string(config.ModeComparison), "Experiment mode: observe_native, predictive, comparison")
	flags.Duration("tick-interval", 30*time.Second, "Control loop interval")
	flags.Duration("duration", 0, "Run duration (0 = until interrupted)")
	flags.Int("cpu-target-pct", 60, "CPU utilization target, percent of request")
	flags.Int("memory-target-pct", 80, "Memory utilization target, percent of request")
	flags.Int("min-replicas", 1, "Lower replica bound")
	flags.Int("max-replicas", 10, "Upper replica bound")
	flags.Duration("history-window", 15*time.Minute, "Metrics history fed to the predictor")
	flags.Duration("stabilization-window", 60*time.Second, "Scale-down stabilization window")
	flags.String("prometheus-url", "", "Prometheus base URL")
	flags.String("inference-url", "", "OpenAI-compatible inference endpoint")
	flags.String("inference-model", "", "Model name for the predictive engine")
	flags.Duration("inference-timeout", 120*time.Second, "Per-request inference timeout")
	flags.StringP("namespace", "n", "default", "Target namespace")
	flags.String("deployment", "webapp", "Target deployment")
	flags.String("hpa-name", "", "Native HPA object name (default <deployment>-hpa)")
	flags.String("kubeconfig", "", "Path to kubeconfig (default: in-cluster, then ~/.kube/config)")
	flags.String("output-dir", "./experiment_data", "Directory for CSV output and config snapshot")
	flags.Bool("storage", false, "Mirror records into PostgreSQL")
	flags.String("database-url", "", "PostgreSQL DSN when --storage is set")
	flags.BoolP("verbose", "v", false, "Enable debug logging")

	bind := map[string]string{
		"mode":                 "mode",
		"tick_interval":        "tick-interval",
		"duration":             "duration",
		"cpu_target_pct":       "cpu-target-pct",
		"memory_target_pct":    "memory-target-pct",
		"min_replicas":         "min-replicas",
		"max_replicas":         "max-replicas",
		"history_window":       "history-window",
		"stabilization_window": "stabilization-window",
		"prometheus_url":       "prometheus-url",
		"inference_url":        "inference-url",
		"inference_model":      "inference-model",
		"inference_timeout":    "inference-timeout",
		"namespace":            "namespace",
		"deployment":           "deployment",
		"hpa_name":             "hpa-name",
		"kubeconfig":           "kubeconfig",
		"output_dir":           "output-dir",
		"storage_enabled":      "storage",
		"database_url":         "database-url",
		"verbose":              "verbose",
	}
	for key, flag := range bind {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flag)))
	}

	probeCmd := &cobra.Command{
		Use:          "probe",
		Short:        "Check that all experiment endpoints are reachable",
		SilenceUsage: true,
		RunE:         runProbe,
	}
	rootCmd.AddCommand(probeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg := config.FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func runExperiment(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	log := logrus.WithField("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scl, err := scaler.New(cfg)
	if err != nil {
		return err
	}
	source, err := buildMetricsSource(ctx, cfg, scl)
	if err != nil {
		return err
	}

	inference := openai.NewClientWithConfig(inferenceClientConfig(cfg))
	if err := preflight(ctx, source, inference, scl); err != nil {
		return err
	}

	runID := uuid.New().String()
	start := time.Now()

	csvRec, err := recorder.NewCSV(cfg.OutputDir, string(cfg.Mode), start)
	if err != nil {
		return err
	}
	log.WithField("file", csvRec.Path()).Info("recording to CSV")

	sinks := []recorder.Recorder{csvRec}
	if cfg.StorageEnabled {
		pg, err := recorder.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		sinks = append(sinks, pg)
	}

	snapshot := filepath.Join(cfg.OutputDir, fmt.Sprintf("config_%s_%s.yaml", cfg.Mode, start.UTC().Format("20060102T150405Z")))
	if err := cfg.Snapshot(snapshot); err != nil {
		return err
	}

	ctrl, err := controller.New(cfg, source, simulator.New(cfg), predictor.New(cfg), scl, recorder.NewMulti(sinks...), runID)
	if err != nil {
		return err
	}
	return ctrl.Run(ctx)
}

// buildMetricsSource prefers Prometheus and falls back to metrics-server,
// which supports instant snapshots only.
func buildMetricsSource(ctx context.Context, cfg *config.Config, scl *scaler.KubernetesScaler) (collector.MetricsSource, error) {
	prom, err := collector.NewPrometheusSource(cfg)
	if err != nil {
		return nil, err
	}
	if prom.Available(ctx) {
		return prom, nil
	}

	logrus.Warn("Prometheus unreachable; falling back to metrics-server (no history seeding)")
	restCfg, err := scaler.RESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	metrics, err := metricsv.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics client: %w", err)
	}
	ms := collector.NewMetricsServerSource(metrics, scl.Clientset(), cfg)
	if !ms.Available(ctx) {
		return nil, fmt.Errorf("no reachable metrics backend: Prometheus at %s and metrics-server both unreachable", cfg.PrometheusURL)
	}
	return ms, nil
}

func inferenceClientConfig(cfg *config.Config) openai.ClientConfig {
	cc := openai.DefaultConfig(cfg.InferenceAPIKey)
	cc.BaseURL = cfg.InferenceURL
	return cc
}

// modelLister is the slice of the inference client the preflight uses.
type modelLister interface {
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// preflight verifies every backend the run depends on before the first
// tick. An unreachable endpoint aborts the run; starting anyway would only
// produce a file of gap records.
func preflight(ctx context.Context, source collector.MetricsSource, inference modelLister, scl scaler.Scaler) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var unreachable []string
	if !source.Available(ctx) {
		unreachable = append(unreachable, fmt.Sprintf("metrics backend (%s)", source.Name()))
	}
	if _, err := inference.ListModels(ctx); err != nil {
		unreachable = append(unreachable, fmt.Sprintf("inference endpoint: %v", err))
	}
	if _, err := scl.ReadState(ctx); err != nil {
		unreachable = append(unreachable, fmt.Sprintf("cluster: %v", err))
	}
	if len(unreachable) > 0 {
		return fmt.Errorf("unreachable at startup: %s; the run does not start", strings.Join(unreachable, "; "))
	}
	return nil
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("  FAIL  %-10s %v\n", name, err)
			return
		}
		fmt.Printf("  ok    %s\n", name)
	}

	fmt.Println("Probing experiment endpoints:")

	check("prometheus", func() error {
		prom, err := collector.NewPrometheusSource(cfg)
		if err != nil {
			return err
		}
		if !prom.Available(ctx) {
			return fmt.Errorf("no response from %s", cfg.PrometheusURL)
		}
		return nil
	}())

	check("inference", func() error {
		_, err := openai.NewClientWithConfig(inferenceClientConfig(cfg)).ListModels(ctx)
		return err
	}())

	check("cluster", func() error {
		scl, err := scaler.New(cfg)
		if err != nil {
			return err
		}
		_, err = scl.ReadState(ctx)
		return err
	}())

	if cfg.StorageEnabled {
		check("postgres", func() error {
			pg, err := recorder.NewPostgres(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()
			return pg.Ping(ctx)
		}())
	}

	if failures > 0 {
		return fmt.Errorf("%d endpoint(s) unreachable", failures)
	}
	fmt.Println("All endpoints reachable.")
	return nil
}
