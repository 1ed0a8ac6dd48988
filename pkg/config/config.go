package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Mode selects which decision source is authoritative for the whole run.
// It is fixed at startup; there are no mid-run transitions.
type Mode string

const (
	// ModeObserveNative keeps the native HPA enabled and in charge; both
	// engines run in shadow and are only logged.
	ModeObserveNative Mode = "observe_native"
	// ModePredictive disables the native HPA and lets the AI decision
	// drive the replica count.
	ModePredictive Mode = "predictive"
	// ModeComparison disables the native HPA and mutates nothing; both
	// engines are logged for side-by-side analysis.
	ModeComparison Mode = "comparison"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeObserveNative, ModePredictive, ModeComparison:
		return true
	}
	return false
}

// Config holds the run configuration. It is immutable for the lifetime of
// a run; every component keeps a read-only reference.
type Config struct {
	Mode Mode `yaml:"mode"`

	// Control loop
	TickInterval time.Duration `yaml:"tick_interval"`
	Duration     time.Duration `yaml:"duration"` // 0 = run until interrupted

	// Scaling targets and bounds
	CPUTargetPct    int `yaml:"cpu_target_pct"`
	MemoryTargetPct int `yaml:"memory_target_pct"`
	MinReplicas     int `yaml:"min_replicas"`
	MaxReplicas     int `yaml:"max_replicas"`

	// History fed to the predictive engine and scale-down dampening
	HistoryWindow       time.Duration `yaml:"history_window"`
	StabilizationWindow time.Duration `yaml:"stabilization_window"`

	// Prometheus
	PrometheusURL string        `yaml:"prometheus_url"`
	QueryStep     time.Duration `yaml:"query_step"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`

	// Inference endpoint (OpenAI-compatible)
	InferenceURL     string        `yaml:"inference_url"`
	InferenceModel   string        `yaml:"inference_model"`
	InferenceAPIKey  string        `yaml:"inference_api_key"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`

	// Target workload
	Namespace   string `yaml:"namespace"`
	Deployment  string `yaml:"deployment"`
	PodSelector string `yaml:"pod_selector"`
	HPAName     string `yaml:"hpa_name"`
	Kubeconfig  string `yaml:"kubeconfig"`

	// Output
	OutputDir      string `yaml:"output_dir"`
	StorageEnabled bool   `yaml:"storage_enabled"`
	DatabaseURL    string `yaml:"database_url"`
	Verbose        bool   `yaml:"verbose"`
}

// New creates a configuration with defaults, overridable via environment.
func New() *Config {
	return &Config{
		Mode:                ModeComparison,
		TickInterval:        30 * time.Second,
		Duration:            0,
		CPUTargetPct:        60,
		MemoryTargetPct:     80,
		MinReplicas:         1,
		MaxReplicas:         10,
		HistoryWindow:       15 * time.Minute,
		StabilizationWindow: 60 * time.Second,
		PrometheusURL:       getEnv("PROMETHEUS_URL", "http://localhost:9090"),
		QueryStep:           30 * time.Second,
		QueryTimeout:        15 * time.Second,
		InferenceURL:        getEnv("INFERENCE_URL", "http://localhost:11434/v1"),
		InferenceModel:      getEnv("INFERENCE_MODEL", "qwen2.5-coder:3b"),
		InferenceAPIKey:     getEnv("INFERENCE_API_KEY", "ollama"),
		InferenceTimeout:    120 * time.Second,
		Namespace:           "default",
		Deployment:          "webapp",
		PodSelector:         "webapp-.*",
		HPAName:             "webapp-hpa",
		OutputDir:           "./experiment_data",
		StorageEnabled:      getEnvBool("STORAGE_ENABLED", false),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
	}
}

// FromViper hydrates a Config from viper, which has already merged flag,
// environment and config-file values on top of the defaults set by
// SetDefaults.
func FromViper(v *viper.Viper) *Config {
	cfg := New()

	cfg.Mode = Mode(v.GetString("mode"))
	cfg.TickInterval = v.GetDuration("tick_interval")
	cfg.Duration = v.GetDuration("duration")
	cfg.CPUTargetPct = v.GetInt("cpu_target_pct")
	cfg.MemoryTargetPct = v.GetInt("memory_target_pct")
	cfg.MinReplicas = v.GetInt("min_replicas")
	cfg.MaxReplicas = v.GetInt("max_replicas")
	cfg.HistoryWindow = v.GetDuration("history_window")
	cfg.StabilizationWindow = v.GetDuration("stabilization_window")
	cfg.PrometheusURL = v.GetString("prometheus_url")
	cfg.QueryStep = v.GetDuration("query_step")
	cfg.QueryTimeout = v.GetDuration("query_timeout")
	cfg.InferenceURL = v.GetString("inference_url")
	cfg.InferenceModel = v.GetString("inference_model")
	cfg.InferenceAPIKey = v.GetString("inference_api_key")
	cfg.InferenceTimeout = v.GetDuration("inference_timeout")
	cfg.Namespace = v.GetString("namespace")
	cfg.Deployment = v.GetString("deployment")
	cfg.PodSelector = v.GetString("pod_selector")
	cfg.HPAName = v.GetString("hpa_name")
	cfg.Kubeconfig = v.GetString("kubeconfig")
	cfg.OutputDir = v.GetString("output_dir")
	cfg.StorageEnabled = v.GetBool("storage_enabled")
	cfg.DatabaseURL = v.GetString("database_url")
	cfg.Verbose = v.GetBool("verbose")

	if cfg.PodSelector == "" {
		cfg.PodSelector = cfg.Deployment + "-.*"
	}
	if cfg.HPAName == "" {
		cfg.HPAName = cfg.Deployment + "-hpa"
	}
	return cfg
}

// SetDefaults seeds viper with the same defaults New uses, so flag and env
// resolution starts from a consistent base.
func SetDefaults(v *viper.Viper) {
	def := New()
	v.SetDefault("mode", string(def.Mode))
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("duration", def.Duration)
	v.SetDefault("cpu_target_pct", def.CPUTargetPct)
	v.SetDefault("memory_target_pct", def.MemoryTargetPct)
	v.SetDefault("min_replicas", def.MinReplicas)
	v.SetDefault("max_replicas", def.MaxReplicas)
	v.SetDefault("history_window", def.HistoryWindow)
	v.SetDefault("stabilization_window", def.StabilizationWindow)
	v.SetDefault("prometheus_url", def.PrometheusURL)
	v.SetDefault("query_step", def.QueryStep)
	v.SetDefault("query_timeout", def.QueryTimeout)
	v.SetDefault("inference_url", def.InferenceURL)
	v.SetDefault("inference_model", def.InferenceModel)
	v.SetDefault("inference_api_key", def.InferenceAPIKey)
	v.SetDefault("inference_timeout", def.InferenceTimeout)
	v.SetDefault("namespace", def.Namespace)
	v.SetDefault("deployment", def.Deployment)
	v.SetDefault("pod_selector", def.PodSelector)
	v.SetDefault("hpa_name", def.HPAName)
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("storage_enabled", def.StorageEnabled)
	v.SetDefault("database_url", def.DatabaseURL)
}

// Validate checks the configuration. Violations are fatal at startup: the
// run must not start with impossible bounds or missing endpoints.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q (valid: observe_native, predictive, comparison)", c.Mode)
	}
	if c.TickInterval < time.Second {
		return fmt.Errorf("tick interval must be at least 1s, got %s", c.TickInterval)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %s", c.Duration)
	}
	if c.MinReplicas < 1 {
		return fmt.Errorf("min replicas must be at least 1, got %d", c.MinReplicas)
	}
	if c.MinReplicas > c.MaxReplicas {
		return fmt.Errorf("min replicas (%d) exceeds max replicas (%d)", c.MinReplicas, c.MaxReplicas)
	}
	if c.CPUTargetPct <= 0 || c.CPUTargetPct > 100 {
		return fmt.Errorf("cpu target must be in (0, 100], got %d", c.CPUTargetPct)
	}
	if c.MemoryTargetPct <= 0 || c.MemoryTargetPct > 100 {
		return fmt.Errorf("memory target must be in (0, 100], got %d", c.MemoryTargetPct)
	}
	if c.HistoryWindow < c.TickInterval {
		return fmt.Errorf("history window (%s) must cover at least one tick interval (%s)", c.HistoryWindow, c.TickInterval)
	}
	if c.StabilizationWindow < 0 {
		return fmt.Errorf("stabilization window must not be negative, got %s", c.StabilizationWindow)
	}
	if c.PrometheusURL == "" {
		return fmt.Errorf("prometheus URL is required")
	}
	if c.InferenceURL == "" {
		return fmt.Errorf("inference URL is required")
	}
	if c.Deployment == "" {
		return fmt.Errorf("target deployment is required")
	}
	if c.StorageEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when storage is enabled")
	}
	return nil
}

// CPUTarget returns the CPU utilization target as a fraction of request.
func (c *Config) CPUTarget() float64 { return float64(c.CPUTargetPct) / 100.0 }

// MemoryTarget returns the memory utilization target as a fraction of request.
func (c *Config) MemoryTarget() float64 { return float64(c.MemoryTargetPct) / 100.0 }

// Snapshot writes the resolved configuration as YAML next to the run's
// output, so every experiment directory records exactly what produced it.
func (c *Config) Snapshot(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
