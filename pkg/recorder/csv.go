package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/scalelab/hpa-bench/pkg/models"
)

// csvHeader is the stable column order. Appending columns is allowed;
// reordering or renaming would break downstream analysis notebooks.
var csvHeader = []string{
	"run_id", "tick", "timestamp", "mode",
	"current_replicas", "ready_replicas",
	"cpu_millicores", "memory_mebibytes",
	"cpu_request_millicores", "memory_request_mebibytes",
	"pod_count", "partial_metrics",
	"sim_desired", "sim_raw_desired", "sim_cpu_desired", "sim_mem_desired",
	"sim_cpu_ratio", "sim_mem_ratio", "sim_action",
	"hpa_current_replicas", "hpa_desired_replicas",
	"ai_recommended_replicas", "ai_predicted_cpu_millicores",
	"ai_predicted_memory_mebibytes", "ai_confidence", "ai_reasoning",
	"applied_replicas", "applied_by", "skip_reason",
}

// CSVRecorder writes one row per tick and flushes after every row so a
// crashed run loses at most the tick in flight.
type CSVRecorder struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	path   string
	closed bool
}

// NewCSV creates the output file under dir, named after the mode and
// start time so repeated runs never clobber each other.
func NewCSV(dir, mode string, start time.Time) (*CSVRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("experiment_%s_%s.csv", mode, start.UTC().Format("20060102T150405Z")))

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return nil, err
	}

	return &CSVRecorder{file: file, w: w, path: path}, nil
}

// Path returns the output file location, logged at startup.
func (r *CSVRecorder) Path() string { return r.path }

func (r *CSVRecorder) Append(_ context.Context, rec *models.ExperimentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder already closed")
	}
	if err := r.w.Write(csvRow(rec)); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	r.w.Flush()
	return r.w.Error()
}

func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

func csvRow(rec *models.ExperimentRecord) []string {
	row := []string{
		rec.RunID,
		strconv.Itoa(rec.Tick),
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.Mode,
		strconv.Itoa(rec.Cluster.CurrentReplicas),
		strconv.Itoa(rec.Cluster.ReadyReplicas),
		formatFloat(rec.Metrics.AvgCPUMillicores),
		formatFloat(rec.Metrics.AvgMemoryMebibytes),
		formatFloat(rec.Metrics.CPURequestMillicores),
		formatFloat(rec.Metrics.MemoryRequestMebibytes),
		strconv.Itoa(rec.Metrics.ReplicaCount),
		strconv.FormatBool(rec.Metrics.Partial),
	}

	if sim := rec.Simulator; sim != nil {
		row = append(row,
			strconv.Itoa(sim.DesiredReplicas),
			strconv.Itoa(sim.RawDesired),
			strconv.Itoa(sim.CPUDesired),
			strconv.Itoa(sim.MemDesired),
			formatFloat(sim.CPURatio),
			formatFloat(sim.MemRatio),
			string(sim.Action),
		)
	} else {
		row = append(row, "", "", "", "", "", "", "")
	}

	if rec.Cluster.NativeAutoscalerEnabled {
		row = append(row,
			strconv.Itoa(rec.Cluster.NativeAutoscalerCurrent),
			strconv.Itoa(rec.Cluster.NativeAutoscalerDesired),
		)
	} else {
		row = append(row, "", "")
	}

	if ai, pred := rec.AI, rec.Prediction; ai != nil && pred != nil {
		row = append(row,
			strconv.Itoa(ai.DesiredReplicas),
			formatFloat(pred.PredictedCPUMillicores),
			formatFloat(pred.PredictedMemoryMebibytes),
			formatFloat(pred.Confidence),
			pred.Reasoning,
		)
	} else {
		row = append(row, "", "", "", "", "")
	}

	return append(row,
		strconv.Itoa(rec.AppliedReplicas),
		string(rec.AppliedBy),
		rec.SkipReason,
	)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
