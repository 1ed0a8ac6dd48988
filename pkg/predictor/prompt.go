package predictor

import (
	"fmt"
	"strings"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// promptHistoryRows caps how much history is serialized into the prompt;
// small models lose the thread on long tables.
const promptHistoryRows = 10

// baseline is the HPA-formula arithmetic computed locally and handed to
// the model. The model reviews the trend and adjusts the baseline; it is
// not asked to do the division itself.
type baseline struct {
	Replicas int
	AvgCPU   float64
	AvgMem   float64
	CPURatio float64
	MemRatio float64
}

func systemPrompt(cfg *config.Config) string {
	return fmt.Sprintf(`You are a Kubernetes autoscaling assistant.
The controller has already computed the baseline replica count using the
HPA formula. Your job is to review the recent metric TREND and decide
whether to keep, increase, or decrease the baseline by 1-2 pods based on
whether load is rising or falling.

CSV columns (per-pod averages, %s intervals):
  timestamp, cpu_millicores, memory_mebibytes,
  cpu_request_millicores, memory_request_mebibytes, pod_count

Limits: min_replicas=%d, max_replicas=%d
Targets: cpu=%d%% of cpu_request, memory=%d%% of memory_request

Reply with ONLY a JSON object - no markdown, no explanation outside JSON:
{
  "recommended_replicas": <int>,
  "predicted_cpu_millicores": <float>,
  "predicted_memory_mebibytes": <float>,
  "confidence": <float 0-1>,
  "reasoning": "<one sentence: state trend direction and why you adjusted or kept baseline>"
}`,
		cfg.QueryStep, cfg.MinReplicas, cfg.MaxReplicas, cfg.CPUTargetPct, cfg.MemoryTargetPct)
}

func userPrompt(history []models.AggregatedMetrics, currentReplicas int, base baseline) string {
	csv := historyCSV(history, promptHistoryRows)
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	header := lines[0]
	recent := ""
	if len(lines) > 1 {
		from := len(lines) - 3
		if from < 1 {
			from = 1
		}
		recent = strings.Join(lines[from:], "\n")
	}

	return fmt.Sprintf(`Current running pods : %d
Formula baseline     : %d replicas
  (avg_cpu=%.2fm  cpu_ratio=%.3f
   avg_mem=%.2fMi mem_ratio=%.3f)

Most recent 3 rows:
%s
%s

Full history (for trend analysis only):
%s

Should the baseline of %d be kept, increased, or decreased based on the
metric trend? Return the JSON object now.`,
		currentReplicas, base.Replicas,
		base.AvgCPU, base.CPURatio, base.AvgMem, base.MemRatio,
		header, recent, csv, base.Replicas)
}

// historyCSV serializes the tail of the history window as compact CSV.
func historyCSV(history []models.AggregatedMetrics, maxRows int) string {
	if len(history) > maxRows {
		history = history[len(history)-maxRows:]
	}
	var b strings.Builder
	b.WriteString("timestamp,cpu_millicores,memory_mebibytes,cpu_request_millicores,memory_request_mebibytes,pod_count\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s,%.2f,%.2f,%.2f,%.2f,%d\n",
			m.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
			m.AvgCPUMillicores, m.AvgMemoryMebibytes,
			m.CPURequestMillicores, m.MemoryRequestMebibytes,
			m.ReplicaCount)
	}
	return b.String()
}
