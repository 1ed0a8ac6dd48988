package predictor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/scalelab/hpa-bench/pkg/models"
)

var (
	fenceOpenRe  = regexp.MustCompile("^```[a-zA-Z]*\n?")
	fenceCloseRe = regexp.MustCompile("\n?```$")
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// rawPrediction keeps recommended_replicas as a json.Number so a
// fractional value can be rejected instead of silently truncated.
type rawPrediction struct {
	RecommendedReplicas      json.Number `json:"recommended_replicas"`
	PredictedCPUMillicores   float64     `json:"predicted_cpu_millicores"`
	PredictedMemoryMebibytes float64     `json:"predicted_memory_mebibytes"`
	Confidence               float64     `json:"confidence"`
	Reasoning                string      `json:"reasoning"`
}

// ParsePrediction extracts the structured payload from a model response.
// Small models wrap JSON in markdown fences or preamble text; strip both
// before decoding. Any failure is a malformed response, not a crash.
func ParsePrediction(raw string) (*models.Prediction, error) {
	text := strings.TrimSpace(raw)
	text = fenceOpenRe.ReplaceAllString(text, "")
	text = fenceCloseRe.ReplaceAllString(strings.TrimSpace(text), "")

	match := jsonObjectRe.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON object found in response: %.200s", raw)
	}

	var rp rawPrediction
	if err := json.Unmarshal([]byte(match), &rp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if rp.RecommendedReplicas == "" {
		return nil, fmt.Errorf("recommended_replicas missing")
	}
	replicas, err := rp.RecommendedReplicas.Int64()
	if err != nil {
		return nil, fmt.Errorf("recommended_replicas must be an integer, got %q", rp.RecommendedReplicas)
	}
	if rp.Confidence < 0 || rp.Confidence > 1 {
		return nil, fmt.Errorf("confidence %f outside [0, 1]", rp.Confidence)
	}
	if rp.PredictedCPUMillicores < 0 || rp.PredictedMemoryMebibytes < 0 {
		return nil, fmt.Errorf("predicted usage must not be negative")
	}

	return &models.Prediction{
		RecommendedReplicas:      int(replicas),
		PredictedCPUMillicores:   rp.PredictedCPUMillicores,
		PredictedMemoryMebibytes: rp.PredictedMemoryMebibytes,
		Confidence:               rp.Confidence,
		Reasoning:                strings.ReplaceAll(rp.Reasoning, "\n", " "),
	}, nil
}
