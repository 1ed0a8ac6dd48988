package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// fakeChat replays canned responses, one per attempt.
type fakeChat struct {
	responses []string
	err       error
	requests  []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	i := len(f.requests) - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.responses[i]}},
		},
	}, nil
}

func predictorConfig() *config.Config {
	cfg := config.New()
	cfg.MinReplicas = 1
	cfg.MaxReplicas = 10
	cfg.InferenceTimeout = time.Second
	return cfg
}

func history(n int) []models.AggregatedMetrics {
	base := time.Unix(1700000000, 0)
	out := make([]models.AggregatedMetrics, n)
	for i := range out {
		out[i] = models.AggregatedMetrics{
			Timestamp:              base.Add(time.Duration(i) * 30 * time.Second),
			ReplicaCount:           3,
			AvgCPUMillicores:       90,
			AvgMemoryMebibytes:     40,
			CPURequestMillicores:   100,
			MemoryRequestMebibytes: 64,
		}
	}
	return out
}

func TestPredictReturnsDecision(t *testing.T) {
	chat := &fakeChat{responses: []string{
		`{"recommended_replicas": 5, "predicted_cpu_millicores": 95, "predicted_memory_mebibytes": 42, "confidence": 0.7, "reasoning": "load rising"}`,
	}}
	eng := NewWithClient(chat, predictorConfig())

	dec, pred, err := eng.Predict(context.Background(), history(5), 3)
	require.NoError(t, err)

	assert.Equal(t, models.SourceAI, dec.Source)
	assert.Equal(t, 5, dec.DesiredReplicas)
	assert.InDelta(t, 0.7, dec.Confidence, 1e-9)
	require.NotNil(t, pred)
	assert.InDelta(t, 95.0, pred.PredictedCPUMillicores, 1e-9)
	assert.Len(t, chat.requests, 1)
}

func TestPredictClampsOutOfBounds(t *testing.T) {
	chat := &fakeChat{responses: []string{
		`{"recommended_replicas": 50, "confidence": 0.9, "reasoning": "panic scale"}`,
	}}
	eng := NewWithClient(chat, predictorConfig())

	dec, _, err := eng.Predict(context.Background(), history(5), 3)
	require.NoError(t, err)

	assert.Equal(t, 10, dec.DesiredReplicas)
	assert.Contains(t, dec.Rationale, "clamped from 50 to max 10")
}

func TestPredictSelfCorrectsMalformedJSON(t *testing.T) {
	chat := &fakeChat{responses: []string{
		"I'd recommend scaling up a bit.",
		`{"recommended_replicas": 4, "confidence": 0.6, "reasoning": "second try"}`,
	}}
	eng := NewWithClient(chat, predictorConfig())

	dec, _, err := eng.Predict(context.Background(), history(5), 3)
	require.NoError(t, err)
	assert.Equal(t, 4, dec.DesiredReplicas)

	// The retry carries the failed output and a correction request.
	require.Len(t, chat.requests, 2)
	msgs := chat.requests[1].Messages
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[len(msgs)-2].Role)
	assert.Contains(t, msgs[len(msgs)-1].Content, "not valid JSON")
}

func TestPredictGivesUpAfterMaxAttempts(t *testing.T) {
	chat := &fakeChat{responses: []string{"not json", "still not json", "nope"}}
	eng := NewWithClient(chat, predictorConfig())

	_, _, err := eng.Predict(context.Background(), history(5), 3)

	var perr *models.PredictionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.PredictionMalformedResponse, perr.Reason)
	assert.Len(t, chat.requests, maxAttempts)
}

func TestPredictTimeout(t *testing.T) {
	chat := &fakeChat{err: context.DeadlineExceeded}
	eng := NewWithClient(chat, predictorConfig())

	_, _, err := eng.Predict(context.Background(), history(5), 3)

	var perr *models.PredictionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.PredictionTimeout, perr.Reason)
}

func TestPredictEndpointDown(t *testing.T) {
	chat := &fakeChat{err: errors.New("connection refused")}
	eng := NewWithClient(chat, predictorConfig())

	_, _, err := eng.Predict(context.Background(), history(5), 3)

	var perr *models.PredictionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.PredictionUnavailable, perr.Reason)
}

func TestPredictEmptyHistory(t *testing.T) {
	eng := NewWithClient(&fakeChat{}, predictorConfig())

	_, _, err := eng.Predict(context.Background(), nil, 3)

	var perr *models.PredictionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.PredictionUnavailable, perr.Reason)
}

func TestComputeBaselineMatchesHPAFormula(t *testing.T) {
	eng := NewWithClient(&fakeChat{}, predictorConfig())

	// cpu ratio = 90 / (100 * 0.60) = 1.5 -> ceil(3 * 1.5) = 5
	base := eng.computeBaseline(history(5), 3)

	assert.Equal(t, 5, base.Replicas)
	assert.InDelta(t, 1.5, base.CPURatio, 1e-9)
	assert.InDelta(t, 90.0, base.AvgCPU, 1e-9)
}

func TestBaselineAppearsInPrompt(t *testing.T) {
	chat := &fakeChat{responses: []string{
		`{"recommended_replicas": 5, "confidence": 0.7, "reasoning": "ok"}`,
	}}
	eng := NewWithClient(chat, predictorConfig())

	_, _, err := eng.Predict(context.Background(), history(12), 3)
	require.NoError(t, err)

	user := chat.requests[0].Messages[1].Content
	assert.Contains(t, user, "Formula baseline     : 5 replicas")
	// History in the prompt is capped to the most recent rows; the
	// "most recent 3" section repeats three of them.
	assert.LessOrEqual(t, len(splitCSVRows(user)), promptHistoryRows+3)
}

func splitCSVRows(prompt string) []string {
	var rows []string
	for _, line := range splitLines(prompt) {
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
			rows = append(rows, line)
		}
	}
	return rows
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}
