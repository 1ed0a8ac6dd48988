// Package predictor obtains structured scaling recommendations from an
// OpenAI-compatible chat-completion endpoint. Structured output is
// enforced by prompt plus local validation, not tool calling, which small
// models handle poorly.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/scalelab/hpa-bench/pkg/config"
	"github.com/scalelab/hpa-bench/pkg/models"
)

// maxAttempts bounds the malformed-JSON self-correction loop.
const maxAttempts = 3

// chatClient is the slice of the OpenAI client the engine uses; tests
// substitute it.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Engine issues one synchronous inference request per tick. It holds no
// conversation state between ticks: each call is independent, fed only the
// externally supplied history window.
type Engine struct {
	client chatClient
	cfg    *config.Config
	log    *logrus.Entry
}

func New(cfg *config.Config) *Engine {
	cc := openai.DefaultConfig(cfg.InferenceAPIKey)
	cc.BaseURL = cfg.InferenceURL
	return &Engine{
		client: openai.NewClientWithConfig(cc),
		cfg:    cfg,
		log:    logrus.WithField("component", "predictor"),
	}
}

// NewWithClient wires a custom chat client, used by tests.
func NewWithClient(client chatClient, cfg *config.Config) *Engine {
	return &Engine{client: client, cfg: cfg, log: logrus.WithField("component", "predictor")}
}

// Predict asks the model for the ideal replica count for the next window.
// Malformed JSON is retried up to maxAttempts times with the parse error
// fed back so the model can self-correct. Failures come back as a
// *models.PredictionError; the caller decides how to degrade.
func (e *Engine) Predict(ctx context.Context, history []models.AggregatedMetrics, currentReplicas int) (models.ScalingDecision, *models.Prediction, error) {
	if len(history) == 0 {
		return models.ScalingDecision{}, nil, &models.PredictionError{
			Reason: models.PredictionUnavailable,
			Err:    errors.New("no metrics history to predict from"),
		}
	}

	base := e.computeBaseline(history, currentReplicas)
	e.log.WithFields(logrus.Fields{
		"baseline":  base.Replicas,
		"cpu_ratio": fmt.Sprintf("%.3f", base.CPURatio),
		"mem_ratio": fmt.Sprintf("%.3f", base.MemRatio),
	}).Debug("computed formula baseline for prompt")

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(e.cfg)},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt(history, currentReplicas, base)},
	}

	var lastParseErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.InferenceTimeout)
		resp, err := e.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
			Model:       e.cfg.InferenceModel,
			Messages:    messages,
			Temperature: 0,
			MaxTokens:   200,
		})
		cancel()
		if err != nil {
			reason := models.PredictionUnavailable
			if errors.Is(err, context.DeadlineExceeded) {
				reason = models.PredictionTimeout
			}
			return models.ScalingDecision{}, nil, &models.PredictionError{Reason: reason, Err: err}
		}
		if len(resp.Choices) == 0 {
			return models.ScalingDecision{}, nil, &models.PredictionError{
				Reason: models.PredictionMalformedResponse,
				Err:    errors.New("response contained no choices"),
			}
		}

		raw := resp.Choices[0].Message.Content
		pred, parseErr := ParsePrediction(raw)
		if parseErr != nil {
			e.log.WithError(parseErr).Warnf("attempt %d/%d: bad JSON from model", attempt, maxAttempts)
			lastParseErr = parseErr
			// Feed the error back so the model can self-correct.
			messages = append(messages,
				openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: raw},
				openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
					"Your previous response was not valid JSON. Error: %v\nReply ONLY with the corrected JSON object, nothing else.", parseErr)},
			)
			continue
		}

		return e.toDecision(pred), pred, nil
	}

	return models.ScalingDecision{}, nil, &models.PredictionError{
		Reason: models.PredictionMalformedResponse,
		Err:    fmt.Errorf("no valid JSON after %d attempts: %w", maxAttempts, lastParseErr),
	}
}

// toDecision folds a validated prediction into a decision, clamping an
// out-of-bounds recommendation rather than rejecting it and recording the
// clamp in the rationale.
func (e *Engine) toDecision(pred *models.Prediction) models.ScalingDecision {
	desired := pred.RecommendedReplicas
	rationale := pred.Reasoning
	if desired < e.cfg.MinReplicas {
		rationale = fmt.Sprintf("%s (clamped from %d to min %d)", rationale, desired, e.cfg.MinReplicas)
		desired = e.cfg.MinReplicas
	} else if desired > e.cfg.MaxReplicas {
		rationale = fmt.Sprintf("%s (clamped from %d to max %d)", rationale, desired, e.cfg.MaxReplicas)
		desired = e.cfg.MaxReplicas
	}
	return models.ScalingDecision{
		Source:          models.SourceAI,
		DesiredReplicas: desired,
		Rationale:       rationale,
		Confidence:      pred.Confidence,
	}
}

// computeBaseline runs the HPA formula over the most recent history rows
// so the prompt carries reliable arithmetic instead of asking the model to
// divide.
func (e *Engine) computeBaseline(history []models.AggregatedMetrics, currentReplicas int) baseline {
	recent := history
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}

	var cpuSum, memSum float64
	for _, m := range recent {
		cpuSum += m.AvgCPUMillicores
		memSum += m.AvgMemoryMebibytes
	}
	n := float64(len(recent))
	avgCPU := cpuSum / n
	avgMem := memSum / n

	last := recent[len(recent)-1]
	cpuRatio, memRatio := 1.0, 1.0
	if target := last.CPURequestMillicores * e.cfg.CPUTarget(); target > 0 {
		cpuRatio = avgCPU / target
	}
	if target := last.MemoryRequestMebibytes * e.cfg.MemoryTarget(); target > 0 {
		memRatio = avgMem / target
	}

	raw := int(math.Ceil(float64(currentReplicas) * math.Max(cpuRatio, memRatio)))
	if raw < e.cfg.MinReplicas {
		raw = e.cfg.MinReplicas
	}
	if raw > e.cfg.MaxReplicas {
		raw = e.cfg.MaxReplicas
	}

	return baseline{
		Replicas: raw,
		AvgCPU:   avgCPU,
		AvgMem:   avgMem,
		CPURatio: cpuRatio,
		MemRatio: memRatio,
	}
}
