// Package aiclient is an optional LLM-backed assist for the reference
// verifier scorer and the auto-debug classifier. It is disabled unless
// CONDUCTOR_AI_ENABLED is set, and both callers fall back to their
// heuristic behavior whenever the client is nil or returns an error — AI
// assist can only raise confidence, never become a hard dependency.
package aiclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/conductorhq/conductor/internal/logging"
)

// ScoreResult is what the assist returns for a quality-scoring request.
type ScoreResult struct {
	Score      float64  `json:"score"`
	Reasoning  string   `json:"reasoning"`
	Weaknesses []string `json:"weaknesses,omitempty"`
}

// ClassificationResult is what the assist returns for an error
// classification request.
type ClassificationResult struct {
	Pattern    string `json:"pattern"`
	Reasoning  string `json:"reasoning"`
	Retryable  bool   `json:"retryable"`
	Confidence float64 `json:"confidence"`
}

// Client is the narrow surface the verifier and auto-debug packages need;
// concrete implementations wrap a real LLM provider.
type Client interface {
	ScoreArtifact(ctx context.Context, dimension, artifact string) (ScoreResult, error)
	ClassifyError(ctx context.Context, stackTrace, errorMessage string) (ClassificationResult, error)
}

// openAIClient implements Client over the OpenAI chat completions API.
type openAIClient struct {
	client openai.Client
	model  string
	logger logging.Logger
}

// New builds a Client if apiKey is non-empty; returns nil when AI assist is
// disabled so callers can treat a nil Client as "heuristics only".
func New(apiKey, model string, logger logging.Logger) Client {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &openAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger.WithComponent("conductor/aiclient"),
	}
}

const scorePrompt = `You are a strict quality reviewer scoring the %s dimension of an engineering artifact on a 0.0-1.0 scale. Respond with only a JSON object: {"score": <float>, "reasoning": "<one sentence>", "weaknesses": ["..."]}.

Artifact:
%s`

func (c *openAIClient) ScoreArtifact(ctx context.Context, dimension, artifact string) (ScoreResult, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(scorePrompt, dimension, artifact)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return ScoreResult{}, fmt.Errorf("aiclient: chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return ScoreResult{}, fmt.Errorf("aiclient: empty completion response")
	}

	var result ScoreResult
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &result); err != nil {
		return ScoreResult{}, fmt.Errorf("aiclient: malformed score response: %w", err)
	}
	if result.Score < 0 || result.Score > 1 {
		return ScoreResult{}, fmt.Errorf("aiclient: score %.2f out of range", result.Score)
	}
	return result, nil
}

const classifyPrompt = `Classify this program failure into exactly one pattern: syntax, type, name, null, import, logic, or unknown. Respond with only a JSON object: {"pattern": "<pattern>", "reasoning": "<one sentence>", "retryable": <bool>, "confidence": <float 0-1>}.

Error message: %s
Stack trace:
%s`

func (c *openAIClient) ClassifyError(ctx context.Context, stackTrace, errorMessage string) (ClassificationResult, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf(classifyPrompt, errorMessage, stackTrace)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("aiclient: chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return ClassificationResult{}, fmt.Errorf("aiclient: empty completion response")
	}

	var result ClassificationResult
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &result); err != nil {
		return ClassificationResult{}, fmt.Errorf("aiclient: malformed classification response: %w", err)
	}
	return result, nil
}
