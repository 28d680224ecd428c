package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/aiclient"
	"github.com/conductorhq/conductor/internal/envelope"
)

type fakeAI struct {
	score float64
}

func (f fakeAI) ScoreArtifact(_ context.Context, dimension, _ string) (aiclient.ScoreResult, error) {
	return aiclient.ScoreResult{Score: f.score, Reasoning: "fake assist for " + dimension}, nil
}

func (f fakeAI) ClassifyError(_ context.Context, _, _ string) (aiclient.ClassificationResult, error) {
	return aiclient.ClassificationResult{}, nil
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(ReferenceScorer{}, Weights{Completeness: 0.5, ConstitutionalCompliance: 0.5, TestCoverage: 0.5, SpecAlignment: 0.5}, 0.8, nil, t.TempDir(), nil)
	require.Error(t, err)
}

func TestInvokeSufficientDecision(t *testing.T) {
	v, err := New(ReferenceScorer{}, DefaultWeights(), 0.1, nil, t.TempDir(), nil)
	require.NoError(t, err)

	artifact := `
## Overview
This document describes the system.
## Requirements
The system must satisfy these invariants and constraints per policy.
## Implementation
func Handle() {}
## Testing
func TestHandle(t *testing.T) {}
`
	path := writeArtifact(t, artifact)
	taskID := uuid.NewString()
	in, err := envelope.MakeInput("verifier.specialist", taskID, envelope.PhaseImplementation,
		map[string]interface{}{"artifact_path": path}, envelope.Context{})
	require.NoError(t, err)

	out, err := v.Invoke(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "sufficient", out.OutputData["decision"])
}

func TestInvokeInsufficientHasFeedback(t *testing.T) {
	v, err := New(ReferenceScorer{}, DefaultWeights(), 0.99, nil, t.TempDir(), nil)
	require.NoError(t, err)

	path := writeArtifact(t, "barely anything here")
	taskID := uuid.NewString()
	in, err := envelope.MakeInput("verifier.specialist", taskID, envelope.PhaseImplementation,
		map[string]interface{}{"artifact_path": path}, envelope.Context{})
	require.NoError(t, err)

	out, err := v.Invoke(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "insufficient", out.OutputData["decision"])
	feedback, ok := out.OutputData["feedback"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, feedback)
}

func TestAIAssistedScorerBlendsAndFallsBack(t *testing.T) {
	scorer := AIAssistedScorer{Base: ReferenceScorer{}, AI: fakeAI{score: 1.0}}
	dims, _, _, passed, err := scorer.Score(context.Background(), "## Overview\n## Requirements\n## Implementation\n## Testing\nmust satisfy invariant", "")
	require.NoError(t, err)
	assert.Greater(t, dims[DimensionConstitutionalCompliance], 0.5)
	found := false
	for _, p := range passed {
		if p == "ai assist (constitutional_compliance): fake assist for constitutional_compliance" {
			found = true
		}
	}
	assert.True(t, found)

	fallback := AIAssistedScorer{Base: ReferenceScorer{}, AI: nil}
	dims2, _, _, _, err := fallback.Score(context.Background(), "plain text", "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, dims2[DimensionConstitutionalCompliance])
}
