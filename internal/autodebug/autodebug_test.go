package autodebug

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/aiclient"
)

type fakeAI struct{ pattern string }

func (f fakeAI) ScoreArtifact(context.Context, string, string) (aiclient.ScoreResult, error) {
	return aiclient.ScoreResult{}, nil
}

func (f fakeAI) ClassifyError(context.Context, string, string) (aiclient.ClassificationResult, error) {
	return aiclient.ClassificationResult{Pattern: f.pattern, Confidence: 0.9}, nil
}

func TestClassifyOrderedRules(t *testing.T) {
	assert.Equal(t, PatternSyntax, Classify("SyntaxError: unexpected EOF while parsing"))
	assert.Equal(t, PatternType, Classify("TypeError: cannot convert str to int"))
	assert.Equal(t, PatternName, Classify("NameError: 'foo' is not defined"))
	assert.Equal(t, PatternNull, Classify("NullPointerException at line 4"))
	assert.Equal(t, PatternImport, Classify("ImportError: No module named 'requests'"))
	assert.Equal(t, PatternLogic, Classify("AssertionError: expected 4 got 5"))
	assert.Equal(t, PatternUnknown, Classify("some unrecognized failure"))
}

func TestRunSucceedsOnSyntaxError(t *testing.T) {
	sm, err := New(t.TempDir(), "", nil)
	require.NoError(t, err)

	taskID := uuid.NewString()
	session, err := sm.Run(taskID, "func handler( {\n return nil\n}", "SyntaxError: unexpected EOF while parsing", "unbalanced parens", 5)
	require.NoError(t, err)

	assert.True(t, session.Success)
	assert.False(t, session.Escalated)
	assert.Equal(t, 1, session.TotalIterations)
	assert.Contains(t, strings.ToLower(session.RepairSummary), "syntax")
	require.NoError(t, session.Validate())
}

func TestRunEscalatesOnLogicError(t *testing.T) {
	sm, err := New(t.TempDir(), "", nil)
	require.NoError(t, err)

	taskID := uuid.NewString()
	session, err := sm.Run(taskID, "func add(a, b int) int { return a - b }", "AssertionError: expected 4 got -4", "wrong result", 5)
	require.NoError(t, err)

	assert.False(t, session.Success)
	assert.True(t, session.Escalated)
	assert.Equal(t, 5, session.TotalIterations)
	require.NotNil(t, session.EscalationContext)
	assert.Len(t, session.EscalationContext.AttemptedRepairs, 5)
	assert.NotEmpty(t, session.EscalationContext.Reason)
	require.NoError(t, session.Validate())
}

func TestRunClampsMaxIterationsToCap(t *testing.T) {
	sm, err := New(t.TempDir(), "", nil)
	require.NoError(t, err)

	session, err := sm.Run(uuid.NewString(), "bad code", "AssertionError", "x", 999)
	require.NoError(t, err)
	assert.Equal(t, MaxIterations, session.TotalIterations)
}

func TestClassifyFallsBackToAIOnlyWhenUnknown(t *testing.T) {
	sm, err := New(t.TempDir(), "", nil)
	require.NoError(t, err)
	sm.AI = fakeAI{pattern: "logic"}

	assert.Equal(t, PatternLogic, sm.classify(context.Background(), "some unrecognized failure", "x"))
	assert.Equal(t, PatternSyntax, sm.classify(context.Background(), "SyntaxError: unexpected EOF", "x"))
}

func TestSessionValidateCatchesBrokenInvariant(t *testing.T) {
	s := Session{TaskID: "t", Success: true, Escalated: true}
	require.Error(t, s.Validate())
}
