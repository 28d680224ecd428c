package envelope

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/errs"
)

func TestMakeInput(t *testing.T) {
	taskID := uuid.NewString()

	t.Run("valid input", func(t *testing.T) {
		in, err := MakeInput("backend.specialist", taskID, PhaseImplementation, map[string]interface{}{"k": "v"}, Context{})
		require.NoError(t, err)
		assert.Equal(t, "backend.specialist", in.AgentID)
		assert.Equal(t, taskID, in.TaskID)
	})

	t.Run("rejects malformed agent id", func(t *testing.T) {
		_, err := MakeInput("BackendSpecialist", taskID, PhaseImplementation, nil, Context{})
		require.Error(t, err)
		assert.True(t, errs.IsInvalidContract(err))
	})

	t.Run("rejects non-uuid task id", func(t *testing.T) {
		_, err := MakeInput("backend.specialist", "not-a-uuid", PhaseImplementation, nil, Context{})
		require.Error(t, err)
		assert.True(t, errs.IsInvalidContract(err))
	})

	t.Run("rejects unknown phase", func(t *testing.T) {
		_, err := MakeInput("backend.specialist", taskID, Phase("bogus"), nil, Context{})
		require.Error(t, err)
	})
}

func TestMakeOutput(t *testing.T) {
	taskID := uuid.NewString()
	in, err := MakeInput("backend.specialist", taskID, PhaseImplementation, nil, Context{})
	require.NoError(t, err)

	t.Run("valid output matching input", func(t *testing.T) {
		out, err := MakeOutput(OutputParams{
			AgentID:    "backend.specialist",
			TaskID:     taskID,
			Success:    true,
			Reasoning:  "did the thing",
			Confidence: 0.8,
		}, &in)
		require.NoError(t, err)
		assert.Equal(t, in.AgentID, out.AgentID)
		assert.Equal(t, in.TaskID, out.TaskID)
	})

	t.Run("rejects mismatched agent id", func(t *testing.T) {
		_, err := MakeOutput(OutputParams{
			AgentID:    "other.agent",
			TaskID:     taskID,
			Reasoning:  "x",
			Confidence: 0.5,
		}, &in)
		require.Error(t, err)
		assert.True(t, errs.IsInvalidContract(err))
	})

	t.Run("rejects empty reasoning", func(t *testing.T) {
		_, err := MakeOutput(OutputParams{
			AgentID:    "backend.specialist",
			TaskID:     taskID,
			Confidence: 0.5,
		}, &in)
		require.Error(t, err)
	})

	t.Run("rejects out-of-range confidence", func(t *testing.T) {
		_, err := MakeOutput(OutputParams{
			AgentID:    "backend.specialist",
			TaskID:     taskID,
			Reasoning:  "x",
			Confidence: 1.5,
		}, &in)
		require.Error(t, err)
	})

	t.Run("rejects future timestamp", func(t *testing.T) {
		_, err := MakeOutput(OutputParams{
			AgentID:    "backend.specialist",
			TaskID:     taskID,
			Reasoning:  "x",
			Confidence: 0.5,
			Timestamp:  time.Now().Add(time.Hour),
		}, &in)
		require.Error(t, err)
	})
}

func TestContextAppendOnly(t *testing.T) {
	taskID := uuid.NewString()
	base := Context{}

	o1, err := MakeOutput(OutputParams{AgentID: "backend.specialist", TaskID: taskID, Reasoning: "r1", Confidence: 0.5}, nil)
	require.NoError(t, err)

	c1, err := base.AddOutput(o1)
	require.NoError(t, err)
	assert.Len(t, c1.PreviousOutputs, 1)
	assert.Empty(t, base.PreviousOutputs, "original context must be unmodified")

	o2, err := MakeOutput(OutputParams{
		AgentID: "backend.specialist", TaskID: taskID, Reasoning: "r2", Confidence: 0.6,
		Timestamp: o1.Timestamp.Add(time.Second),
	}, nil)
	require.NoError(t, err)

	c2, err := c1.AddOutput(o2)
	require.NoError(t, err)
	assert.Len(t, c2.PreviousOutputs, 2)
	assert.Equal(t, &o2, c2.LatestOutput())

	t.Run("rejects non-monotonic timestamp", func(t *testing.T) {
		stale, err := MakeOutput(OutputParams{
			AgentID: "backend.specialist", TaskID: taskID, Reasoning: "stale", Confidence: 0.1,
			Timestamp: o1.Timestamp.Add(-time.Hour),
		}, nil)
		require.NoError(t, err)
		_, err = c2.AddOutput(stale)
		require.Error(t, err)
		assert.True(t, errs.IsInvalidContract(err))
	})

	t.Run("add feedback preserves order and immutability", func(t *testing.T) {
		f1 := c2.AddFeedback("first")
		f2 := f1.AddFeedback("second")
		assert.Equal(t, []string{"first"}, f1.CumulativeFeedback)
		assert.Equal(t, []string{"first", "second"}, f2.CumulativeFeedback)
	})
}
