package channel

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/envelope"
)

func TestSendReceiveFIFO(t *testing.T) {
	ch, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	taskID := uuid.NewString()
	in1, err := envelope.MakeInput("backend.specialist", taskID, envelope.PhaseImplementation, map[string]interface{}{"n": 1}, envelope.Context{})
	require.NoError(t, err)
	in2, err := envelope.MakeInput("backend.specialist", taskID, envelope.PhaseImplementation, map[string]interface{}{"n": 2}, envelope.Context{})
	require.NoError(t, err)

	_, err = ch.Send(in1, "coordinator")
	require.NoError(t, err)
	_, err = ch.Send(in2, "coordinator")
	require.NoError(t, err)

	first := ch.Receive("backend.specialist")
	require.NotNil(t, first)
	assert.Equal(t, float64(1), first.InputData["n"])

	second := ch.Receive("backend.specialist")
	require.NotNil(t, second)
	assert.Equal(t, float64(2), second.InputData["n"])

	assert.Nil(t, ch.Receive("backend.specialist"))
}

func TestRespondAuditsWellFormedOutput(t *testing.T) {
	ch, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	taskID := uuid.NewString()
	out, err := envelope.MakeOutput(envelope.OutputParams{
		AgentID: "backend.specialist", TaskID: taskID, Success: true, Reasoning: "ok", Confidence: 0.9,
	}, nil)
	require.NoError(t, err)

	msgID, err := ch.Respond(out, "frontend.specialist")
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)
}

func TestHandoffAndExportAuditTrail(t *testing.T) {
	ch, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	taskID := uuid.NewString()
	in, err := envelope.MakeInput("backend.specialist", taskID, envelope.PhaseImplementation, nil, envelope.Context{})
	require.NoError(t, err)
	_, err = ch.Send(in, "coordinator")
	require.NoError(t, err)

	out, err := envelope.MakeOutput(envelope.OutputParams{
		AgentID: "backend.specialist", TaskID: taskID, Success: true, Reasoning: "done", Confidence: 0.9,
	}, nil)
	require.NoError(t, err)
	ctxWithOutput, err := envelope.Context{}.AddOutput(out)
	require.NoError(t, err)

	_, err = ch.Respond(out, "frontend.specialist")
	require.NoError(t, err)

	handoffID, err := ch.Handoff("backend.specialist", "frontend.specialist", ctxWithOutput, "backend complete")
	require.NoError(t, err)
	assert.NotEmpty(t, handoffID)

	path, err := ch.ExportAuditTrail(taskID)
	require.NoError(t, err)
	assert.FileExists(t, path)
}
