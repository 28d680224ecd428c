package feedback

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAccumulatesInOrder(t *testing.T) {
	acc, err := New(t.TempDir(), 1000, "", nil)
	require.NoError(t, err)

	taskID := uuid.NewString()
	_, err = acc.Add(taskID, "first pass needs tests", 1, 0.5, "backend.specialist", nil)
	require.NoError(t, err)
	h, err := acc.Add(taskID, "second pass looks better", 2, 0.7, "backend.specialist", nil)
	require.NoError(t, err)

	require.Len(t, h.Records, 2)
	assert.Equal(t, "first pass needs tests", h.Records[0].Feedback)
	assert.Equal(t, "second pass looks better", h.Records[1].Feedback)
}

func TestAddRejectsEmptyFeedback(t *testing.T) {
	acc, err := New(t.TempDir(), 1000, "", nil)
	require.NoError(t, err)
	_, err = acc.Add(uuid.NewString(), "", 1, 0.5, "backend.specialist", nil)
	require.Error(t, err)
}

func TestGetCumulativeLimitsToMostRecent(t *testing.T) {
	acc, err := New(t.TempDir(), 1000, "", nil)
	require.NoError(t, err)
	taskID := uuid.NewString()

	for i := 1; i <= 5; i++ {
		_, err := acc.Add(taskID, "feedback "+string(rune('0'+i)), i, 0.5, "backend.specialist", nil)
		require.NoError(t, err)
	}

	recent, err := acc.GetCumulative(taskID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "feedback 4", recent[0])
	assert.Equal(t, "feedback 5", recent[1])

	all, err := acc.GetCumulative(taskID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestArchiveMovesAndMarks(t *testing.T) {
	acc, err := New(t.TempDir(), 1000, "", nil)
	require.NoError(t, err)
	taskID := uuid.NewString()

	_, err = acc.Add(taskID, "some feedback", 1, 0.5, "backend.specialist", nil)
	require.NoError(t, err)
	require.NoError(t, acc.Archive(taskID))

	// After archival, a fresh Add starts a new active history.
	h, err := acc.Add(taskID, "post-archive feedback", 1, 0.6, "backend.specialist", nil)
	require.NoError(t, err)
	assert.Len(t, h.Records, 1)
	assert.False(t, h.Archived)
}
