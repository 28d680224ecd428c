package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// fakeRedisClient is an in-memory stand-in for RedisClient so RemoteStore's
// load/save/delete contract can be exercised without a live Redis instance.
type fakeRedisClient struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{data: map[string]string{}}
}

func (f *fakeRedisClient) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", ErrRedisNil
	}
	return v, nil
}

func (f *fakeRedisClient) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeRedisClient) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

var _ RedisClient = (*fakeRedisClient)(nil)

func TestRemoteStoreSaveLoadRoundTrip(t *testing.T) {
	rs := NewRemoteStore(newFakeRedisClient(), "conductor:test", nil)
	want := sample{Name: "remote", Count: 7}
	require.NoError(t, rs.Save("task-1", want))

	var got sample
	found, err := rs.Load("task-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestRemoteStoreLoadMissingIsFreshState(t *testing.T) {
	rs := NewRemoteStore(newFakeRedisClient(), "conductor:test", nil)
	var dst sample
	found, err := rs.Load("nonexistent-task", &dst)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteStoreDeleteRemovesKey(t *testing.T) {
	rs := NewRemoteStore(newFakeRedisClient(), "conductor:test", nil)
	require.NoError(t, rs.Save("task-1", sample{Name: "x"}))
	require.NoError(t, rs.Delete("task-1"))

	var dst sample
	found, err := rs.Load("task-1", &dst)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteStoreKeysAreNamespacedByPrefix(t *testing.T) {
	client := newFakeRedisClient()
	rs := NewRemoteStore(client, "conductor:refinement-state", nil)
	require.NoError(t, rs.Save("task-1", sample{Name: "v1"}))

	_, ok := client.data["conductor:refinement-state:task-1"]
	assert.True(t, ok)
}

func TestNewSelectsJSONStoreWhenRedisURLEmpty(t *testing.T) {
	st, err := New(t.TempDir(), "", "conductor:test", nil)
	require.NoError(t, err)
	_, ok := st.(*JSONStore)
	assert.True(t, ok)
}

func TestNewSelectsRemoteStoreWhenRedisURLSet(t *testing.T) {
	st, err := New(t.TempDir(), "redis://127.0.0.1:6399/0", "conductor:test", nil)
	require.NoError(t, err)
	_, ok := st.(*RemoteStore)
	assert.True(t, ok)
}

func TestNewRejectsMalformedRedisURL(t *testing.T) {
	_, err := New(t.TempDir(), "://not-a-url", "conductor:test", nil)
	require.Error(t, err)
}

func TestMoveSavesToDestAndDeletesSrc(t *testing.T) {
	dir := t.TempDir()
	src, err := NewJSONStore(filepath.Join(dir, "active"), nil)
	require.NoError(t, err)
	dst, err := NewJSONStore(filepath.Join(dir, "archive"), nil)
	require.NoError(t, err)

	doc := sample{Name: "moved", Count: 9}
	require.NoError(t, src.Save("task-1", doc))
	require.NoError(t, Move(src, dst, "task-1", doc))

	var gone sample
	found, err := src.Load("task-1", &gone)
	require.NoError(t, err)
	assert.False(t, found)

	var got sample
	found, err = dst.Load("task-1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc, got)
}

func TestJSONStoreLoadMissingIsFreshState(t *testing.T) {
	s, err := NewJSONStore(t.TempDir(), nil)
	require.NoError(t, err)

	var dst sample
	found, err := s.Load("nonexistent-task", &dst)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, sample{}, dst)
}

func TestJSONStoreSaveLoadRoundTrip(t *testing.T) {
	s, err := NewJSONStore(t.TempDir(), nil)
	require.NoError(t, err)

	want := sample{Name: "refinement-state", Count: 3}
	require.NoError(t, s.Save("task-1", want))

	var got sample
	found, err := s.Load("task-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestJSONStoreSaveIsWholeFileReplace(t *testing.T) {
	s, err := NewJSONStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Save("task-1", sample{Name: "v1", Count: 1}))
	require.NoError(t, s.Save("task-1", sample{Name: "v2", Count: 2}))

	var got sample
	found, err := s.Load("task-1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sample{Name: "v2", Count: 2}, got)
}

func TestJSONStoreArchiveMovesNotMutates(t *testing.T) {
	dir := t.TempDir()
	active, err := NewJSONStore(filepath.Join(dir, "feedback"), nil)
	require.NoError(t, err)
	archived, err := NewJSONStore(filepath.Join(dir, "feedback", "archive"), nil)
	require.NoError(t, err)

	require.NoError(t, active.Save("task-1", sample{Name: "history", Count: 1001}))
	require.NoError(t, active.Archive("task-1", archived))

	var gone sample
	found, err := active.Load("task-1", &gone)
	require.NoError(t, err)
	assert.False(t, found, "archived document must no longer be present in the active store")

	var got sample
	found, err = archived.Load("task-1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sample{Name: "history", Count: 1001}, got)
}

func TestJSONStoreAppendLine(t *testing.T) {
	s, err := NewJSONStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.AppendLine("messages.jsonl", []byte(`{"id":"1"}`)))
	require.NoError(t, s.AppendLine("messages.jsonl", []byte(`{"id":"2"}`)))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "messages.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":\"1\"}\n{\"id\":\"2\"}\n", string(data))
}
