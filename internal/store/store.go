// Package store implements the whole-file JSON persistence primitives used
// by C4, C5, C6, C7, and C8 (C9 in spec terms): each task's state is exactly
// one document, writes are whole-file replacements, and readers tolerate a
// missing file by returning "fresh state".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
)

// Store is the minimal load/save/delete contract the refinement, routing,
// auto-debug, and feedback subsystems depend on (C9), satisfied by both the
// file-based JSONStore and the optional Redis-backed RemoteStore so callers
// can select a backend from configuration without changing their own code.
type Store interface {
	Load(taskID string, dst interface{}) (bool, error)
	Save(taskID string, v interface{}) error
	Delete(taskID string) error
}

var (
	_ Store = (*JSONStore)(nil)
	_ Store = (*RemoteStore)(nil)
)

// New selects a Store implementation for a subsystem: a RemoteStore backed
// by Redis when redisURL is non-empty, otherwise a local JSONStore rooted at
// dir. keyPrefix namespaces Redis keys per subsystem (e.g.
// "conductor:refinement-state") so multiple subsystems can share one Redis
// instance without key collisions.
func New(dir, redisURL, keyPrefix string, logger logging.Logger) (Store, error) {
	if redisURL == "" {
		st, err := NewJSONStore(dir, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	adapter, err := NewGoRedisAdapterFromURL(redisURL)
	if err != nil {
		return nil, errs.New("store.New", "StoreUnavailable", "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return NewRemoteStore(adapter, keyPrefix, logger), nil
}

// Move migrates one task's document from src to dest — save the already
// loaded/updated value into dest, then delete it from src — regardless of
// whether either side is a JSONStore or a RemoteStore. Used by subsystems
// (e.g. feedback archival) that back onto a Store interface rather than a
// concrete JSONStore.
func Move(src, dest Store, taskID string, v interface{}) error {
	if err := dest.Save(taskID, v); err != nil {
		return err
	}
	return src.Delete(taskID)
}

// JSONStore persists one JSON document per task id under a directory. It is
// safe for concurrent use by multiple task ids; writes to the same task id
// are serialized.
type JSONStore struct {
	dir    string
	logger logging.Logger

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// NewJSONStore creates (if necessary) dir and returns a store rooted there.
func NewJSONStore(dir string, logger logging.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("store.NewJSONStore", "StoreUnavailable", "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return &JSONStore{dir: dir, logger: logger, fileLocks: make(map[string]*sync.Mutex)}, nil
}

func (s *JSONStore) lockFor(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.fileLocks[taskID] = l
	}
	return l
}

func (s *JSONStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Load reads and unmarshals the document for taskID into dst. If no document
// exists, Load returns (false, nil) and leaves dst untouched — the caller
// treats this as "fresh state".
func (s *JSONStore) Load(taskID string, dst interface{}) (found bool, err error) {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	b, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errs.New("store.Load", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, errs.New("store.Load", "StoreUnavailable", taskID, fmt.Errorf("%w: decode failed: %v", errs.ErrStoreUnavailable, err))
	}
	return true, nil
}

// Save whole-file-replaces the document for taskID. Writes go to a temp file
// in the same directory and are renamed into place so a reader never
// observes a partially-written document.
func (s *JSONStore) Save(taskID string, v interface{}) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.New("store.Save", "StoreUnavailable", taskID, fmt.Errorf("%w: encode failed: %v", errs.ErrStoreUnavailable, err))
	}

	final := s.path(taskID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errs.New("store.Save", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	if err := os.Rename(tmp, final); err != nil {
		return errs.New("store.Save", "StoreUnavailable", taskID, fmt.Errorf("%w: rename failed: %v", errs.ErrStoreUnavailable, err))
	}
	s.logger.Debug("state persisted", map[string]interface{}{"task_id": taskID, "path": final})
	return nil
}

// Delete removes the document for taskID, if present. A missing file is not
// an error.
func (s *JSONStore) Delete(taskID string) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.New("store.Delete", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return nil
}

// Archive moves the document for taskID from this store's directory into
// dest's directory — a move, never a mutation. If the source document does
// not exist, nothing is moved and an ErrStoreUnavailable-wrapped error is
// returned.
func (s *JSONStore) Archive(taskID string, dest *JSONStore) error {
	srcLock := s.lockFor(taskID)
	srcLock.Lock()
	defer srcLock.Unlock()
	dstLock := dest.lockFor(taskID)
	dstLock.Lock()
	defer dstLock.Unlock()

	src := s.path(taskID)
	dst := dest.path(taskID)
	if err := os.Rename(src, dst); err != nil {
		return errs.New("store.Archive", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return nil
}

// WriteText whole-file-writes a human-readable sidecar document (e.g. an
// escalation report) named <taskID><suffix> next to the JSON documents.
func (s *JSONStore) WriteText(taskID, suffix, content string) error {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir, taskID+suffix)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errs.New("store.WriteText", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return nil
}

// AppendLine appends one line to a shared append-only log file (used for
// the communication channel's messages.jsonl / handoffs.jsonl audit logs).
// A single mutex keyed by the file's own path serializes writers.
func (s *JSONStore) AppendLine(filename string, line []byte) error {
	lock := s.lockFor("__file__:" + filename)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.New("store.AppendLine", "StoreUnavailable", "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.New("store.AppendLine", "StoreUnavailable", "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return nil
}

// Dir returns the store's backing directory, primarily so export-style
// operations (export_audit_trail) can compute paths relative to it.
func (s *JSONStore) Dir() string { return s.dir }

// RemoteStore is the optional Redis-backed alternative to JSONStore, for
// deployments that want shared/durable state across multiple conductor
// processes rather than a local filesystem. It satisfies the same
// load-or-create / whole-value-replace contract using one Redis key per
// task id, grounded on the same JSON-blob-per-key shape used for the
// file-based store.
type RemoteStore struct {
	client RedisClient
	prefix string
	logger logging.Logger
}

// RedisClient is the minimal surface RemoteStore needs from a
// github.com/redis/go-redis/v9 *redis.Client, kept as an interface so tests
// can substitute a fake without a live Redis instance.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Del(ctx context.Context, key string) error
}

// NewRemoteStore wraps client with the prefix used for this subsystem's
// keys (e.g. "conductor:refinement-state").
func NewRemoteStore(client RedisClient, prefix string, logger logging.Logger) *RemoteStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RemoteStore{client: client, prefix: prefix, logger: logger}
}

func (r *RemoteStore) key(taskID string) string {
	return r.prefix + ":" + taskID
}

// Load mirrors JSONStore.Load: a missing key is "fresh state", not an error.
func (r *RemoteStore) Load(taskID string, dst interface{}) (bool, error) {
	v, err := r.client.Get(context.Background(), r.key(taskID))
	if err != nil {
		if errors.Is(err, ErrRedisNil) {
			return false, nil
		}
		return false, errs.New("store.RemoteStore.Load", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	if v == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return false, errs.New("store.RemoteStore.Load", "StoreUnavailable", taskID, fmt.Errorf("%w: decode failed: %v", errs.ErrStoreUnavailable, err))
	}
	return true, nil
}

// Save whole-value-replaces the Redis key for taskID.
func (r *RemoteStore) Save(taskID string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.New("store.RemoteStore.Save", "StoreUnavailable", taskID, fmt.Errorf("%w: encode failed: %v", errs.ErrStoreUnavailable, err))
	}
	if err := r.client.Set(context.Background(), r.key(taskID), string(b)); err != nil {
		return errs.New("store.RemoteStore.Save", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return nil
}

// Delete removes the Redis key for taskID, if present.
func (r *RemoteStore) Delete(taskID string) error {
	if err := r.client.Del(context.Background(), r.key(taskID)); err != nil {
		return errs.New("store.RemoteStore.Delete", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return nil
}

// ErrRedisNil mirrors redis.Nil so callers/tests can signal a cache-miss
// without importing the redis client package into this file directly.
var ErrRedisNil = errors.New("redis: nil")
