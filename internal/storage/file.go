package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "prayerlock/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.<bucket>.json  (one JSON object per bucket: key -> raw value)
//
// Every write rewrites the bucket file through a temp file + rename, so readers
// (including the out-of-process monitor) never observe a partial document.
type fileStore struct {
	log    logx.Logger
	prefix string

	mu      sync.Mutex
	buckets map[string]map[string]json.RawMessage
	closed  bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:     log,
		prefix:  filepath.Join(dir, base),
		buckets: map[string]map[string]json.RawMessage{},
	}, nil
}

func (s *fileStore) bucketPath(bucket string) string {
	return s.prefix + "." + bucket + ".json"
}

// loadLocked returns the cached bucket, reading it from disk on first use.
func (s *fileStore) loadLocked(bucket string) (map[string]json.RawMessage, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if m, ok := s.buckets[bucket]; ok {
		return m, nil
	}
	m := map[string]json.RawMessage{}
	b, err := os.ReadFile(s.bucketPath(bucket))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(b) > 0:
		if err := json.Unmarshal(b, &m); err != nil {
			// A corrupt bucket is treated as empty; the next write replaces it.
			s.log.Warn("bucket file unreadable; starting empty", logx.String("bucket", bucket), logx.Err(err))
			m = map[string]json.RawMessage{}
		}
	}
	s.buckets[bucket] = m
	return m, nil
}

func (s *fileStore) flushLocked(bucket string, m map[string]json.RawMessage) error {
	path := s.bucketPath(bucket)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(bucket)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	_ = ctx
	if !json.Valid(value) {
		return fmt.Errorf("file store: value for %s/%s is not valid JSON", bucket, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(bucket)
	if err != nil {
		return err
	}
	m[key] = append(json.RawMessage(nil), value...)
	return s.flushLocked(bucket, m)
}

func (s *fileStore) Delete(ctx context.Context, bucket string, keys ...string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(bucket)
	if err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := m[k]; ok {
			delete(m, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.flushLocked(bucket, m)
}

func (s *fileStore) Keys(ctx context.Context, bucket string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadLocked(bucket)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.buckets = nil
	s.mu.Unlock()
	return nil
}
