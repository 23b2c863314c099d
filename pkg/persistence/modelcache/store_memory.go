package modelcache

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryStore mirrors the SQLite store semantics without persistence.
type InMemoryStore struct {
	mu        sync.Mutex
	entries   map[string]Entry
	watermark int64
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: map[string]Entry{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	if s == nil {
		return Entry{}, false, errors.New("in-memory model cache: nil store")
	}
	key = normalizeKey(key)
	if key == "" {
		return Entry{}, false, errors.New("in-memory model cache: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	e.Payload = append([]byte(nil), e.Payload...)
	return e, true, nil
}

func (s *InMemoryStore) Put(_ context.Context, e Entry) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory model cache: nil store")
	}
	e.Key = normalizeKey(e.Key)
	if e.Key == "" {
		return false, errors.New("in-memory model cache: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.InsertedAtMs <= s.watermark {
		return false, nil
	}
	if cur, ok := s.entries[e.Key]; ok && cur.InsertedAtMs >= e.InsertedAtMs {
		return false, nil
	}
	e.Payload = append([]byte(nil), e.Payload...)
	s.entries[e.Key] = e
	return true, nil
}

func (s *InMemoryStore) Clear(_ context.Context, atMs int64) error {
	if s == nil {
		return errors.New("in-memory model cache: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.InsertedAtMs <= atMs {
			delete(s.entries, k)
		}
	}
	if atMs > s.watermark {
		s.watermark = atMs
	}
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("in-memory model cache: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		e.Payload = append([]byte(nil), e.Payload...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
