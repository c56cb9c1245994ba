package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type record struct {
	Value json.RawMessage `json:"value"`
	Exp   int64           `json:"exp,omitempty"` // unix milli, 0 = never
}

// table is the map shared by the memory and file drivers. Callers lock.
type table map[string]record

func (t table) get(key string, now time.Time) (record, bool) {
	r, ok := t[key]
	if !ok {
		return record{}, false
	}
	if expired(r.Exp, now) {
		delete(t, key)
		return record{}, false
	}
	return r, true
}

func (t table) prune(now time.Time) int {
	n := 0
	for k, r := range t {
		if expired(r.Exp, now) {
			delete(t, k)
			n++
		}
	}
	return n
}

type memoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	data   table
	closed bool
}

// NewMemory returns a process-local store. now may be nil.
func NewMemory(now func() time.Time) Store {
	if now == nil {
		now = time.Now
	}
	return &memoryStore{now: now, data: table{}}
}

func (s *memoryStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	r, ok := s.data.get(key, s.now())
	if !ok {
		return false, nil
	}
	return true, decode(key, r.Value, dst)
}

func (s *memoryStore) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data[key] = record{Value: raw, Exp: expiry(s.now(), ttl)}
	return nil
}

func (s *memoryStore) Unset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data.prune(s.now())
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
