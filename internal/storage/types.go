package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: closed")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a key-value store with optional per-key expiry.
type Store interface {
	// Get decodes the value for key into dst. It reports false for missing
	// or expired keys.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set stores v under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Unset(ctx context.Context, key string) error
	// Sync persists pending state and drops expired keys.
	Sync(ctx context.Context) error
	Close() error
}

// Lookup returns the value for key or ErrNotFound.
func Lookup[T any](ctx context.Context, s Store, key string) (T, error) {
	var v T
	ok, err := s.Get(ctx, key, &v)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// GetOr returns the value for key, or def when missing.
func GetOr[T any](ctx context.Context, s Store, key string, def T) (T, error) {
	v, err := Lookup[T](ctx, s, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func expired(exp int64, now time.Time) bool {
	return exp > 0 && exp <= now.UnixMilli()
}

func encode(key string, v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", key, err)
	}
	return b, nil
}

func decode(key string, raw []byte, dst any) error {
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}
