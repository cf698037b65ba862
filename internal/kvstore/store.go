// Package kvstore defines the keyed store with TTL eviction used for state
// that must survive restarts and be shared between replicas: cycle state and
// rate-limit counters.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("kvstore: key not found")

// Store is a keyed store with explicit TTL eviction.
type Store interface {
	// Get returns the value stored under key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes keys. Missing keys are ignored.
	Invalidate(ctx context.Context, keys ...string) error
	// Incr atomically increments the counter under key, starting its TTL on
	// first increment, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// GetJSON decodes the JSON value stored under key into dst.
func GetJSON(ctx context.Context, s Store, key string, dst interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
