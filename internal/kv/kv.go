// Package kv defines the shared volatile key/value store contract
// (component C, spec.md §4.C) that RateLimiter is backed by: atomic
// increment with TTL, key scan, delete. It is an external collaborator
// to the rest of the domain — the redis implementation here is the one
// concrete adapter this repo ships.
package kv

import "context"

// KV is the contract RateLimiter depends on.
type KV interface {
	// IncrWithTTL atomically increments key by 1 and returns the new value.
	// On the 0→1 transition it sets the key's TTL to ttl.
	IncrWithTTL(ctx context.Context, key string, ttl int64) (int64, error)

	// Get returns the current integer value of key, or (0, false, nil) if absent.
	Get(ctx context.Context, key string) (int64, bool, error)

	// Scan returns all keys matching the given prefix (glob-style, prefix+"*").
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Del removes a key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases underlying connections.
	Close() error
}
