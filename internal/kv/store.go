// Package kv provides the durable key-value store used by the registration
// cache: plain keys with optional TTL, FIFO queue primitives, and
// publish/subscribe change channels.
package kv

import (
	"context"
	"time"
)

// Store is the storage contract shared by every component. It is constructed
// once and injected, so tests can substitute the in-memory implementation.
//
// Reads report an expected miss as ("", false, nil); an error means the store
// itself failed.
type Store interface {
	// Get retrieves a single key.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores a key with indefinite retention.
	Put(ctx context.Context, key, value string) error
	// PutTTL stores a key that expires after ttl.
	PutTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all key-value pairs under the given prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)

	// RPush appends a value to the tail of the named queue.
	RPush(ctx context.Context, queue, value string) error
	// LPop removes and returns the head of the named queue (FIFO).
	LPop(ctx context.Context, queue string) (string, bool, error)
	// QueueLen returns the current depth of the named queue.
	QueueLen(ctx context.Context, queue string) (int64, error)

	// Publish sends a message on the named channel. Delivery is at-most-once
	// and unordered across channels.
	Publish(ctx context.Context, channel, message string) error
	// Subscribe registers a handler for the named channel and returns a
	// function that cancels the subscription.
	Subscribe(ctx context.Context, channel string, handler func(message string)) (func(), error)

	// Ping verifies connectivity to the store.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
