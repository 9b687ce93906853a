package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var errStoreClosed = errors.New("memory store is closed")

// MemoryStore is a mutex-guarded in-memory Store used by tests and
// single-node development runs. Handlers registered with Subscribe are
// invoked synchronously from Publish.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	queues  map[string][]string
	subs    map[string]map[int]func(string)
	nextSub int
	closed  bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		queues:  make(map[string][]string),
		subs:    make(map[string]map[int]func(string)),
	}
}

func (s *MemoryStore) getEntry(key string) (string, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return entry.value, true
}

// Get retrieves a single key
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.getEntry(key)
	return value, ok, nil
}

// Put stores a key with indefinite retention
func (s *MemoryStore) Put(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value}
	return nil
}

// PutTTL stores a key that expires after ttl
func (s *MemoryStore) PutTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// List returns all key-value pairs under the given prefix, sorted by key
func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0)
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	pairs := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := s.getEntry(key); ok {
			pairs[key] = value
		}
	}
	return pairs, nil
}

// RPush appends a value to the tail of the named queue
func (s *MemoryStore) RPush(ctx context.Context, queue, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue] = append(s.queues[queue], value)
	return nil
}

// LPop removes and returns the head of the named queue
func (s *MemoryStore) LPop(ctx context.Context, queue string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.queues[queue]
	if len(items) == 0 {
		return "", false, nil
	}
	head := items[0]
	s.queues[queue] = items[1:]
	return head, true, nil
}

// QueueLen returns the current depth of the named queue
func (s *MemoryStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[queue])), nil
}

// Publish delivers a message to all handlers subscribed to the channel
func (s *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	s.mu.Lock()
	handlers := make([]func(string), 0, len(s.subs[channel]))
	for _, handler := range s.subs[channel] {
		handlers = append(handlers, handler)
	}
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(message)
	}
	return nil
}

// Subscribe registers a handler for the named channel
func (s *MemoryStore) Subscribe(ctx context.Context, channel string, handler func(message string)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]func(string))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[channel][id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[channel], id)
	}, nil
}

// Ping verifies the store has not been closed
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close marks the store as closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
