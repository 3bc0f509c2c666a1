package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// PayloadCache is a bounded in-memory cache of reconstructed payloads keyed
// by session handle. Finalized sessions are immutable, so entries never go
// stale; capacity is the only eviction pressure.
type PayloadCache struct {
	entries *lru.Cache[string, []byte]
}

// NewPayloadCache creates a cache holding at most capacity payloads.
func NewPayloadCache(capacity int) (*PayloadCache, error) {
	entries, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &PayloadCache{entries: entries}, nil
}

// Get returns the cached payload for a session handle, if present.
func (c *PayloadCache) Get(handle string) ([]byte, bool) {
	return c.entries.Get(handle)
}

// Add stores a payload under its session handle.
func (c *PayloadCache) Add(handle string, payload []byte) {
	c.entries.Add(handle, payload)
}

// Len returns the number of cached payloads.
func (c *PayloadCache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached payload.
func (c *PayloadCache) Purge() {
	c.entries.Purge()
}
