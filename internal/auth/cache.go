// Package auth keeps the API tokens accepted by the service and their rate limits.
package auth

import (
	"errors"
	"sync"
)

var (
	// ErrInvalidAPIKey signals that the provided API key is not known.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrTokenStoreNotReady signals that tokens have not been loaded yet,
	// typically because the database was unreachable at startup.
	ErrTokenStoreNotReady = errors.New("token store not ready")
)

// Entry is the per-token configuration.
type Entry struct {
	RateLimit int
}

// Cache is an in-memory snapshot of the token table.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCache returns an empty cache that is not ready until the first Replace.
func NewCache() *Cache {
	return &Cache{}
}

// Replace swaps the whole snapshot.
func (c *Cache) Replace(entries map[string]Entry) {
	snapshot := make(map[string]Entry, len(entries))
	for k, v := range entries {
		snapshot[k] = v
	}
	c.mu.Lock()
	c.entries = snapshot
	c.mu.Unlock()
}

// ReplaceLimits is a shorthand for tests and local setups.
func (c *Cache) ReplaceLimits(limits map[string]int) {
	entries := make(map[string]Entry, len(limits))
	for k, v := range limits {
		entries[k] = Entry{RateLimit: v}
	}
	c.Replace(entries)
}

// Ready reports whether the cache has been loaded at least once.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries != nil
}

// Validate reports whether token is known.
func (c *Cache) Validate(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[token]
	return ok
}

// RateLimit returns the limit for token, or 0 (unlimited) when unknown.
func (c *Cache) RateLimit(token string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[token].RateLimit
}

// Check validates token against the cache, returning the error the key-auth
// middleware should surface.
func (c *Cache) Check(token string) error {
	if !c.Ready() {
		return ErrTokenStoreNotReady
	}
	if !c.Validate(token) {
		return ErrInvalidAPIKey
	}
	return nil
}
