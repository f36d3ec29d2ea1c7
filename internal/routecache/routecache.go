// Package routecache holds the in-memory authority -> backend-list mapping
// the proxy engine consults on every request. Writes come from the route
// refresher; reads come from request-handling goroutines and must never
// block behind a writer for long or observe a torn value.
package routecache

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/openaperture/go-router/internal/metrics"
)

// Backend is one upstream origin registered for an authority.
// Immutable once constructed.
type Backend struct {
	Host   string
	Port   int
	Secure bool
}

// Cache is the concurrent authority -> []Backend store described in spec.md §4.1.
// A write lock guards mutation; reads take a read lock, so concurrent Select
// calls never observe a partially-written slice.
type Cache struct {
	mu    sync.RWMutex
	table map[string][]Backend
	rng   *rand.Rand
	rngMu sync.Mutex
}

// New returns an empty route cache with a process-seeded random source for Select.
func New() *Cache {
	return &Cache{
		table: make(map[string][]Backend),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// normalize lower-cases the host portion of an authority for case-insensitive
// comparison while leaving the port exact, per spec.md §3.
func normalize(authority string) string {
	host, sep, port := strings.Cut(authority, ":")
	if !sep {
		return strings.ToLower(authority)
	}
	return strings.ToLower(host) + ":" + port
}

// Put atomically replaces the backend list for an authority. backends must be non-empty;
// an empty list is never stored (spec.md §3 invariant) — callers should call Delete instead.
func (c *Cache) Put(authority string, backends []Backend) {
	if len(backends) == 0 {
		return
	}
	stored := make([]Backend, len(backends))
	copy(stored, backends)

	c.mu.Lock()
	c.table[normalize(authority)] = stored
	n := len(c.table)
	c.mu.Unlock()

	metrics.SetRouteCacheAuthorities(n)
}

// Delete atomically removes an authority's entry, if present.
func (c *Cache) Delete(authority string) {
	c.mu.Lock()
	delete(c.table, normalize(authority))
	n := len(c.table)
	c.mu.Unlock()

	metrics.SetRouteCacheAuthorities(n)
}

// Get returns the backend list registered for an authority, or (nil, false) if absent.
// The returned slice is a defensive copy; mutating it does not affect the cache.
func (c *Cache) Get(authority string) ([]Backend, bool) {
	c.mu.RLock()
	backends, ok := c.table[normalize(authority)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make([]Backend, len(backends))
	copy(out, backends)
	return out, true
}

// Select returns a backend for an authority: none if no entry, the sole entry
// if there is exactly one, otherwise a uniformly random pick among them.
func (c *Cache) Select(authority string) (Backend, bool) {
	c.mu.RLock()
	backends, ok := c.table[normalize(authority)]
	c.mu.RUnlock()
	if !ok || len(backends) == 0 {
		return Backend{}, false
	}
	if len(backends) == 1 {
		return backends[0], true
	}

	c.rngMu.Lock()
	idx := c.rng.Intn(len(backends))
	c.rngMu.Unlock()
	return backends[idx], true
}

// Len returns the number of authorities currently registered.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}
