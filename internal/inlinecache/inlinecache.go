// Package inlinecache tracks the per-call-site method caches so that a
// method redefinition can invalidate exactly the sites it affects.
package inlinecache

import (
	"sync"
)

// A Cache is one call site's memo of where its selector last resolved.
// It is filled and consulted by the thread executing the site and flushed
// by whichever thread performs a redefinition, normally with the world
// stopped.
type Cache struct {
	selector string

	mu     sync.Mutex
	serial uint64
	target any
	filled bool
}

// NewCache returns an empty cache for the given selector.
func NewCache(selector string) *Cache {
	return &Cache{selector: selector}
}

// Selector returns the selector this call site dispatches.
func (c *Cache) Selector() string {
	return c.selector
}

// Update records where the selector resolved, memoized against the given
// serial (the shared state's redefinition serial).
func (c *Cache) Update(serial uint64, target any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serial = serial
	c.target = target
	c.filled = true
}

// Get returns the memoized target if the cache is filled for the given
// serial.
func (c *Cache) Get(serial uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.filled || c.serial != serial {
		return nil, false
	}
	return c.target, true
}

// Flush empties the cache; the next dispatch through this site misses.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serial = 0
	c.target = nil
	c.filled = false
}

// Registry indexes every live call-site cache by selector.
type Registry struct {
	mu     sync.Mutex
	byName map[string]map[*Cache]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]map[*Cache]struct{})}
}

// Add registers a call-site cache.
func (r *Registry) Add(c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byName[c.selector]
	if set == nil {
		set = make(map[*Cache]struct{})
		r.byName[c.selector] = set
	}
	set[c] = struct{}{}
}

// Remove forgets a call-site cache, normally because the code holding it
// was discarded.
func (r *Registry) Remove(c *Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byName[c.selector]
	delete(set, c)
	if len(set) == 0 {
		delete(r.byName, c.selector)
	}
}

// FlushName flushes every registered cache for the selector and returns
// how many sites were hit.
func (r *Registry) FlushName(selector string) int {
	r.mu.Lock()
	caches := make([]*Cache, 0, len(r.byName[selector]))
	for c := range r.byName[selector] {
		caches = append(caches, c)
	}
	r.mu.Unlock()

	for _, c := range caches {
		c.Flush()
	}
	return len(caches)
}

// SiteCount returns the number of registered call sites for the selector.
func (r *Registry) SiteCount(selector string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName[selector])
}
