// Package lookup implements the process-wide method-resolution cache
// shared by every managed thread.
package lookup

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/minio/highwayhash"
	"golang.org/x/sync/singleflight"
)

// tableSize is the number of cache buckets. Must be a power of two.
const tableSize = 0x1000

// hashKey seeds the bucket hash. Arbitrary, but must stay stable for the
// life of the process so repeated lookups land in the same bucket.
var hashKey = [32]byte{
	0x62, 0x63, 0x67, 0x2f, 0x72, 0x75, 0x62, 0x69,
	0x6e, 0x69, 0x75, 0x73, 0x2f, 0x6c, 0x6f, 0x6f,
	0x6b, 0x75, 0x70, 0x2f, 0x67, 0x6c, 0x6f, 0x62,
	0x61, 0x6c, 0x63, 0x61, 0x63, 0x68, 0x65, 0x00,
}

// A Resolution records where a method lookup for a (class, selector)
// pair landed. The resolved method itself is opaque to the cache.
type Resolution struct {
	// Module identifies the module the method was found in, by serial.
	Module uint64

	// Method is the resolved executable.
	Method any

	// Public reports the resolved method's visibility.
	Public bool

	// MethodMissing is set when resolution fell through to the missing-
	// method path; callers dispatch differently on it.
	MethodMissing bool
}

type entry struct {
	class uint64
	name  string
	res   Resolution
	valid bool
}

// Cache is a fixed-size direct-mapped cache of method resolutions keyed
// by class serial and selector. Colliding keys evict each other; the
// cache trades precision for a bounded footprint and O(1) lookup.
type Cache struct {
	mu      sync.RWMutex
	entries [tableSize]entry
	group   singleflight.Group
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{}
}

func bucket(class uint64, name string) uint64 {
	buf := make([]byte, 8+len(name))
	binary.LittleEndian.PutUint64(buf, class)
	copy(buf[8:], name)
	return highwayhash.Sum64(buf, hashKey[:]) & (tableSize - 1)
}

// Lookup returns the cached resolution for (class, name), if any.
func (c *Cache) Lookup(class uint64, name string) (Resolution, bool) {
	i := bucket(class, name)
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := &c.entries[i]
	if !e.valid || e.class != class || e.name != name {
		return Resolution{}, false
	}
	return e.res, true
}

// Store records a resolution for (class, name), evicting whatever shared
// its bucket.
func (c *Cache) Store(class uint64, name string, res Resolution) {
	i := bucket(class, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[i] = entry{class: class, name: name, res: res, valid: true}
}

// Resolve returns the cached resolution for (class, name), running fn to
// fill the cache on a miss. Concurrent misses for the same key are
// collapsed into a single fn call; a failed fn leaves the cache
// untouched.
func (c *Cache) Resolve(class uint64, name string, fn func() (Resolution, error)) (Resolution, error) {
	if res, ok := c.Lookup(class, name); ok {
		return res, nil
	}
	key := strconv.FormatUint(class, 16) + ":" + name
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check: an earlier flight for this key may have filled the
		// bucket between our Lookup and the start of this flight.
		if res, ok := c.Lookup(class, name); ok {
			return res, nil
		}
		res, err := fn()
		if err != nil {
			return Resolution{}, err
		}
		c.Store(class, name, res)
		return res, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

// ClearByName drops every entry for the selector, for use when a method
// by that name is redefined anywhere.
func (c *Cache) ClearByName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].name == name {
			c.entries[i] = entry{}
		}
	}
}

// ClearByClass drops every entry for the class serial, for use when the
// class's method table or ancestry changes.
func (c *Cache) ClearByClass(class uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].class == class {
			c.entries[i] = entry{}
		}
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		c.entries[i] = entry{}
	}
}
