// Package capi holds the handle tables that let native-extension code
// refer to managed objects through stable indices while the objects
// themselves may move.
package capi

import (
	"sync"
)

// A Ref names one slot in a Handles table. Refs are stable for the life
// of the handle and may be passed across the native boundary as plain
// integers.
type Ref int32

// InvalidRef is never returned by Allocate.
const InvalidRef Ref = -1

type slot struct {
	object any
	live   bool
}

// Handles is a table of object handles. Slots freed by Release are
// recycled before the table grows.
type Handles struct {
	mu   sync.Mutex
	tab  []slot
	free []Ref
	live int
}

// NewHandles returns an empty table.
func NewHandles() *Handles {
	return &Handles{}
}

// Allocate pins obj into the table and returns its handle.
func (h *Handles) Allocate(obj any) Ref {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live++
	if n := len(h.free); n > 0 {
		r := h.free[n-1]
		h.free = h.free[:n-1]
		h.tab[r] = slot{object: obj, live: true}
		return r
	}
	h.tab = append(h.tab, slot{object: obj, live: true})
	return Ref(len(h.tab) - 1)
}

// Get returns the object a handle refers to.
func (h *Handles) Get(r Ref) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r < 0 || int(r) >= len(h.tab) || !h.tab[r].live {
		return nil, false
	}
	return h.tab[r].object, true
}

// Set replaces the object a live handle refers to, for use when the
// collector moves the underlying object.
func (h *Handles) Set(r Ref, obj any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r < 0 || int(r) >= len(h.tab) || !h.tab[r].live {
		return false
	}
	h.tab[r].object = obj
	return true
}

// Release frees a handle. Releasing a dead or out-of-range handle is a
// bug in the caller.
func (h *Handles) Release(r Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r < 0 || int(r) >= len(h.tab) || !h.tab[r].live {
		panic("capi: release of invalid handle")
	}
	h.tab[r] = slot{}
	h.free = append(h.free, r)
	h.live--
}

// Each calls f for every live handle. The table lock is held throughout;
// f must not call back into the table. The collector uses this to flush
// or update cached handles while the world is stopped.
func (h *Handles) Each(f func(Ref, any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.tab {
		if h.tab[i].live {
			f(Ref(i), h.tab[i].object)
		}
	}
}

// Len returns the number of live handles.
func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}
