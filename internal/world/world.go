// Package world implements the coordination protocol that lets one thread
// stop every other managed thread at a safepoint, work while the world is
// quiescent, and then resume them.
package world

import (
	"sync"
	"sync/atomic"

	"github.com/bcg/rubinius/internal/timing"
)

// World tracks how many threads may currently be touching managed memory
// and lets a stopper wait until it is alone with it.
//
// Managed memory is not protected by any lock. A thread counted as
// pending may read and write it; a thread that has parked in a checkpoint
// or declared itself independent must not. Between WaitUntilAlone
// returning and WakeAllWaiters being called the stopper owns it
// exclusively. The mutex here protects only the World's own fields and is
// never held while the stopper works.
type World struct {
	mu sync.Mutex

	// waitingToStop is signalled each time a thread becomes quiescent.
	// Only the stopper ever waits on it.
	waitingToStop *sync.Cond

	// waitingToRun is broadcast when the stopper restarts the world.
	waitingToRun *sync.Cond

	// pending counts the threads that may be touching managed memory.
	// While a stop is in progress the stopper has excused itself from the
	// count, so quiescence is pending == 0.
	pending int

	// shouldStop is written under mu but read without it on the
	// Checkpoint fast path. A stale false there is caught on the next
	// checkpoint; a stale true only costs a mutex acquisition.
	shouldStop atomic.Bool

	// timeWaiting accumulates the nanoseconds the stopper spent blocked
	// in WaitUntilAlone. Guarded by mu.
	timeWaiting uint64
}

// New returns a World representing the bootstrap thread: one pending
// thread, no stop requested.
func New() *World {
	w := &World{pending: 1}
	w.waitingToStop = sync.NewCond(&w.mu)
	w.waitingToRun = sync.NewCond(&w.mu)
	return w
}

// Reinit restores the World after a fork(), when the child knows it is
// alone again: fresh mutex and condition variables, one pending thread,
// no stop requested, wait-time accounting cleared. The caller must have
// discarded every thread record except the surviving thread's first.
func (w *World) Reinit() {
	w.mu = sync.Mutex{}
	w.waitingToStop = sync.NewCond(&w.mu)
	w.waitingToRun = sync.NewCond(&w.mu)
	w.pending = 1
	w.shouldStop.Store(false)
	w.timeWaiting = 0
}

// Checkpoint is the safepoint polled from every managed thread's dispatch
// loop. If a stop is in progress the caller parks until the world is
// restarted; otherwise it returns immediately.
//
// The shouldStop test is done without the lock because this runs
// millions of times per second.
func (w *World) Checkpoint() {
	if !w.shouldStop.Load() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waitToRun()
}

// BecomeIndependent marks the calling thread as outside managed
// execution. If a stop is in progress the caller first participates in
// it, so the stopper never waits on a thread that is on its way out.
// After return the caller is not counted and must not touch managed
// memory until BecomeDependent returns.
func (w *World) BecomeIndependent() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// If someone is waiting on us to stop, stop now.
	if w.shouldStop.Load() {
		w.waitToRun()
	}
	w.decPending()
}

// BecomeDependent marks the calling thread as back inside managed
// execution. If a stop is in progress the caller waits for the restart
// before being counted.
func (w *World) BecomeDependent() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.shouldStop.Load() {
		w.waitingToRun.Wait()
	}
	w.pending++
}

// WaitUntilAlone initiates a stop-the-world episode. It returns once
// every other dependent thread has parked or become independent; the
// caller then has exclusive access to managed memory until it calls
// WakeAllWaiters. Time spent blocked here accumulates into TimeWaiting.
func (w *World) WaitUntilAlone() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.shouldStop.Store(true)

	// For ourself..
	w.decPending()

	sw := timing.Start()
	for w.pending > 0 {
		w.waitingToStop.Wait()
	}
	w.timeWaiting += sw.Elapsed()
}

// WakeAllWaiters ends a stop-the-world episode: the stopper rejoins the
// pending count and every parked thread is released.
func (w *World) WakeAllWaiters() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.shouldStop.Store(false)

	// For ourself..
	w.pending++

	w.waitingToRun.Broadcast()
}

// waitToRun parks the calling thread for the duration of the current
// stop episode. The caller must hold mu and be counted as pending. It is
// the single point that converts a dependent thread into a quiescent
// waiter and back: on return the caller is counted again and no stop is
// in progress.
func (w *World) waitToRun() {
	w.decPending()
	w.waitingToStop.Signal()

	for w.shouldStop.Load() {
		w.waitingToRun.Wait()
	}

	w.pending++
}

// decPending guards the counter against transitions that were never
// legal: a thread going independent twice, or a stop initiated by a
// thread that was not counted.
func (w *World) decPending() {
	w.pending--
	if w.pending < 0 {
		panic("world: pending thread count went negative")
	}
}

// TimeWaiting returns the cumulative nanoseconds stoppers have spent
// blocked waiting for the world to quiesce.
func (w *World) TimeWaiting() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeWaiting
}

// Pending returns the current pending-thread count. Diagnostic only; the
// value may be stale by the time the caller looks at it unless the world
// is stopped.
func (w *World) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Stopped reports whether a stop is requested or in progress.
func (w *World) Stopped() bool {
	return w.shouldStop.Load()
}
