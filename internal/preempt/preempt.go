// Package preempt drives the periodic interrupt that bounds how long a
// managed thread can run between safepoints.
package preempt

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Period is the interval at which the timer thread raises the preemption
// flag. A compute loop therefore reaches a checkpoint within roughly one
// period plus one instruction burst.
const Period = 10 * time.Millisecond

// Interrupts is the flag block managed threads consult in their dispatch
// loops. All fields are raced on intentionally; each is a single word.
type Interrupts struct {
	check         atomic.Bool
	timer         atomic.Bool
	enablePreempt atomic.Bool
}

// SetTimer raises the timer interrupt and the check flag.
func (i *Interrupts) SetTimer() {
	i.timer.Store(true)
	i.check.Store(true)
}

// CheckRequested reports whether any interrupt is pending.
func (i *Interrupts) CheckRequested() bool {
	return i.check.Load()
}

// TakeTimer consumes a pending timer interrupt, reporting whether one was
// set. A dispatch loop that sees true should reach a checkpoint promptly.
func (i *Interrupts) TakeTimer() bool {
	if !i.timer.Swap(false) {
		return false
	}
	i.check.Store(false)
	return true
}

// EnablePreempt turns the periodic interrupt on.
func (i *Interrupts) EnablePreempt() {
	i.enablePreempt.Store(true)
}

// PreemptEnabled reports whether the periodic interrupt is on.
func (i *Interrupts) PreemptEnabled() bool {
	return i.enablePreempt.Load()
}

// Timer owns the dedicated preemption thread. The thread is started at
// most once and runs until process exit; there is no way to join it.
type Timer struct {
	once sync.Once
}

// Start launches the timer thread and enables preemption. Idempotent.
func (t *Timer) Start(ints *Interrupts) {
	t.once.Do(func() {
		go loop(ints)
		ints.EnablePreempt()
	})
}

// loop runs forever on its own OS thread, poking the interrupt flag every
// Period so running threads reach safepoints promptly.
func loop(ints *Interrupts) {
	runtime.LockOSThread()

	// First off, we don't want this thread ever receiving a signal.
	if err := maskAllSignals(); err != nil {
		fmt.Fprintf(os.Stderr, "unable to mask signals on timer thread: %v\n", err)
		os.Exit(1)
	}

	for {
		time.Sleep(Period)
		if ints.PreemptEnabled() {
			ints.SetTimer()
		}
	}
}
