// Package rubinius implements the shared state of a managed runtime: the
// registry of managed threads, the stop-the-world coordination protocol
// that lets the collector quiesce them, the preemption timer that bounds
// safepoint latency, and the process-wide caches every thread shares.
package rubinius

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bcg/rubinius/internal/capi"
	"github.com/bcg/rubinius/internal/inlinecache"
	"github.com/bcg/rubinius/internal/lookup"
	"github.com/bcg/rubinius/internal/preempt"
	"github.com/bcg/rubinius/internal/world"
)

// ObjectMemory is the interface the object-memory manager exposes to the
// shared state. The coordination core never walks the heap; it only
// releases the manager at teardown.
type ObjectMemory interface {
	Release()
}

// QueryAgent is the debug agent that answers out-of-band queries about a
// running instance. It is owned externally; the shared state only holds
// the reference and shuts it down at teardown.
type QueryAgent interface {
	Shutdown() error
}

// AgentStarter constructs the query agent on first use.
type AgentStarter func(ss *SharedState, root *VM) QueryAgent

// SharedState is the process-wide container for everything managed
// threads share. It is the reference-counted lifetime anchor of the
// runtime: each VM holds a reference, and the shared resources are torn
// down when Discard drops the last reference. RemoveVM drops a VM's
// reference but never tears down, even when it was the last one.
type SharedState struct {
	initialized bool
	fingerprint uuid.UUID
	refcount    atomic.Int32

	world      *world.World
	interrupts preempt.Interrupts
	timer      preempt.Timer

	globalCache   *lookup.Cache
	icRegistry    *inlinecache.Registry
	globalHandles *capi.Handles
	cachedHandles *capi.Handles

	// globalSerial advances on every method redefinition; inline caches
	// memoize against it. classCount hands out class serials.
	globalSerial atomic.Uint64
	classCount   atomic.Uint64

	config Config

	mu struct {
		sync.Mutex
		threads      []ManagedThread
		cfLocations  []**CallFrame
		rootVM       *VM
		nextThreadID uint32
		om           ObjectMemory
		agent        QueryAgent
		agentStarter AgentStarter
	}
}

// NewSharedState builds a SharedState from the default configuration and
// the given options. The caller holds the initial reference; release it
// with Discard.
func NewSharedState(opts ...Option) (*SharedState, error) {
	cfg := makeDefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	fingerprint, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
	}

	ss := &SharedState{
		fingerprint:   fingerprint,
		world:         world.New(),
		globalCache:   lookup.New(),
		icRegistry:    inlinecache.NewRegistry(),
		globalHandles: capi.NewHandles(),
		cachedHandles: capi.NewHandles(),
		config:        cfg,
	}
	ss.initialized = true
	ss.ref()
	return ss, nil
}

// Fingerprint identifies this runtime instance, for example to the agent.
func (ss *SharedState) Fingerprint() uuid.UUID {
	return ss.fingerprint
}

// Config returns the active configuration.
func (ss *SharedState) Config() *Config {
	return &ss.config
}

// GlobalCache returns the process-wide method-resolution cache.
func (ss *SharedState) GlobalCache() *lookup.Cache {
	return ss.globalCache
}

// InlineCaches returns the registry of live call-site caches.
func (ss *SharedState) InlineCaches() *inlinecache.Registry {
	return ss.icRegistry
}

// GlobalHandles returns the table of long-lived native handles.
func (ss *SharedState) GlobalHandles() *capi.Handles {
	return ss.globalHandles
}

// CachedHandles returns the table of per-call cached native handles.
func (ss *SharedState) CachedHandles() *capi.Handles {
	return ss.cachedHandles
}

// Interrupts returns the flag block dispatch loops poll.
func (ss *SharedState) Interrupts() *preempt.Interrupts {
	return &ss.interrupts
}

// GlobalSerial returns the current redefinition serial.
func (ss *SharedState) GlobalSerial() uint64 {
	return ss.globalSerial.Load()
}

// NewClassSerial hands out the next class serial.
func (ss *SharedState) NewClassSerial() uint64 {
	return ss.classCount.Add(1)
}

// ClassCount returns how many class serials have been issued.
func (ss *SharedState) ClassCount() uint64 {
	return ss.classCount.Load()
}

// InvalidateMethod flushes every cache that could still resolve the
// selector -- the global cache's entries and the registered call-site
// caches -- and returns the advanced redefinition serial. Callers
// redefining a method do this while holding the world stopped.
func (ss *SharedState) InvalidateMethod(selector string) uint64 {
	ss.globalCache.ClearByName(selector)
	ss.icRegistry.FlushName(selector)
	return ss.globalSerial.Add(1)
}

// SetObjectMemory installs the object-memory manager.
func (ss *SharedState) SetObjectMemory(om ObjectMemory) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.mu.om = om
}

// SetAgentStarter installs the constructor AutostartAgent uses.
func (ss *SharedState) SetAgentStarter(f AgentStarter) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.mu.agentStarter = f
}

// AutostartAgent returns the query agent, constructing it on first use.
// Returns nil if no starter was installed.
func (ss *SharedState) AutostartAgent() QueryAgent {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.mu.agent != nil {
		return ss.mu.agent
	}
	if ss.mu.agentStarter == nil {
		return nil
	}
	ss.mu.agent = ss.mu.agentStarter(ss, ss.mu.rootVM)
	return ss.mu.agent
}

// NewVM allocates and registers the execution state for one managed
// thread. The first VM created becomes the root VM. The record arrives
// marked dependent; a spawned thread must still enter the world with
// GCDependent before executing managed code.
func (ss *SharedState) NewVM() *VM {
	vm := &VM{shared: ss, dependent: true}

	ss.mu.Lock()
	ss.mu.nextThreadID++
	vm.id = ss.mu.nextThreadID
	ss.mu.cfLocations = append(ss.mu.cfLocations, vm.CallFrameLocation())
	ss.mu.threads = append(ss.mu.threads, vm)

	// If there is no root vm, then the first one created becomes it.
	if ss.mu.rootVM == nil {
		ss.mu.rootVM = vm
	}
	ss.mu.Unlock()

	ss.ref()
	return vm
}

// RemoveVM unregisters a VM: its current-frame slot leaves the root list
// and its reference on the shared state is dropped. The record itself is
// not torn down here; the caller's stack may still reference it.
func (ss *SharedState) RemoveVM(vm *VM) {
	loc := vm.CallFrameLocation()

	ss.mu.Lock()
	for i, l := range ss.mu.cfLocations {
		if l == loc {
			ss.mu.cfLocations = append(ss.mu.cfLocations[:i], ss.mu.cfLocations[i+1:]...)
			break
		}
	}
	for i, t := range ss.mu.threads {
		if t == ManagedThread(vm) {
			ss.mu.threads = append(ss.mu.threads[:i], ss.mu.threads[i+1:]...)
			break
		}
	}
	ss.mu.Unlock()

	// Don't tear ourselves down here even if this was the last
	// reference; it's too problematic mid-thread-exit.
	ss.deref()
}

// AddManagedThread registers a thread owned externally, such as the query
// agent's.
func (ss *SharedState) AddManagedThread(t ManagedThread) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.mu.threads = append(ss.mu.threads, t)
}

// RemoveManagedThread unregisters an externally owned thread.
func (ss *SharedState) RemoveManagedThread(t ManagedThread) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for i, x := range ss.mu.threads {
		if x == t {
			ss.mu.threads = append(ss.mu.threads[:i], ss.mu.threads[i+1:]...)
			return
		}
	}
}

// RootVM returns the root VM, or nil before the first NewVM.
func (ss *SharedState) RootVM() *VM {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.mu.rootVM
}

// Threads returns a snapshot of the registered managed threads.
func (ss *SharedState) Threads() []ManagedThread {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]ManagedThread, len(ss.mu.threads))
	copy(out, ss.mu.threads)
	return out
}

// CallFrameLocations returns a snapshot of the current-frame slot
// addresses of every registered VM, in registration order. The collector
// uses these as its root set; each slot itself stays owned by its thread.
func (ss *SharedState) CallFrameLocations() []**CallFrame {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]**CallFrame, len(ss.mu.cfLocations))
	copy(out, ss.mu.cfLocations)
	return out
}

// EnablePreemption starts the preemption timer thread. Idempotent; the
// thread runs until process exit.
func (ss *SharedState) EnablePreemption() {
	ss.timer.Start(&ss.interrupts)
}

// Reinit restores the shared state after a fork(), once the child has
// discarded every thread record except its own.
func (ss *SharedState) Reinit() {
	// Inline-debug output interleaved from the parent is confusing in
	// the child; turn it off.
	ss.config.JITInlineDebug = false

	ss.world.Reinit()
}

// StopTheWorld blocks until every other dependent thread has parked or
// become independent. The caller then has exclusive access to managed
// memory until it calls RestartWorld.
func (ss *SharedState) StopTheWorld() {
	ss.world.WaitUntilAlone()
}

// RestartWorld ends a stop-the-world episode and releases every parked
// thread.
func (ss *SharedState) RestartWorld() {
	ss.world.WakeAllWaiters()
}

// Checkpoint is the safepoint polled by managed threads; it parks the
// caller for the duration of any stop episode in progress.
func (ss *SharedState) Checkpoint() {
	ss.world.Checkpoint()
}

// GCDependent marks the calling thread as inside managed execution.
func (ss *SharedState) GCDependent() {
	ss.world.BecomeDependent()
}

// GCIndependent marks the calling thread as outside managed execution,
// for example blocked in a native call.
func (ss *SharedState) GCIndependent() {
	ss.world.BecomeIndependent()
}

// TimeWaiting returns the cumulative nanoseconds stoppers have spent
// waiting for the world to quiesce.
func (ss *SharedState) TimeWaiting() uint64 {
	return ss.world.TimeWaiting()
}

// PendingThreads returns the world's current dependent-thread count.
// Diagnostic only.
func (ss *SharedState) PendingThreads() int {
	return ss.world.Pending()
}

// WorldStopped reports whether a stop episode is requested or in
// progress.
func (ss *SharedState) WorldStopped() bool {
	return ss.world.Stopped()
}

// Discard drops one reference to ss, tearing the shared resources down
// when the last holder lets go.
func Discard(ss *SharedState) {
	if ss.deref() {
		ss.release()
	}
}

func (ss *SharedState) ref() {
	ss.refcount.Add(1)
}

func (ss *SharedState) deref() bool {
	return ss.refcount.Add(-1) == 0
}

// release tears down the shared resources. Teardown is defined to happen
// after every managed thread has joined; finding one still registered is
// a bug in the caller.
func (ss *SharedState) release() {
	if !ss.initialized {
		return
	}

	ss.mu.Lock()
	live := len(ss.mu.threads)
	om := ss.mu.om
	agent := ss.mu.agent
	ss.mu.om = nil
	ss.mu.agent = nil
	ss.mu.Unlock()

	if live != 0 {
		panic("rubinius: shared state released with live managed threads")
	}

	if agent != nil {
		if err := agent.Shutdown(); err != nil {
			ss.config.errorLogger(fmt.Errorf("failed to shut down agent: %w", err))
		}
	}
	if om != nil {
		om.Release()
	}

	ss.globalCache = nil
	ss.icRegistry = nil
	ss.globalHandles = nil
	ss.cachedHandles = nil
	ss.world = nil
	ss.initialized = false
}
