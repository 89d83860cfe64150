package rubinius_test

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bcg/rubinius"
	"github.com/bcg/rubinius/internal/inlinecache"
	"github.com/bcg/rubinius/internal/lookup"
)

func TestConfigDefaultsFromEnv(t *testing.T) {
	t.Setenv(rubinius.ENV_ENVIRONMENT, "staging")
	t.Setenv(rubinius.ENV_JIT_INLINE_DEBUG, "yes")

	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)
	defer rubinius.Discard(ss)

	require.Equal(t, "staging", ss.Config().Environment)
	require.True(t, ss.Config().JITInlineDebug)
	require.False(t, ss.Config().AgentStart)
}

func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv(rubinius.ENV_ENVIRONMENT, "staging")

	ss, err := rubinius.NewSharedState(
		rubinius.WithEnvironment("production"),
		rubinius.WithAgentStart(true),
	)
	require.NoError(t, err)
	defer rubinius.Discard(ss)

	require.Equal(t, "production", ss.Config().Environment)
	require.True(t, ss.Config().AgentStart)
	require.NotEqual(t, [16]byte{}, [16]byte(ss.Fingerprint()))
}

func TestNewVMRootDesignation(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	vm1 := ss.NewVM()
	vm2 := ss.NewVM()
	require.Same(t, vm1, ss.RootVM())
	require.NotEqual(t, vm1.ID(), vm2.ID())
	require.Len(t, ss.Threads(), 2)
	require.Len(t, ss.CallFrameLocations(), 2)

	// Removal drops the thread's current-frame slot from the root list.
	ss.RemoveVM(vm1)
	locs := ss.CallFrameLocations()
	require.Len(t, locs, 1)
	require.Same(t, vm2.CallFrameLocation(), locs[0])

	ss.RemoveVM(vm2)
	rubinius.Discard(ss)
}

func TestCallFrameLocationTracksSlot(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	vm := ss.NewVM()
	loc := ss.CallFrameLocations()[0]
	require.Nil(t, *loc)

	cf := &rubinius.CallFrame{}
	vm.SetCallFrame(cf)
	require.Same(t, cf, *loc)

	vm.SetCallFrame(cf.Previous)
	require.Nil(t, *loc)

	ss.RemoveVM(vm)
	rubinius.Discard(ss)
}

type fakeThread struct {
	name string
}

func (f *fakeThread) ThreadName() string { return f.name }

func TestAddRemoveManagedThread(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)
	defer rubinius.Discard(ss)

	agent := &fakeThread{name: "agent"}
	ss.AddManagedThread(agent)
	require.Len(t, ss.Threads(), 1)

	// External threads contribute no call-frame roots.
	require.Empty(t, ss.CallFrameLocations())

	ss.RemoveManagedThread(agent)
	require.Empty(t, ss.Threads())
}

func TestStopTheWorldAcrossVMs(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	// The bootstrap thread owns the root VM and is already counted.
	root := ss.NewVM()

	worker := ss.NewVM()
	ready := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	var checkpoints atomic.Int64

	go func() {
		ss.GCDependent()
		close(ready)
		for {
			worker.Checkpoint()
			checkpoints.Add(1)
			select {
			case <-release:
				ss.GCIndependent()
				close(finished)
				return
			default:
				runtime.Gosched()
			}
		}
	}()

	<-ready
	ss.StopTheWorld()
	require.Equal(t, 0, ss.PendingThreads())
	require.True(t, ss.WorldStopped())

	// The worker must stay parked for the whole episode.
	frozen := checkpoints.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, frozen, checkpoints.Load())

	ss.RestartWorld()
	close(release)
	<-finished

	require.False(t, ss.WorldStopped())
	require.Equal(t, 1, ss.PendingThreads())
	require.Greater(t, ss.TimeWaiting(), uint64(0))

	ss.RemoveVM(worker)
	ss.RemoveVM(root)
	rubinius.Discard(ss)
}

func TestNativeBracket(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	vm := ss.NewVM()
	require.Equal(t, 1, ss.PendingThreads())

	vm.EnterNative()
	require.Equal(t, 0, ss.PendingThreads())
	vm.LeaveNative()
	require.Equal(t, 1, ss.PendingThreads())

	ss.RemoveVM(vm)
	rubinius.Discard(ss)
}

func TestNativeBracketMisuse(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	vm := ss.NewVM()
	require.Panics(t, func() {
		vm.LeaveNative()
	})
	vm.EnterNative()
	require.Panics(t, func() {
		vm.EnterNative()
	})
	vm.LeaveNative()

	ss.RemoveVM(vm)
	rubinius.Discard(ss)
}

func TestReinitResetsChildState(t *testing.T) {
	ss, err := rubinius.NewSharedState(rubinius.WithJITInlineDebug(true))
	require.NoError(t, err)
	defer rubinius.Discard(ss)

	// Accrue an episode so the wait accounting is exercised.
	ss.StopTheWorld()
	ss.RestartWorld()

	ss.Reinit()
	require.False(t, ss.Config().JITInlineDebug)
	require.Equal(t, 1, ss.PendingThreads())
	require.False(t, ss.WorldStopped())
	require.Zero(t, ss.TimeWaiting())

	// The rebuilt world must be fully usable.
	ss.StopTheWorld()
	ss.RestartWorld()
}

func TestInvalidateMethod(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)
	defer rubinius.Discard(ss)

	class := ss.NewClassSerial()
	ss.GlobalCache().Store(class, "each", lookup.Resolution{Module: class, Method: "each-impl"})

	site := inlinecache.NewCache("each")
	site.Update(ss.GlobalSerial(), "each-impl")
	ss.InlineCaches().Add(site)

	serial := ss.InvalidateMethod("each")
	require.Equal(t, serial, ss.GlobalSerial())

	_, ok := ss.GlobalCache().Lookup(class, "each")
	require.False(t, ok)
	_, ok = site.Get(0)
	require.False(t, ok)
}

type fakeAgent struct {
	shutdowns atomic.Int32
}

func (a *fakeAgent) Shutdown() error {
	a.shutdowns.Add(1)
	return nil
}

type fakeMemory struct {
	released atomic.Int32
}

func (m *fakeMemory) Release() {
	m.released.Add(1)
}

func TestAutostartAgent(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	require.Nil(t, ss.AutostartAgent())

	agent := &fakeAgent{}
	var starts atomic.Int32
	ss.SetAgentStarter(func(got *rubinius.SharedState, root *rubinius.VM) rubinius.QueryAgent {
		starts.Add(1)
		require.Same(t, ss, got)
		return agent
	})

	require.Same(t, agent, ss.AutostartAgent())
	require.Same(t, agent, ss.AutostartAgent())
	require.Equal(t, int32(1), starts.Load())

	rubinius.Discard(ss)
	require.Equal(t, int32(1), agent.shutdowns.Load())
}

func TestDiscardTearsDownCollaborators(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	om := &fakeMemory{}
	ss.SetObjectMemory(om)

	vm := ss.NewVM()
	rubinius.Discard(ss)
	require.Zero(t, om.released.Load(), "released while a VM still held a reference")

	ss.RemoveVM(vm)
	require.Zero(t, om.released.Load(), "RemoveVM must not tear down shared state")
}

func TestDiscardWithLiveThreadsPanics(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)

	ss.NewVM()
	rubinius.Discard(ss)
	require.Panics(t, func() {
		rubinius.Discard(ss)
	})
}

func TestEnablePreemptionIdempotent(t *testing.T) {
	ss, err := rubinius.NewSharedState()
	require.NoError(t, err)
	defer rubinius.Discard(ss)

	ss.EnablePreemption()
	ss.EnablePreemption()
	require.True(t, ss.Interrupts().PreemptEnabled())
}
