package rubinius

import (
	"fmt"
)

// CallFrame is an activation record maintained by the interpreter. The
// coordination core never inspects one; it only tracks, per thread, the
// address of the slot holding that thread's current frame so the
// collector can use those slots as its root set.
type CallFrame struct {
	Previous *CallFrame
}

// ManagedThread is any thread registered with the shared state: a VM, or
// an externally owned thread such as the query agent's.
type ManagedThread interface {
	ThreadName() string
}

// VM is the per-thread execution state of one managed thread. A VM is
// created through SharedState.NewVM and unregistered through
// SharedState.RemoveVM; the record itself outlives unregistration because
// the owning thread's stack may still reference it.
type VM struct {
	id     uint32
	shared *SharedState

	// callFrame is this thread's current-frame slot. Written only by the
	// owning thread; the address of the slot is handed to the collector
	// as a root.
	callFrame *CallFrame

	// dependent mirrors this thread's side of the world protocol so
	// mismatched native-call brackets fail loudly. Touched only by the
	// owning thread.
	dependent bool
}

// ID returns the thread's runtime-local identifier.
func (vm *VM) ID() uint32 {
	return vm.id
}

// Shared returns the shared state this VM belongs to.
func (vm *VM) Shared() *SharedState {
	return vm.shared
}

// ThreadName implements ManagedThread.
func (vm *VM) ThreadName() string {
	return fmt.Sprintf("vm.%d", vm.id)
}

// CallFrameLocation returns the address of this thread's current-frame
// slot. The slot is owned by the thread; the registry and the collector
// only borrow the address.
func (vm *VM) CallFrameLocation() **CallFrame {
	return &vm.callFrame
}

// SetCallFrame publishes cf as the thread's current frame. Called by the
// interpreter on frame push and pop.
func (vm *VM) SetCallFrame(cf *CallFrame) {
	vm.callFrame = cf
}

// Checkpoint is the safepoint polled from the dispatch loop; it parks the
// thread for the duration of any stop episode in progress.
func (vm *VM) Checkpoint() {
	vm.shared.Checkpoint()
}

// EnterNative marks the thread independent for the duration of a native
// call: the collector will not wait on it. The thread must not touch
// managed memory until LeaveNative returns.
func (vm *VM) EnterNative() {
	if !vm.dependent {
		panic("vm: EnterNative on a thread that is already independent")
	}
	vm.dependent = false
	vm.shared.GCIndependent()
}

// LeaveNative marks the thread dependent again after a native call.
func (vm *VM) LeaveNative() {
	if vm.dependent {
		panic("vm: LeaveNative on a thread that is already dependent")
	}
	vm.shared.GCDependent()
	vm.dependent = true
}
