package trap

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
)

// NSIG is the size of the pending signal table.
const NSIG = 65

// ---------------------------------------------------------------------------
// State: per-execution-context runtime bookkeeping
// ---------------------------------------------------------------------------

// State is the runtime bookkeeping of one execution context. It is owned by
// that context and mutated only by its runtime code; the exceptions are the
// pending signal table and the young limit, which signal delivery writes
// atomically from another goroutine.
//
// The young generation grows downward: compiled code decrements YoungPtr
// and checks it against the limit (or probes the guard zone below
// YoungStart).
//
//	YoungBase   YoungStart      YoungTrigger          YoungPtr       YoungEnd
//	|-- guard --|------------------------------------------------------|
type State struct {
	ID     uuid.UUID
	handle Handle

	YoungPtr     uintptr
	YoungTrigger uintptr // real allocation limit
	YoungBase    uintptr // low end of the guard zone
	YoungStart   uintptr
	YoungEnd     uintptr
	youngLimit   atomic.Uintptr
	exhausted    atomic.Uintptr // YoungEnd, for writers on other goroutines

	TopOfStack        uintptr
	BottomOfStack     uintptr
	ExceptionPointer  uintptr
	LastReturnAddress uintptr

	// Registers saved by a guard-zone trap; the collector's root set while
	// regsValid is set.
	Regs      Snapshot
	regsValid bool

	// Fault that produced the most recent redirected stack overflow.
	lastOverflow FaultRecord

	pending    [NSIG]atomic.Bool
	anyPending atomic.Bool
	inManaged  atomic.Bool
}

// NewState creates the State of a new execution context.
func NewState() *State {
	return &State{ID: uuid.New()}
}

// Handle returns the registry handle, or 0 when unregistered.
func (st *State) Handle() Handle {
	return st.handle
}

// SetYoung installs the young generation bounds and resets the allocation
// pointer to the top of the range.
func (st *State) SetYoung(base, start, end, trigger uintptr) {
	st.YoungBase = base
	st.YoungStart = start
	st.YoungEnd = end
	st.YoungTrigger = trigger
	st.YoungPtr = end
	st.exhausted.Store(end)
	st.youngLimit.Store(trigger)
}

// SetStack records the bounds of the execution stack.
func (st *State) SetStack(top, bottom uintptr) {
	st.TopOfStack = top
	st.BottomOfStack = bottom
}

// YoungLimit returns the limit compiled code compares YoungPtr against.
func (st *State) YoungLimit() uintptr {
	return st.youngLimit.Load()
}

// ForceLimit sets the young limit to its exhausted value, so the next
// inline allocation check fails and enters the dispatcher. It is safe to
// call from any goroutine.
func (st *State) ForceLimit() {
	st.youngLimit.Store(st.exhausted.Load())
}

// RestoreLimit puts the real allocation limit back.
func (st *State) RestoreLimit() {
	st.youngLimit.Store(st.YoungTrigger)
}

// LimitForced reports whether the young limit is exhausted. Only the
// owning context may call it.
func (st *State) LimitForced() bool {
	ex := st.exhausted.Load()
	return st.youngLimit.Load() == ex && ex != st.YoungTrigger
}

// BumpCheck performs the inline fast path compiled code runs for an
// allocation of words payload words: decrement the pointer by the
// header-inclusive size and compare against the limit. It returns false
// when the check fails and the caller must enter the dispatcher, with
// YoungPtr left decremented.
func (st *State) BumpCheck(words int) bool {
	st.YoungPtr -= uintptr(words+1) * WordSize
	return st.YoungPtr >= st.youngLimit.Load()
}

// GCRoots returns the register snapshot while a guard-zone trap has it
// saved, and nil otherwise.
func (st *State) GCRoots() []uintptr {
	if !st.regsValid {
		return nil
	}
	return st.Regs.Live()
}

// EnterManaged marks the context as running compiled code.
func (st *State) EnterManaged() {
	st.inManaged.Store(true)
}

// LeaveManaged marks the context as running runtime or foreign code.
func (st *State) LeaveManaged() {
	st.inManaged.Store(false)
}

// InManagedCode reports whether the context is running compiled code.
func (st *State) InManagedCode() bool {
	return st.inManaged.Load()
}

// Pending reports whether sig is waiting to be drained.
func (st *State) Pending(sig syscall.Signal) bool {
	if sig <= 0 || int(sig) >= NSIG {
		return false
	}
	return st.pending[sig].Load()
}

// AnyPending reports whether some signal is waiting to be drained.
func (st *State) AnyPending() bool {
	return st.anyPending.Load()
}

func (st *State) markPending(sig syscall.Signal) {
	st.pending[sig].Store(true)
	st.anyPending.Store(true)
}

// clearPending drops sig from the pending table and reports whether any
// other signal is still pending.
func (st *State) clearPending(sig syscall.Signal) bool {
	st.pending[sig].Store(false)
	for i := 1; i < NSIG; i++ {
		if st.pending[i].Load() {
			return true
		}
	}
	st.anyPending.Store(false)
	return false
}

// CheckInvariant verifies the ordering of the young generation bounds. It
// does not hold inside a trap.
func (st *State) CheckInvariant() error {
	if !(st.YoungBase <= st.YoungStart &&
		st.YoungStart <= st.YoungTrigger &&
		st.YoungTrigger <= st.YoungPtr &&
		st.YoungPtr <= st.YoungEnd) {
		return fmt.Errorf("trap: young bounds out of order: base %#x start %#x trigger %#x ptr %#x end %#x",
			st.YoungBase, st.YoungStart, st.YoungTrigger, st.YoungPtr, st.YoungEnd)
	}
	return nil
}
