package trap

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/chazu/nativetrap/journal"
)

// HostInstaller is the FaultInstaller for contexts whose code runs on a Go
// stack. Go owns SIGSEGV and gives no access to the faulting registers, so
// the best it can do is turn faults of the calling goroutine into panics
// (debug.SetPanicOnFault). Such faults reach the guard without a machine
// context and always classify as unrelated.
type HostInstaller struct {
	mu        sync.Mutex
	installed bool
	prev      bool
}

// Install enables panic-on-fault for the calling goroutine.
func (h *HostInstaller) Install() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.installed {
		h.prev = debug.SetPanicOnFault(true)
		h.installed = true
	}
	return nil
}

// Deactivate restores the previous fault behavior of the calling goroutine.
func (h *HostInstaller) Deactivate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.installed {
		debug.SetPanicOnFault(h.prev)
		h.installed = false
	}
}

// Installed reports whether Install is in effect.
func (h *HostInstaller) Installed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed
}

// faultAddr extracts the faulting address from a panic raised under
// panic-on-fault.
func faultAddr(r any) (uintptr, bool) {
	if e, ok := r.(interface{ Addr() uintptr }); ok {
		return e.Addr(), true
	}
	return 0, false
}

// Protect runs fn with panic-on-fault enabled. A memory fault inside fn has
// no machine context, so it classifies as unrelated: it is journaled and
// logged, and returned as an error wrapping ErrUnrelatedFault. Other panics
// propagate.
func (g *Guard) Protect(st *State, fn func()) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		addr, ok := faultAddr(r)
		if !ok {
			panic(r)
		}
		rec := FaultRecord{Addr: addr}
		if class, _ := g.Classify(st, rec); class != ClassUnrelated {
			// A fault without a pc cannot be inside compiled code.
			panic(&InconsistencyError{What: "pc-less fault classified as " + class.String()})
		}
		g.journal.Record(journal.Event{Kind: journal.KindUnrelated, Context: st.ID, Addr: addr})
		g.log.Criticalf("unrelated fault at address %#x in host code", addr)
		err = fmt.Errorf("%w: address %#x: %v", ErrUnrelatedFault, addr, r)
	}()
	fn()
	return nil
}
