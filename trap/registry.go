package trap

import (
	"sync"
	"sync/atomic"
)

// Handle identifies a registered execution context. It fits in a register,
// which lets a fault handler pass it to recovery code.
type Handle uint32

// Registry maps handles to the States of live execution contexts.
type Registry struct {
	states map[Handle]*State
	mu     sync.RWMutex
	nextID atomic.Uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[Handle]*State)}
}

// Register assigns st a handle. Registering the same State twice returns
// its existing handle.
func (r *Registry) Register(st *State) Handle {
	if st.handle != 0 {
		return st.handle
	}
	h := Handle(r.nextID.Add(1))
	r.mu.Lock()
	r.states[h] = st
	r.mu.Unlock()
	st.handle = h
	return h
}

// Lookup returns the State for h, or nil.
func (r *Registry) Lookup(h Handle) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[h]
}

// Unregister drops the State for h when its context terminates.
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	st := r.states[h]
	delete(r.states, h)
	r.mu.Unlock()
	if st != nil {
		st.handle = 0
	}
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
