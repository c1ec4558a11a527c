package trap

import (
	"github.com/chazu/nativetrap/framedesc"
	"github.com/chazu/nativetrap/journal"
)

// DispatchFlags tell the collector where an allocation request comes from.
type DispatchFlags uint8

const (
	Track        DispatchFlags = 1 << iota // allocation is visible to memory profiling
	FromCompiled                           // request comes from compiled code
	FromRuntime                            // request comes from runtime code
)

// Collector is the garbage collector's allocation entry point.
//
// Dispatch is called with State consistent: the inline fast path's pointer
// decrement has been undone. It may run a collection, relocate objects and
// rewrite roots (including State.GCRoots), then reserves words+1 words
// (payload plus one header) below YoungPtr and returns a pointer to the
// first payload word. count and sizes describe the combined allocations
// (sizes holds encoded lengths); count is zero for a single uncombined
// request. Out-of-memory is reported through the returned error.
type Collector interface {
	Dispatch(st *State, words int, flags DispatchFlags, count int, sizes []uint8) (uintptr, error)
}

// CombinedWords returns the net payload size of the allocations combined at
// one call site: the header-inclusive sizes summed, less the one header the
// combined block carries.
func CombinedWords(allocs []uint8) int {
	total := 0
	for _, e := range allocs {
		total += framedesc.DecodeAllocLen(e) + 1
	}
	return total - 1
}

// ---------------------------------------------------------------------------
// Dispatcher: the allocation slow path
// ---------------------------------------------------------------------------

// Dispatcher is the slow path compiled code calls when its inline
// allocation check fails. It is the one safe point where pending signals
// run.
type Dispatcher struct {
	Frames    *framedesc.Directory
	Collector Collector
	Signals   *Signals     // optional
	Journal   *journal.Ring // optional
}

// GarbageCollection services an allocation trap. State.LastReturnAddress
// must hold the return address of the trapping call site and YoungPtr the
// decremented pointer the failed check left behind.
//
// The collector may move objects: callers must re-read every root from
// State or registers afterwards.
func (d *Dispatcher) GarbageCollection(st *State) (uintptr, error) {
	desc := d.Frames.Lookup(st.LastReturnAddress)
	if !desc.IsAllocation() {
		panic(&InconsistencyError{What: "trap at a call site that is not an allocation site", RetAddr: st.LastReturnAddress})
	}
	words := CombinedWords(desc.Allocs)
	d.Journal.Record(journal.Event{
		Kind:    journal.KindAllocTrap,
		Context: st.ID,
		PC:      st.LastReturnAddress,
		Words:   words,
	})
	return d.allocSmall(st, words, FromCompiled|Track, len(desc.Allocs), desc.Allocs)
}

// allocSmall is the safe point shared by the allocation trap and the guard
// zone handler.
func (d *Dispatcher) allocSmall(st *State, words int, flags DispatchFlags, count int, sizes []uint8) (uintptr, error) {
	st.YoungPtr += uintptr(words+1) * WordSize
	st.RestoreLimit()
	if d.Signals != nil {
		if err := d.Signals.Drain(st); err != nil {
			return 0, err
		}
	}
	return d.Collector.Dispatch(st, words, flags, count, sizes)
}
