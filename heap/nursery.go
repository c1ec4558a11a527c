// Package heap provides a small copying young generation that serves the
// allocation dispatcher. Survivors reachable from the saved registers are
// promoted into a bump-allocated major slab.
package heap

import (
	"errors"
	"fmt"

	"github.com/chazu/nativetrap/trap"
	"github.com/tliron/commonlog"
)

// ErrOutOfMemory is returned when an allocation cannot be satisfied even
// after a collection.
var ErrOutOfMemory = errors.New("heap: out of memory")

const (
	headerShift = 10 // wosize << 10 | color << 8 | tag
	forwardTag  = 0xff
)

// MakeHeader returns the header of a block of wosize payload words.
func MakeHeader(wosize int, tag uint8) uint64 {
	return uint64(wosize)<<headerShift | uint64(tag)
}

// HeaderWords extracts the payload size from a header.
func HeaderWords(hdr uint64) int {
	return int(hdr >> headerShift)
}

// Stats counts the nursery's work.
type Stats struct {
	MinorCollections int
	PromotedWords    int
	AllocatedWords   int
	Allocations      int
	TrackedWords     int
}

// ---------------------------------------------------------------------------
// Nursery
// ---------------------------------------------------------------------------

// Nursery is a trap.Collector. The young region is a mapped arena whose
// lowest pages are the guard zone, so an inline allocation that runs past
// YoungStart faults on its probe.
type Nursery struct {
	young *arena
	major *arena

	guardBytes uintptr
	start      uintptr
	end        uintptr
	majorPtr   uintptr

	stats Stats
	log   commonlog.Logger
}

var _ trap.Collector = (*Nursery)(nil)

// NewNursery maps a young generation of youngWords words below a guard zone
// of at least guardWords words, and a major slab of majorWords words.
func NewNursery(youngWords, guardWords, majorWords int) (*Nursery, error) {
	if youngWords <= 0 || majorWords <= 0 || guardWords < 0 {
		return nil, fmt.Errorf("heap: invalid sizes young=%d guard=%d major=%d", youngWords, guardWords, majorWords)
	}
	young, err := mapArena(youngWords*trap.WordSize, guardWords*trap.WordSize)
	if err != nil {
		return nil, fmt.Errorf("heap: mapping young generation: %w", err)
	}
	major, err := mapArena(majorWords*trap.WordSize, 0)
	if err != nil {
		young.unmap()
		return nil, fmt.Errorf("heap: mapping major slab: %w", err)
	}
	n := &Nursery{
		young:      young,
		major:      major,
		guardBytes: young.guard,
		start:      young.base + young.guard,
		log:        commonlog.GetLogger("nativetrap.heap"),
	}
	n.end = n.start + uintptr(youngWords*trap.WordSize)
	n.majorPtr = major.base
	return n, nil
}

// GuardBytes returns the size of the guard zone, rounded to whole pages.
func (n *Nursery) GuardBytes() uintptr {
	return n.guardBytes
}

// Protected reports whether the guard zone really faults on access.
func (n *Nursery) Protected() bool {
	return n.young.protected
}

// Attach gives st the nursery's young generation bounds.
func (n *Nursery) Attach(st *trap.State) {
	st.SetYoung(n.start-n.guardBytes, n.start, n.end, n.start)
}

// Stats returns a copy of the counters.
func (n *Nursery) Stats() Stats {
	return n.stats
}

// Close unmaps the arenas. Addresses handed out before are invalid.
func (n *Nursery) Close() error {
	return errors.Join(n.young.unmap(), n.major.unmap())
}

// Dispatch reserves words+1 words below st.YoungPtr, collecting first when
// the request would cross YoungTrigger.
func (n *Nursery) Dispatch(st *trap.State, words int, flags trap.DispatchFlags, count int, sizes []uint8) (uintptr, error) {
	need := uintptr(words+1) * trap.WordSize
	if words < 1 || need > n.end-n.start {
		return 0, fmt.Errorf("%w: request of %d words", ErrOutOfMemory, words)
	}
	if st.YoungPtr < st.YoungTrigger+need {
		if err := n.Minor(st); err != nil {
			return 0, err
		}
	}

	st.YoungPtr -= need
	n.young.store(st.YoungPtr, MakeHeader(words, 0))

	n.stats.AllocatedWords += words
	if count > 0 {
		n.stats.Allocations += count
	} else {
		n.stats.Allocations++
	}
	if flags&trap.Track != 0 {
		n.stats.TrackedWords += words
	}
	return st.YoungPtr + trap.WordSize, nil
}

// Minor empties the young generation. Blocks referenced from st.GCRoots are
// copied to the major slab and the roots rewritten; everything else is
// dropped.
func (n *Nursery) Minor(st *trap.State) error {
	forward := map[uintptr]uintptr{}
	promoted := 0
	roots := st.GCRoots()
	for i, v := range roots {
		if v < st.YoungPtr+trap.WordSize || v >= n.end || v&(trap.WordSize-1) != 0 {
			continue
		}
		if to, ok := forward[v]; ok {
			roots[i] = to
			continue
		}
		hdr := n.young.load(v - trap.WordSize)
		size := uintptr(HeaderWords(hdr)+1) * trap.WordSize
		if n.majorPtr+size > n.major.end() {
			return fmt.Errorf("%w: major slab full", ErrOutOfMemory)
		}
		to := n.majorPtr + trap.WordSize
		n.major.copyFrom(n.young, n.majorPtr, v-trap.WordSize, size)
		n.majorPtr += size
		n.young.store(v-trap.WordSize, MakeHeader(HeaderWords(hdr), forwardTag))

		forward[v] = to
		roots[i] = to
		promoted += HeaderWords(hdr)
	}

	st.YoungPtr = n.end
	n.stats.MinorCollections++
	n.stats.PromotedWords += promoted
	n.log.Debugf("minor collection %d: promoted %d words from %d roots", n.stats.MinorCollections, promoted, len(roots))
	return nil
}

// Load reads the word at addr in either arena.
func (n *Nursery) Load(addr uintptr) (uint64, bool) {
	switch {
	case n.young.contains(addr):
		return n.young.load(addr), true
	case n.major.contains(addr):
		return n.major.load(addr), true
	}
	return 0, false
}

// Store writes the word at addr in either arena.
func (n *Nursery) Store(addr uintptr, v uint64) bool {
	switch {
	case n.young.contains(addr):
		n.young.store(addr, v)
		return true
	case n.major.contains(addr):
		n.major.store(addr, v)
		return true
	}
	return false
}

// InYoung reports whether addr lies in the allocatable young region.
func (n *Nursery) InYoung(addr uintptr) bool {
	return addr >= n.start && addr < n.end
}
