package trap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Fragment is a contiguous range of compiled code.
type Fragment struct {
	Name  string
	Start uintptr
	Code  []byte
}

// End returns the first address past the fragment.
func (f *Fragment) End() uintptr {
	return f.Start + uintptr(len(f.Code))
}

// Contains reports whether pc lies inside the fragment.
func (f *Fragment) Contains(pc uintptr) bool {
	return pc >= f.Start && pc < f.End()
}

// Before returns up to n code bytes ending just before pc, clipped at the
// fragment start.
func (f *Fragment) Before(pc uintptr, n int) []byte {
	if !f.Contains(pc) && pc != f.End() {
		return nil
	}
	off := int(pc - f.Start)
	lo := off - n
	if lo < 0 {
		lo = 0
	}
	return f.Code[lo:off]
}

// At returns up to n code bytes starting at pc.
func (f *Fragment) At(pc uintptr, n int) []byte {
	if !f.Contains(pc) {
		return nil
	}
	off := int(pc - f.Start)
	hi := off + n
	if hi > len(f.Code) {
		hi = len(f.Code)
	}
	return f.Code[off:hi]
}

// ---------------------------------------------------------------------------
// Fragments: code fragment table
// ---------------------------------------------------------------------------

// Fragments is the table of registered code fragments. Lookups read an
// immutable sorted slice through an atomic pointer and never block, so they
// are safe from fault and signal paths; registration copies the slice.
type Fragments struct {
	mu   sync.Mutex // serializes writers
	list atomic.Pointer[[]*Fragment]
}

// NewFragments creates an empty table.
func NewFragments() *Fragments {
	fs := &Fragments{}
	empty := []*Fragment{}
	fs.list.Store(&empty)
	return fs
}

// Register adds f. Overlapping fragments are rejected.
func (fs *Fragments) Register(f *Fragment) error {
	if len(f.Code) == 0 {
		return fmt.Errorf("trap: fragment %q is empty", f.Name)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur := *fs.list.Load()
	for _, g := range cur {
		if f.Start < g.End() && g.Start < f.End() {
			return fmt.Errorf("trap: fragment %q [%#x,%#x) overlaps %q", f.Name, f.Start, f.End(), g.Name)
		}
	}
	next := make([]*Fragment, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, f)
	sort.Slice(next, func(i, j int) bool { return next[i].Start < next[j].Start })
	fs.list.Store(&next)
	return nil
}

// Unregister removes the fragment starting at start.
func (fs *Fragments) Unregister(start uintptr) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	cur := *fs.list.Load()
	for i, g := range cur {
		if g.Start == start {
			next := make([]*Fragment, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			fs.list.Store(&next)
			return true
		}
	}
	return false
}

// Find returns the fragment containing pc, or nil.
func (fs *Fragments) Find(pc uintptr) *Fragment {
	list := *fs.list.Load()
	i := sort.Search(len(list), func(i int) bool { return list[i].End() > pc })
	if i < len(list) && list[i].Contains(pc) {
		return list[i]
	}
	return nil
}

// Len returns the number of registered fragments.
func (fs *Fragments) Len() int {
	return len(*fs.list.Load())
}
