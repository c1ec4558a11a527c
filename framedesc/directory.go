package framedesc

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Directory: open-addressed table keyed by return address
// ---------------------------------------------------------------------------

// Directory maps return addresses to descriptors. The table size is a power
// of two at least twice the number of descriptors, so every probe sequence
// reaches an empty slot.
type Directory struct {
	table []*Descriptor
	mask  uintptr
	count int
}

// MissingDescriptorError is panicked by Lookup when a return address has no
// descriptor. The directory is generated for every trap re-entry point, so
// this is an internal-consistency violation, never a recoverable error.
type MissingDescriptorError struct {
	RetAddr uintptr
}

func (e *MissingDescriptorError) Error() string {
	return fmt.Sprintf("framedesc: no frame descriptor for return address %#x", e.RetAddr)
}

func hashRetAddr(addr uintptr) uintptr {
	return addr >> 3
}

func tableSize(n int) int {
	size := 4
	for size < 2*n {
		size *= 2
	}
	return size
}

// Build creates a directory holding descs. Duplicate return addresses and
// allocation sites without allocations are rejected.
func Build(descs []*Descriptor) (*Directory, error) {
	size := tableSize(len(descs))
	dir := &Directory{
		table: make([]*Descriptor, size),
		mask:  uintptr(size - 1),
	}
	for _, d := range descs {
		if d == nil {
			return nil, fmt.Errorf("framedesc: nil descriptor")
		}
		if d.Flags&FlagAllocation != 0 && len(d.Allocs) == 0 {
			return nil, fmt.Errorf("framedesc: allocation site %#x has no allocations", d.RetAddr)
		}
		h := hashRetAddr(d.RetAddr) & dir.mask
		for dir.table[h] != nil {
			if dir.table[h].RetAddr == d.RetAddr {
				return nil, fmt.Errorf("framedesc: duplicate descriptor for return address %#x", d.RetAddr)
			}
			h = (h + 1) & dir.mask
		}
		dir.table[h] = d
		dir.count++
	}
	return dir, nil
}

// Find returns the descriptor registered for retAddr.
func (dir *Directory) Find(retAddr uintptr) (*Descriptor, bool) {
	h := hashRetAddr(retAddr) & dir.mask
	for {
		d := dir.table[h]
		if d == nil {
			return nil, false
		}
		if d.RetAddr == retAddr {
			return d, true
		}
		h = (h + 1) & dir.mask
	}
}

// Lookup returns the descriptor registered for retAddr and panics with a
// *MissingDescriptorError when there is none.
func (dir *Directory) Lookup(retAddr uintptr) *Descriptor {
	d, ok := dir.Find(retAddr)
	if !ok {
		panic(&MissingDescriptorError{RetAddr: retAddr})
	}
	return d
}

// Len returns the number of descriptors.
func (dir *Directory) Len() int {
	return dir.count
}

// Capacity returns the table size.
func (dir *Directory) Capacity() int {
	return len(dir.table)
}

// Descriptors returns the descriptors ordered by return address.
func (dir *Directory) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, dir.count)
	for _, d := range dir.table {
		if d != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetAddr < out[j].RetAddr })
	return out
}
