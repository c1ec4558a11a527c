// Package framedesc implements the frame descriptor directory: the
// build-time table that tells the runtime, for every call site in compiled
// code, which stack slots hold live values and which allocations the call
// site requests when it traps into the collector.
//
// The directory is generated once, loaded at start and never mutated, so it
// is shared by every execution context without synchronization.
package framedesc

import "fmt"

// Flags describe properties of a call site.
type Flags uint8

const (
	FlagDebugInfo  Flags = 1 << iota // debug info follows the descriptor
	FlagAllocation                   // call site is an allocation trap re-entry point
	FlagHandler                      // an exception handler is live at this site
)

// ReturnToC is the frame size sentinel of a frame that returns into foreign
// code. Such frames are never allocation sites.
const ReturnToC uint16 = 0xFFFF

// MaxAllocWords is the largest payload, in words, one encoded allocation
// length can describe.
const MaxAllocWords = 256

// Descriptor describes a single call site. Descriptors are immutable once
// the directory holding them is built.
type Descriptor struct {
	RetAddr   uintptr  `cbor:"1,keyasint"`
	FrameSize uint16   `cbor:"2,keyasint"`
	Flags     Flags    `cbor:"3,keyasint"`
	Live      []uint16 `cbor:"4,keyasint,omitempty"` // stack offsets of live roots
	Allocs    []uint8  `cbor:"5,keyasint,omitempty"` // encoded allocation lengths
}

// IsAllocation reports whether the descriptor marks an allocation site
// with at least one allocation.
func (d *Descriptor) IsAllocation() bool {
	return d.FrameSize != ReturnToC && d.Flags&FlagAllocation != 0 && len(d.Allocs) > 0
}

// HasHandler reports whether an exception handler is live at the site.
func (d *Descriptor) HasHandler() bool {
	return d.Flags&FlagHandler != 0
}

// NumAllocs returns the number of allocations combined at this site.
func (d *Descriptor) NumAllocs() int {
	return len(d.Allocs)
}

// AllocWords returns the decoded payload size, in words, of each
// allocation combined at this site.
func (d *Descriptor) AllocWords() []int {
	words := make([]int, len(d.Allocs))
	for i, e := range d.Allocs {
		words[i] = DecodeAllocLen(e)
	}
	return words
}

// EncodeAllocLen encodes a payload size in words into one byte.
func EncodeAllocLen(words int) (uint8, error) {
	if words < 1 || words > MaxAllocWords {
		return 0, fmt.Errorf("framedesc: allocation of %d words cannot be encoded", words)
	}
	return uint8(words - 1), nil
}

// DecodeAllocLen is the inverse of EncodeAllocLen.
func DecodeAllocLen(e uint8) int {
	return int(e) + 1
}

// NewAllocationSite builds the descriptor of an allocation call site that
// requests the given payload sizes (in words), combined into one trap.
func NewAllocationSite(retAddr uintptr, frameSize uint16, live []uint16, words ...int) (*Descriptor, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("framedesc: allocation site %#x has no allocations", retAddr)
	}
	if frameSize == ReturnToC {
		return nil, fmt.Errorf("framedesc: allocation site %#x cannot return to C", retAddr)
	}
	allocs := make([]uint8, len(words))
	for i, w := range words {
		e, err := EncodeAllocLen(w)
		if err != nil {
			return nil, err
		}
		allocs[i] = e
	}
	return &Descriptor{
		RetAddr:   retAddr,
		FrameSize: frameSize,
		Flags:     FlagAllocation,
		Live:      live,
		Allocs:    allocs,
	}, nil
}
