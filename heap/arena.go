package heap

import (
	"encoding/binary"
	"os"
	"unsafe"
)

// arena is a fixed mapping addressed by absolute word addresses. The first
// guard bytes are inaccessible when protected is set.
type arena struct {
	mem       []byte
	base      uintptr
	guard     uintptr
	protected bool
}

func newArena(mem []byte, guard uintptr, protected bool) *arena {
	return &arena{
		mem:       mem,
		base:      uintptr(unsafe.Pointer(&mem[0])),
		guard:     guard,
		protected: protected,
	}
}

func (a *arena) end() uintptr {
	return a.base + uintptr(len(a.mem))
}

func (a *arena) contains(addr uintptr) bool {
	return addr >= a.base+a.guard && addr+8 <= a.end()
}

func (a *arena) load(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(a.mem[addr-a.base:])
}

func (a *arena) store(addr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(a.mem[addr-a.base:], v)
}

func (a *arena) copyFrom(src *arena, dst, from, size uintptr) {
	copy(a.mem[dst-a.base:dst-a.base+size], src.mem[from-src.base:from-src.base+size])
}

func pageRound(n int) int {
	pg := os.Getpagesize()
	return (n + pg - 1) &^ (pg - 1)
}
