//go:build unix

package heap

import "golang.org/x/sys/unix"

// mapArena maps size usable bytes above a PROT_NONE guard of at least
// guard bytes.
func mapArena(size, guard int) (*arena, error) {
	guard = pageRound(guard)
	mem, err := unix.Mmap(-1, 0, guard+pageRound(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	if guard > 0 {
		if err := unix.Mprotect(mem[:guard], unix.PROT_NONE); err != nil {
			unix.Munmap(mem)
			return nil, err
		}
	}
	return newArena(mem, uintptr(guard), guard > 0), nil
}

func (a *arena) unmap() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
