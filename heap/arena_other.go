//go:build !unix

package heap

// mapArena allocates from the Go heap. The guard zone is reserved but not
// protected.
func mapArena(size, guard int) (*arena, error) {
	guard = pageRound(guard)
	return newArena(make([]byte, guard+pageRound(size)), uintptr(guard), false), nil
}

func (a *arena) unmap() error {
	a.mem = nil
	return nil
}
