//go:build unix

package trap

import (
	"errors"
	"testing"

	"github.com/chazu/nativetrap/journal"
	"golang.org/x/sys/unix"
)

func TestProtectReportsHostFault(t *testing.T) {
	mem, err := unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Skipf("mmap: %v", err)
	}
	defer unix.Munmap(mem)

	f := newGuardFixture(t, defaultGuardConfig())
	var sink byte
	err = f.guard.Protect(f.st, func() { sink = mem[8] })
	if !errors.Is(err, ErrUnrelatedFault) {
		t.Fatalf("Protect = %v, want ErrUnrelatedFault", err)
	}
	_ = sink
	evs := f.ring.Take()
	if len(evs) != 1 || evs[0].Kind != journal.KindUnrelated {
		t.Errorf("journal = %+v", evs)
	}
}

func TestHostInstaller(t *testing.T) {
	var h HostInstaller
	if err := h.Install(); err != nil || !h.Installed() {
		t.Fatalf("Install: %v", err)
	}
	h.Deactivate()
	if h.Installed() {
		t.Error("still installed after Deactivate")
	}
}
