package trap

import (
	"os"
	"sync"
	"syscall"
)

// fakeContext is a MachineContext over plain fields.
type fakeContext struct {
	rec      FaultRecord
	pc       uintptr
	arg0     uintptr
	young    uintptr
	exn      uintptr
	regs     []uintptr
	limit    uintptr
	limitReg bool
}

func (c *fakeContext) Record() FaultRecord {
	r := c.rec
	r.PC = c.pc
	return r
}
func (c *fakeContext) PC() uintptr               { return c.pc }
func (c *fakeContext) SetPC(pc uintptr)          { c.pc = pc }
func (c *fakeContext) SetArg0(v uintptr)         { c.arg0 = v }
func (c *fakeContext) YoungPtr() uintptr         { return c.young }
func (c *fakeContext) SetYoungPtr(v uintptr)     { c.young = v }
func (c *fakeContext) ExceptionPointer() uintptr { return c.exn }

func (c *fakeContext) SetYoungLimit(v uintptr) bool {
	if !c.limitReg {
		return false
	}
	c.limit = v
	return true
}

func (c *fakeContext) Save(snap *Snapshot) {
	snap.N = copy(snap.Regs[:], c.regs)
}

func (c *fakeContext) Restore(snap *Snapshot) {
	copy(c.regs, snap.Regs[:snap.N])
}

// fakeDecoder recognizes a two-byte fast path: one byte holding the payload
// size followed by the probe byte 0xcc.
type fakeDecoder struct{}

const fakeProbe = 0xcc

func (fakeDecoder) DecodeAllocWords(before, at []byte) (int, bool) {
	if len(before) < 1 || len(at) < 1 || at[0] != fakeProbe {
		return 0, false
	}
	w := int(before[len(before)-1])
	return w, w >= 1
}
func (fakeDecoder) SequenceLen() int { return 1 }
func (fakeDecoder) ProbeLen() int    { return 1 }

type dispatchCall struct {
	words int
	flags DispatchFlags
	count int
	sizes []uint8
	ptr   uintptr // YoungPtr on entry
}

// fakeCollector reserves below YoungPtr and records each call.
type fakeCollector struct {
	calls  []dispatchCall
	err    error
	before func(st *State)
}

func (c *fakeCollector) Dispatch(st *State, words int, flags DispatchFlags, count int, sizes []uint8) (uintptr, error) {
	c.calls = append(c.calls, dispatchCall{words, flags, count, sizes, st.YoungPtr})
	if c.before != nil {
		c.before(st)
	}
	if c.err != nil {
		return 0, c.err
	}
	st.YoungPtr -= uintptr(words+1) * WordSize
	return st.YoungPtr + WordSize, nil
}

// fakeInstaller counts installs and deactivations.
type fakeInstaller struct {
	installs, deactivations int
}

func (f *fakeInstaller) Install() error { f.installs++; return nil }
func (f *fakeInstaller) Deactivate()    { f.deactivations++ }

// fakeOS records disposition changes instead of touching the process.
type fakeOS struct {
	mu       sync.Mutex
	notified map[os.Signal]bool
	ignored  map[os.Signal]bool
	resets   int
}

func newFakeOS() *fakeOS {
	return &fakeOS{notified: map[os.Signal]bool{}, ignored: map[os.Signal]bool{}}
}

func (f *fakeOS) Notify(c chan<- os.Signal, sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sig {
		f.notified[s] = true
		delete(f.ignored, s)
	}
}

func (f *fakeOS) Reset(sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sig {
		delete(f.notified, s)
		delete(f.ignored, s)
		f.resets++
	}
}

func (f *fakeOS) Ignore(sig ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range sig {
		delete(f.notified, s)
		f.ignored[s] = true
	}
}

func (f *fakeOS) Ignored(sig os.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ignored[sig]
}

func (f *fakeOS) Stop(c chan<- os.Signal) {}

func (f *fakeOS) isNotified(sig syscall.Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified[sig]
}

// youngState returns a State with a young generation of 1024 words above a
// 256-byte guard zone at 0x10000.
func youngState() *State {
	st := NewState()
	st.SetYoung(0x10000, 0x10100, 0x12100, 0x10100)
	return st
}
