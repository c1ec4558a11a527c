package trap

import (
	"errors"
	"testing"

	"github.com/chazu/nativetrap/journal"
)

const (
	fragStart = 0x1000
	probePC   = 0x1002
	stackTop  = 0x80000
	stackSP   = 0x7f000
)

type guardFixture struct {
	guard     *Guard
	st        *State
	coll      *fakeCollector
	installer *fakeInstaller
	registry  *Registry
	ring      *journal.Ring
}

func newGuardFixture(t *testing.T, cfg GuardConfig) *guardFixture {
	t.Helper()
	frags := NewFragments()
	// nop; size byte 2; probe; nop
	if err := frags.Register(&Fragment{Name: "f", Start: fragStart, Code: []byte{0x90, 0x02, fakeProbe, 0x90}}); err != nil {
		t.Fatal(err)
	}
	f := &guardFixture{
		st:        youngState(),
		coll:      &fakeCollector{},
		installer: &fakeInstaller{},
		registry:  NewRegistry(),
		ring:      journal.NewRing(16),
	}
	f.st.SetStack(stackTop, stackSP)
	f.guard = NewGuard(GuardOptions{
		Config:     cfg,
		Fragments:  frags,
		Dispatcher: &Dispatcher{Collector: f.coll, Journal: f.ring},
		Decoder:    fakeDecoder{},
		Registry:   f.registry,
		Installer:  f.installer,
		Journal:    f.ring,
	})
	return f
}

func defaultGuardConfig() GuardConfig {
	return GuardConfig{StackSlack: DefaultStackSlack, GuardBytes: 0x100}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	f := newGuardFixture(t, defaultGuardConfig())
	tests := []struct {
		name  string
		rec   FaultRecord
		class Class
		words int
	}{
		{"stack at slack edge", FaultRecord{Addr: stackSP - 256, PC: probePC, SP: stackSP}, ClassStackOverflow, 0},
		{"stack past slack", FaultRecord{Addr: stackSP - 264, PC: probePC, SP: stackSP}, ClassUnrelated, 0},
		{"stack at sp", FaultRecord{Addr: stackSP, PC: fragStart, SP: stackSP}, ClassStackOverflow, 0},
		{"top of stack excluded", FaultRecord{Addr: stackTop, PC: fragStart, SP: stackTop}, ClassUnrelated, 0},
		{"sp at top of stack", FaultRecord{Addr: stackTop - 8, PC: fragStart, SP: stackTop}, ClassStackOverflow, 0},
		{"top minus slack", FaultRecord{Addr: stackTop - 256, PC: fragStart, SP: stackTop}, ClassStackOverflow, 0},
		{"below top minus slack", FaultRecord{Addr: stackTop - 264, PC: fragStart, SP: stackTop}, ClassUnrelated, 0},
		{"above top of stack", FaultRecord{Addr: stackTop + 8, PC: fragStart, SP: stackTop}, ClassUnrelated, 0},
		{"stack from foreign pc", FaultRecord{Addr: stackSP - 8, PC: 0x5000, SP: stackSP}, ClassUnrelated, 0},
		{"misaligned stack", FaultRecord{Addr: stackSP - 7, PC: probePC, SP: stackSP}, ClassUnrelated, 0},
		{"guard zone", FaultRecord{Addr: 0x100f0, PC: probePC, SP: stackSP}, ClassGuardZoneOverflow, 2},
		{"lowest guard word", FaultRecord{Addr: 0x10008, PC: probePC, SP: stackSP}, ClassGuardZoneOverflow, 2},
		{"young base excluded", FaultRecord{Addr: 0x10000, PC: probePC, SP: stackSP}, ClassUnrelated, 0},
		{"below guard zone", FaultRecord{Addr: 0xfff8, PC: probePC, SP: stackSP}, ClassUnrelated, 0},
		{"young start", FaultRecord{Addr: 0x10100, PC: probePC, SP: stackSP}, ClassUnrelated, 0},
		{"guard zone, not a probe", FaultRecord{Addr: 0x100f0, PC: 0x1003, SP: stackSP}, ClassUnrelated, 0},
		{"guard zone, foreign pc", FaultRecord{Addr: 0x100f0, PC: 0x5000, SP: stackSP}, ClassUnrelated, 0},
		{"misaligned guard zone", FaultRecord{Addr: 0x100f4, PC: probePC, SP: stackSP}, ClassUnrelated, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, words := f.guard.Classify(f.st, tt.rec)
			if class != tt.class || words != tt.words {
				t.Errorf("Classify = %v/%d, want %v/%d", class, words, tt.class, tt.words)
			}
		})
	}
}

// A configured guard size that disagrees with the reserved zone never
// widens it; a stack pointer too close to zero has no overflow region.
func TestClassifyBounds(t *testing.T) {
	tests := []struct {
		name  string
		cfg   GuardConfig
		rec   FaultRecord
		class Class
	}{
		{"oversized guard, below young base", GuardConfig{StackSlack: 256, GuardBytes: 0x1000},
			FaultRecord{Addr: 0xff00, PC: probePC, SP: stackSP}, ClassUnrelated},
		{"oversized guard, inside reserved zone", GuardConfig{StackSlack: 256, GuardBytes: 0x1000},
			FaultRecord{Addr: 0x10008, PC: probePC, SP: stackSP}, ClassGuardZoneOverflow},
		{"undersized guard, inside", GuardConfig{StackSlack: 256, GuardBytes: 0x40},
			FaultRecord{Addr: 0x100c0, PC: probePC, SP: stackSP}, ClassGuardZoneOverflow},
		{"undersized guard, beyond", GuardConfig{StackSlack: 256, GuardBytes: 0x40},
			FaultRecord{Addr: 0x100b8, PC: probePC, SP: stackSP}, ClassUnrelated},
		{"sp below slack", GuardConfig{StackSlack: 256, GuardBytes: 0x100},
			FaultRecord{Addr: 0x40, PC: probePC, SP: 0x80}, ClassUnrelated},
		{"sp equal to slack", GuardConfig{StackSlack: 256, GuardBytes: 0x100},
			FaultRecord{Addr: 0x8, PC: probePC, SP: 0x100}, ClassUnrelated},
		{"sp just above slack", GuardConfig{StackSlack: 256, GuardBytes: 0x100},
			FaultRecord{Addr: 0x8, PC: probePC, SP: 0x108}, ClassStackOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGuardFixture(t, tt.cfg)
			if class, _ := f.guard.Classify(f.st, tt.rec); class != tt.class {
				t.Errorf("Classify = %v, want %v", class, tt.class)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Guard-zone overflow
// ---------------------------------------------------------------------------

func TestGuardZoneResumesWithRelocatedRegisters(t *testing.T) {
	f := newGuardFixture(t, defaultGuardConfig())
	f.coll.before = func(st *State) {
		roots := st.GCRoots()
		if len(roots) != 2 {
			t.Errorf("collector sees %d roots, want 2", len(roots))
			return
		}
		roots[0] = 0xaaaa // moved
	}

	f.st.YoungPtr = 0x10108
	ctx := &fakeContext{
		rec:   FaultRecord{Addr: 0x100f0, SP: stackSP},
		pc:    probePC,
		young: 0x100f0,
		regs:  []uintptr{0x12000, 0x777},
	}
	out, err := f.guard.HandleFault(f.st, ctx)
	if err != nil || out != OutcomeResumed {
		t.Fatalf("HandleFault = %v, %v", out, err)
	}
	if ctx.pc != probePC+1 {
		t.Errorf("resume pc %#x, want %#x", ctx.pc, probePC+1)
	}
	if ctx.regs[0] != 0xaaaa || ctx.regs[1] != 0x777 {
		t.Errorf("registers after trap = %#x", ctx.regs)
	}
	if ctx.young != f.st.YoungPtr || ctx.young != 0x100f0 {
		t.Errorf("young ptr register %#x, state %#x", ctx.young, f.st.YoungPtr)
	}
	c := f.coll.calls[0]
	if c.words != 2 || c.ptr != 0x10108 || c.flags&FromCompiled == 0 {
		t.Errorf("dispatch = %+v", c)
	}
	if f.st.LastReturnAddress != probePC+1 || f.st.BottomOfStack != stackSP {
		t.Error("state not updated from the faulting context")
	}
	if f.st.GCRoots() != nil {
		t.Error("register roots still valid after the trap")
	}
	evs := f.ring.Take()
	if len(evs) != 1 || evs[0].Kind != journal.KindGuardOverflow || evs[0].Words != 2 {
		t.Errorf("journal = %+v", evs)
	}
}

func TestGuardZoneCollectorErrorRaised(t *testing.T) {
	f := newGuardFixture(t, defaultGuardConfig())
	oom := errors.New("out of memory")
	f.coll.err = oom
	f.st.YoungPtr = 0x10108
	ctx := &fakeContext{rec: FaultRecord{Addr: 0x100f0, SP: stackSP}, pc: probePC, young: 0x100f0, regs: []uintptr{1}}

	out, err := f.guard.HandleFault(f.st, ctx)
	if out != OutcomeRaised || !errors.Is(err, oom) {
		t.Errorf("HandleFault = %v, %v", out, err)
	}
	if ctx.regs[0] != 1 {
		t.Error("registers not restored on error")
	}
}

// ---------------------------------------------------------------------------
// Stack overflow
// ---------------------------------------------------------------------------

func TestStackOverflowRaisedEachTime(t *testing.T) {
	f := newGuardFixture(t, defaultGuardConfig())
	var errs []error
	for i := 0; i < 2; i++ {
		ctx := &fakeContext{rec: FaultRecord{Addr: stackSP - 16, SP: stackSP}, pc: probePC, exn: 0x7f800}
		out, err := f.guard.HandleFault(f.st, ctx)
		if out != OutcomeRaised {
			t.Fatalf("overflow %d: outcome %v", i, out)
		}
		if !errors.Is(err, ErrStackOverflow) {
			t.Fatalf("overflow %d: err %v", i, err)
		}
		errs = append(errs, err)
	}
	if errs[0] == errs[1] {
		t.Error("second overflow reused the first condition")
	}
	var so *StackOverflowError
	if !errors.As(errs[1], &so) || so.Context != f.st.ID || so.Addr != stackSP-16 {
		t.Errorf("condition = %+v", so)
	}
	if f.st.ExceptionPointer != 0x7f800 {
		t.Error("exception pointer not captured")
	}
	if f.installer.deactivations != 0 {
		t.Error("a stack overflow deactivated the handler")
	}
}

func TestStackOverflowRedirect(t *testing.T) {
	cfg := defaultGuardConfig()
	cfg.Overflow = OverflowRedirect
	cfg.RecoveryPC = 0x2000
	f := newGuardFixture(t, cfg)
	h := f.registry.Register(f.st)

	ctx := &fakeContext{rec: FaultRecord{Addr: stackSP - 8, SP: stackSP}, pc: probePC}
	out, err := f.guard.HandleFault(f.st, ctx)
	if err != nil || out != OutcomeRedirected {
		t.Fatalf("HandleFault = %v, %v", out, err)
	}
	if ctx.pc != 0x2000 || ctx.arg0 != uintptr(h) {
		t.Errorf("redirected to %#x with arg %d", ctx.pc, ctx.arg0)
	}

	err = f.guard.RaiseStackOverflow(h)
	var so *StackOverflowError
	if !errors.As(err, &so) || so.PC != probePC {
		t.Errorf("RaiseStackOverflow = %v", err)
	}
	if err := f.guard.RaiseStackOverflow(h + 1); !errors.Is(err, ErrUnknownContext) {
		t.Errorf("unknown handle: %v", err)
	}
}

func TestStackOverflowRedirectNeedsHandle(t *testing.T) {
	cfg := defaultGuardConfig()
	cfg.Overflow = OverflowRedirect
	cfg.RecoveryPC = 0x2000
	f := newGuardFixture(t, cfg)

	ctx := &fakeContext{rec: FaultRecord{Addr: stackSP - 8, SP: stackSP}, pc: probePC}
	out, err := f.guard.HandleFault(f.st, ctx)
	if out != OutcomeRaised || !errors.Is(err, ErrStackOverflow) {
		t.Errorf("HandleFault = %v, %v", out, err)
	}
	if ctx.pc != probePC {
		t.Error("unregistered context was redirected")
	}
}

// ---------------------------------------------------------------------------
// Unrelated faults
// ---------------------------------------------------------------------------

func TestUnrelatedFaultDeactivates(t *testing.T) {
	f := newGuardFixture(t, defaultGuardConfig())
	if err := f.guard.Install(); err != nil || f.installer.installs != 1 {
		t.Fatalf("Install: %v", err)
	}
	ctx := &fakeContext{rec: FaultRecord{Addr: 0xdead0, SP: stackSP}, pc: 0x5000}
	out, err := f.guard.HandleFault(f.st, ctx)
	if err != nil || out != OutcomeDeactivated {
		t.Fatalf("HandleFault = %v, %v", out, err)
	}
	if f.installer.deactivations != 1 {
		t.Error("installer not deactivated")
	}
	if ctx.pc != 0x5000 {
		t.Error("context modified for an unrelated fault")
	}
	evs := f.ring.Take()
	if len(evs) != 1 || evs[0].Kind != journal.KindUnrelated || evs[0].Addr != 0xdead0 {
		t.Errorf("journal = %+v", evs)
	}
}

func TestProtectPassesOtherPanics(t *testing.T) {
	f := newGuardFixture(t, defaultGuardConfig())
	if err := f.guard.Protect(f.st, func() {}); err != nil {
		t.Errorf("Protect = %v", err)
	}
	defer func() {
		if r := recover(); r != "boom" {
			t.Errorf("recovered %v, want boom", r)
		}
	}()
	f.guard.Protect(f.st, func() { panic("boom") })
}
