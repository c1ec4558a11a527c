package main

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/chazu/nativetrap/arch/amd64"
	"github.com/chazu/nativetrap/trap"
)

// scenario drives one path through the subsystem and describes the result.
// Protected scenarios run under Guard.Protect; the others manage the
// goroutine's fault behavior themselves.
type scenario struct {
	name      string
	run       func(m *machine) (string, error)
	protected bool
}

var scenarios = []scenario{
	{"alloc", scenarioAlloc, true},
	{"guard", scenarioGuard, true},
	{"overflow", scenarioOverflow, true},
	{"signal", scenarioSignal, true},
	{"unrelated", scenarioUnrelated, false},
}

// selectScenarios resolves a comma-separated list; "all" selects every
// scenario.
func selectScenarios(list string) ([]scenario, error) {
	if list == "" || list == "all" {
		return scenarios, nil
	}
	var out []scenario
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		found := false
		for _, s := range scenarios {
			if s.name == name {
				out = append(out, s)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// scenarioAlloc allocates through the combined site until the nursery has
// been emptied twice.
func scenarioAlloc(m *machine) (string, error) {
	s, err := m.site(3, 5, 2)
	if err != nil {
		return "", err
	}
	perCycle := m.cfg.Heap.YoungWords / (s.total + 1)
	n := 2*perCycle + 1
	traps := 0
	for i := 0; i < n; i++ {
		p, trapped, err := m.allocate(s)
		if err != nil {
			return "", err
		}
		if !m.nursery.InYoung(p) {
			return "", fmt.Errorf("allocation %d at %#x outside the young generation", i, p)
		}
		if trapped {
			traps++
		}
	}
	return fmt.Sprintf("%d allocations of %d words, %d traps, %d minor collections",
		n, s.total, traps, m.nursery.Stats().MinorCollections), nil
}

// scenarioGuard overruns the nursery with an inline allocation whose probe
// faults in the guard zone, with a live block held in rax.
func scenarioGuard(m *machine) (string, error) {
	s, err := m.site(2)
	if err != nil {
		return "", err
	}
	obj, _, err := m.allocate(s)
	if err != nil {
		return "", err
	}
	const marker = 0x5eed
	m.nursery.Store(obj, marker)

	// Exhaust the nursery, then run the inline sequence by hand.
	m.st.YoungPtr = m.st.YoungStart + trap.WordSize
	r15 := m.st.YoungPtr - uintptr(s.total+1)*trap.WordSize
	sc := &amd64.SigContext{
		Rax: uint64(obj),
		R15: uint64(r15),
		Rip: uint64(s.probe),
		Rsp: stackTop - stackSize/2,
		Cr2: uint64(r15),
	}
	out, err := m.guard.HandleFault(m.st, amd64.NewContext(sc))
	if err != nil {
		return "", err
	}
	if out != trap.OutcomeResumed {
		return "", fmt.Errorf("guard-zone fault: outcome %v", out)
	}
	moved := uintptr(sc.Rax)
	if v, ok := m.nursery.Load(moved); !ok || v != marker {
		return "", fmt.Errorf("block in rax lost across the collection (%#x)", moved)
	}
	return fmt.Sprintf("%v at pc %#x, rax %#x -> %#x, r15 %#x", out, s.probe, obj, moved, sc.R15), nil
}

// scenarioOverflow runs compiled code off the end of the stack twice.
func scenarioOverflow(m *machine) (string, error) {
	s, err := m.site(14)
	if err != nil {
		return "", err
	}
	var conds []error
	for i := 0; i < 2; i++ {
		sp := uint64(stackTop - stackSize)
		addr := (sp - uint64(m.cfg.Guard.StackSlack)/2) &^ (trap.WordSize - 1)
		sc := &amd64.SigContext{Rip: uint64(s.probe), Rsp: sp, Cr2: addr, R15: uint64(m.st.YoungPtr)}
		out, err := m.guard.HandleFault(m.st, amd64.NewContext(sc))
		switch out {
		case trap.OutcomeRedirected:
			// Execution resumes in the recovery routine with the handle in rdi.
			err = m.guard.RaiseStackOverflow(trap.Handle(sc.Rdi))
		case trap.OutcomeRaised:
		default:
			return "", fmt.Errorf("stack overflow: outcome %v", out)
		}
		if !errors.Is(err, trap.ErrStackOverflow) {
			return "", fmt.Errorf("stack overflow: %v", err)
		}
		conds = append(conds, err)
	}
	if conds[0] == conds[1] {
		return "", errors.New("stack overflow condition reused")
	}
	return fmt.Sprintf("%d conditions raised (%s mode): %v", len(conds), m.cfg.Guard.StackOverflow, conds[1]), nil
}

// scenarioSignal sends a Record signal to the process while in compiled
// code and lets the next allocation trap run its handler.
func scenarioSignal(m *machine) (string, error) {
	if err := m.installSignals(); err != nil {
		return "", err
	}
	sig := syscall.SIGUSR1
	if rec, _ := m.cfg.RecordSignals(); len(rec) > 0 {
		sig = rec[0]
	} else if _, err := m.signals.Install(sig, trap.ActionRecord); err != nil {
		return "", err
	}

	handled := 0
	m.signals.SetHandler(sig, func(*trap.State, syscall.Signal) error {
		handled++
		return nil
	})

	m.st.EnterManaged()
	defer m.st.LeaveManaged()

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		return "", err
	}
	if err := proc.Signal(sig); err != nil {
		return "", err
	}
	deadline := time.After(5 * time.Second)
	for !m.st.Pending(sig) {
		select {
		case <-deadline:
			return "", fmt.Errorf("%v never became pending", sig)
		case <-time.After(time.Millisecond):
		}
	}
	if !m.st.LimitForced() {
		return "", errors.New("young limit not forced by the pending signal")
	}

	s, err := m.site(2)
	if err != nil {
		return "", err
	}
	if _, trapped, err := m.allocate(s); err != nil {
		return "", err
	} else if !trapped {
		return "", errors.New("allocation did not trap with a forced limit")
	}
	if handled != 1 {
		return "", fmt.Errorf("handler ran %d times", handled)
	}
	return fmt.Sprintf("%v deferred to the allocation trap at %#x", sig, s.retAddr), nil
}

// scenarioUnrelated reports a fault outside compiled code and checks that
// the goroutine's fault behavior is back to what it was before Install.
func scenarioUnrelated(m *machine) (string, error) {
	before := panicOnFault()
	if err := m.guard.Install(); err != nil {
		return "", err
	}
	if !panicOnFault() {
		return "", errors.New("fault handler install did not enable panic-on-fault")
	}
	sc := &amd64.SigContext{Rip: 0xdead0000, Rsp: stackTop - 0x100, Cr2: 0x10}
	out, err := m.guard.HandleFault(m.st, amd64.NewContext(sc))
	if err != nil {
		return "", err
	}
	if out != trap.OutcomeDeactivated || m.installer.Installed() {
		return "", fmt.Errorf("unrelated fault: outcome %v", out)
	}
	if after := panicOnFault(); after != before {
		return "", fmt.Errorf("panic-on-fault is %v after deactivation, was %v", after, before)
	}
	return fmt.Sprintf("%v: panic-on-fault restored to %v", out, before), nil
}

// panicOnFault reports the calling goroutine's panic-on-fault setting.
func panicOnFault() bool {
	v := debug.SetPanicOnFault(false)
	debug.SetPanicOnFault(v)
	return v
}
