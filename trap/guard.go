package trap

import (
	"fmt"

	"github.com/chazu/nativetrap/journal"
	"github.com/tliron/commonlog"
)

// Class is the classification of a fault.
type Class uint8

const (
	ClassUnrelated         Class = iota // not ours: escalate
	ClassStackOverflow                  // compiled code ran past the stack
	ClassGuardZoneOverflow              // inline allocation probed the guard zone
)

func (c Class) String() string {
	switch c {
	case ClassUnrelated:
		return "unrelated"
	case ClassStackOverflow:
		return "stack-overflow"
	case ClassGuardZoneOverflow:
		return "guard-zone-overflow"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Outcome is how HandleFault disposed of a fault.
type Outcome uint8

const (
	OutcomeResumed     Outcome = iota + 1 // context rewritten, execution continues after the probe
	OutcomeRedirected                     // context rewritten to enter the recovery routine
	OutcomeRaised                         // a managed condition was returned to the caller
	OutcomeDeactivated                    // handler removed, the fault re-raises with default behavior
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResumed:
		return "resumed"
	case OutcomeRedirected:
		return "redirected"
	case OutcomeRaised:
		return "raised"
	case OutcomeDeactivated:
		return "deactivated"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// StackOverflowMode selects how a stack overflow leaves the handler.
type StackOverflowMode uint8

const (
	// OverflowRaise returns the condition from HandleFault.
	OverflowRaise StackOverflowMode = iota
	// OverflowRedirect rewrites the context so that execution resumes in
	// the recovery routine, which then calls RaiseStackOverflow.
	OverflowRedirect
)

// DefaultStackSlack is how far below the stack pointer compiled code may
// touch memory.
const DefaultStackSlack = 256

// GuardConfig sizes the regions the classifier recognizes. Both regions
// err small: an undersized region sends a real fault to the default
// disposition, an oversized one could service a genuine fault as an
// allocation forever.
type GuardConfig struct {
	StackSlack uintptr // bytes below SP compiled code may touch
	GuardBytes uintptr // size of the guard zone below YoungStart
	Overflow   StackOverflowMode
	RecoveryPC uintptr // entry of the stack overflow recovery routine
}

// FaultInstaller installs and removes the process's fault handler.
type FaultInstaller interface {
	Install() error
	Deactivate()
}

// GuardOptions wires a Guard.
type GuardOptions struct {
	Config     GuardConfig
	Fragments  *Fragments
	Dispatcher *Dispatcher
	Decoder    FastPathDecoder
	Registry   *Registry
	Installer  FaultInstaller // optional
	Journal    *journal.Ring  // optional
}

// ---------------------------------------------------------------------------
// Guard: the fault-based guard subsystem
// ---------------------------------------------------------------------------

// Guard classifies hardware faults raised by compiled code and recovers from
// stack overflows and guard-zone allocation overflows.
type Guard struct {
	cfg        GuardConfig
	fragments  *Fragments
	dispatcher *Dispatcher
	decoder    FastPathDecoder
	registry   *Registry
	installer  FaultInstaller
	journal    *journal.Ring
	log        commonlog.Logger
}

// NewGuard creates a guard.
func NewGuard(opts GuardOptions) *Guard {
	return &Guard{
		cfg:        opts.Config,
		fragments:  opts.Fragments,
		dispatcher: opts.Dispatcher,
		decoder:    opts.Decoder,
		registry:   opts.Registry,
		installer:  opts.Installer,
		journal:    opts.Journal,
		log:        commonlog.GetLogger("nativetrap.guard"),
	}
}

// Config returns the guard's configuration.
func (g *Guard) Config() GuardConfig {
	return g.cfg
}

// Install installs the fault handler through the configured installer.
func (g *Guard) Install() error {
	if g.installer == nil {
		return nil
	}
	if err := g.installer.Install(); err != nil {
		return fmt.Errorf("trap: installing fault handler: %w", err)
	}
	g.log.Infof("fault handler installed, stack slack %d bytes, guard zone %d bytes", g.cfg.StackSlack, g.cfg.GuardBytes)
	return nil
}

// Classify decides what a fault is. The checks run in a fixed order so that
// any doubt ends in ClassUnrelated. For ClassGuardZoneOverflow it also
// returns the payload size the fast path tried to allocate.
func (g *Guard) Classify(st *State, rec FaultRecord) (Class, int) {
	frag := g.fragments.Find(rec.PC)
	if frag == nil {
		return ClassUnrelated, 0
	}
	if rec.Addr&(WordSize-1) != 0 {
		return ClassUnrelated, 0
	}

	// An sp within the slack of address zero is not a stack we know.
	if rec.SP > g.cfg.StackSlack && rec.Addr < st.TopOfStack && rec.Addr >= rec.SP-g.cfg.StackSlack {
		return ClassStackOverflow, 0
	}

	// The guard zone is bounded by the configured size and by the zone
	// actually reserved above YoungBase, whichever is narrower.
	if st.YoungStart != 0 && g.decoder != nil {
		if rec.Addr > st.YoungBase && rec.Addr < st.YoungStart && st.YoungStart-rec.Addr <= g.cfg.GuardBytes {
			before := frag.Before(rec.PC, g.decoder.SequenceLen())
			at := frag.At(rec.PC, g.decoder.ProbeLen())
			if words, ok := g.decoder.DecodeAllocWords(before, at); ok {
				return ClassGuardZoneOverflow, words
			}
		}
	}
	return ClassUnrelated, 0
}

// HandleFault is the trap entry for a memory fault raised while st's
// context was running. It returns once ctx describes where execution
// continues; with OutcomeRaised the returned error is the managed
// condition to raise, and with OutcomeDeactivated the platform must let the
// fault re-raise with the default disposition.
func (g *Guard) HandleFault(st *State, ctx MachineContext) (Outcome, error) {
	rec := ctx.Record()
	class, words := g.Classify(st, rec)
	switch class {
	case ClassStackOverflow:
		return g.handleStackOverflow(st, ctx, rec)
	case ClassGuardZoneOverflow:
		return g.handleGuardZone(st, ctx, rec, words)
	}
	g.deactivate(st, rec)
	return OutcomeDeactivated, nil
}

func (g *Guard) handleStackOverflow(st *State, ctx MachineContext, rec FaultRecord) (Outcome, error) {
	g.journal.Record(journal.Event{
		Kind:    journal.KindStackOverflow,
		Context: st.ID,
		PC:      rec.PC,
		Addr:    rec.Addr,
	})
	if g.cfg.Overflow == OverflowRedirect && g.cfg.RecoveryPC != 0 && st.handle != 0 {
		st.lastOverflow = rec
		ctx.SetArg0(uintptr(st.handle))
		ctx.SetPC(g.cfg.RecoveryPC)
		return OutcomeRedirected, nil
	}
	st.YoungPtr = ctx.YoungPtr()
	st.ExceptionPointer = ctx.ExceptionPointer()
	return OutcomeRaised, &StackOverflowError{Context: st.ID, PC: rec.PC, SP: rec.SP, Addr: rec.Addr}
}

// RaiseStackOverflow is called by the recovery routine a redirected stack
// overflow resumes in. It returns the condition to raise for the context
// identified by h.
func (g *Guard) RaiseStackOverflow(h Handle) error {
	st := g.registry.Lookup(h)
	if st == nil {
		return fmt.Errorf("%w: handle %d", ErrUnknownContext, h)
	}
	rec := st.lastOverflow
	return &StackOverflowError{Context: st.ID, PC: rec.PC, SP: rec.SP, Addr: rec.Addr}
}

func (g *Guard) handleGuardZone(st *State, ctx MachineContext, rec FaultRecord, words int) (Outcome, error) {
	resume := rec.PC + uintptr(g.decoder.ProbeLen())
	ctx.SetPC(resume)

	st.YoungPtr = ctx.YoungPtr()
	st.LastReturnAddress = resume
	st.BottomOfStack = rec.SP

	g.journal.Record(journal.Event{
		Kind:    journal.KindGuardOverflow,
		Context: st.ID,
		PC:      rec.PC,
		Addr:    rec.Addr,
		Words:   words,
	})

	ctx.Save(&st.Regs)
	st.regsValid = true
	_, err := g.dispatcher.allocSmall(st, words, FromCompiled|Track, 0, nil)
	st.regsValid = false
	ctx.Restore(&st.Regs)
	ctx.SetYoungPtr(st.YoungPtr)
	if err != nil {
		return OutcomeRaised, err
	}
	return OutcomeResumed, nil
}

func (g *Guard) deactivate(st *State, rec FaultRecord) {
	if g.installer != nil {
		g.installer.Deactivate()
	}
	g.journal.Record(journal.Event{
		Kind:    journal.KindUnrelated,
		Context: st.ID,
		PC:      rec.PC,
		Addr:    rec.Addr,
	})
	g.log.Criticalf("unrelated fault at address %#x (pc %#x, sp %#x), restoring default disposition",
		rec.Addr, rec.PC, rec.SP)
}
