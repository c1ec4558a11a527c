package trap

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/chazu/nativetrap/journal"
	"github.com/tliron/commonlog"
)

// Action is the disposition installed for a signal.
type Action uint8

const (
	ActionDefault Action = iota // OS default behavior
	ActionIgnore                // discarded
	ActionRecord                // marked pending and run at the next safe point
)

func (a Action) String() string {
	switch a {
	case ActionDefault:
		return "default"
	case ActionIgnore:
		return "ignore"
	case ActionRecord:
		return "record"
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Handler is a managed-language signal handler. A non-nil error is raised
// in the managed program at the safe point that ran the handler.
type Handler func(st *State, sig syscall.Signal) error

// signalOS is the process-level signal disposition API.
type signalOS interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Reset(sig ...os.Signal)
	Ignore(sig ...os.Signal)
	Ignored(sig os.Signal) bool
	Stop(c chan<- os.Signal)
}

type osSignals struct{}

func (osSignals) Notify(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) }
func (osSignals) Reset(sig ...os.Signal)                      { signal.Reset(sig...) }
func (osSignals) Ignore(sig ...os.Signal)                     { signal.Ignore(sig...) }
func (osSignals) Ignored(sig os.Signal) bool                  { return signal.Ignored(sig) }
func (osSignals) Stop(c chan<- os.Signal)                     { signal.Stop(c) }

// ---------------------------------------------------------------------------
// Signals: deferred signal delivery
// ---------------------------------------------------------------------------

// Signals installs signal dispositions for the process and routes Record
// signals to the pending table of the attached execution context. Handlers
// never run at the point of delivery: delivery only marks the signal
// pending and forces the young limit, and the dispatcher drains the table
// at its next safe point.
//
// A signal delivered again while still pending is coalesced with the
// pending delivery.
type Signals struct {
	mu       sync.Mutex
	actions  [NSIG]Action
	known    [NSIG]bool
	handlers [NSIG]Handler

	target    atomic.Pointer[State]
	fragments *Fragments
	journal   *journal.Ring
	os        signalOS

	ch   chan os.Signal
	done chan struct{}

	log commonlog.Logger
}

// NewSignals creates the signal delivery for a process. fragments
// recognizes compiled code at the interrupted pc.
func NewSignals(fragments *Fragments, j *journal.Ring) *Signals {
	return newSignals(fragments, j, osSignals{})
}

func newSignals(fragments *Fragments, j *journal.Ring, sys signalOS) *Signals {
	return &Signals{
		fragments: fragments,
		journal:   j,
		os:        sys,
		log:       commonlog.GetLogger("nativetrap.signals"),
	}
}

// Attach makes st the execution context that receives Record signals.
func (s *Signals) Attach(st *State) {
	s.target.Store(st)
}

// Target returns the attached execution context.
func (s *Signals) Target() *State {
	return s.target.Load()
}

// SetHandler registers the managed handler for sig.
func (s *Signals) SetHandler(sig syscall.Signal, h Handler) error {
	if sig <= 0 || int(sig) >= NSIG {
		return fmt.Errorf("trap: signal %d out of range", int(sig))
	}
	s.mu.Lock()
	s.handlers[sig] = h
	s.mu.Unlock()
	return nil
}

// Install sets the disposition of sig and returns the previous one.
// Leaving Record clears the signal's pending entry, and the forced young
// limit when nothing else is pending, so that Record, Default, Record
// behaves exactly like a single Record install. It runs on the goroutine
// of the attached context.
func (s *Signals) Install(sig syscall.Signal, act Action) (Action, error) {
	if sig <= 0 || int(sig) >= NSIG {
		return ActionDefault, fmt.Errorf("trap: signal %d out of range", int(sig))
	}
	if act > ActionRecord {
		return ActionDefault, fmt.Errorf("trap: invalid action %d", uint8(act))
	}
	if act != ActionDefault && (sig == syscall.SIGKILL || sig == syscall.SIGSTOP) {
		return ActionDefault, fmt.Errorf("trap: signal %v cannot be caught or ignored", sig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.actions[sig]
	if !s.known[sig] {
		prev = ActionDefault
		if s.os.Ignored(sig) {
			prev = ActionIgnore
		}
	}

	switch act {
	case ActionDefault:
		s.os.Reset(sig)
	case ActionIgnore:
		s.os.Ignore(sig)
	case ActionRecord:
		s.startLocked()
		s.os.Notify(s.ch, sig)
	}
	if act != ActionRecord {
		if st := s.target.Load(); st != nil && !st.clearPending(sig) {
			st.RestoreLimit()
		}
	}
	s.actions[sig] = act
	s.known[sig] = true

	s.log.Infof("signal %v: %v -> %v", sig, prev, act)
	return prev, nil
}

// Action returns the disposition installed through s for sig.
func (s *Signals) Action(sig syscall.Signal) Action {
	if sig <= 0 || int(sig) >= NSIG {
		return ActionDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[sig]
}

// Record is the low-level handler for a Record signal. ctx is the
// interrupted machine context, or nil when the signal was delivered
// asynchronously without one; in that case the attached State's
// managed-code flag stands in for the pc check.
//
// Deliveries of a signal whose disposition is no longer Record are
// dropped; os/signal may still hand over values queued before the change.
func (s *Signals) Record(sig syscall.Signal, ctx MachineContext) {
	if sig <= 0 || int(sig) >= NSIG {
		return
	}
	st := s.target.Load()
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions[sig] != ActionRecord {
		return
	}
	st.markPending(sig)

	var inCode bool
	var pc uintptr
	if ctx != nil {
		pc = ctx.PC()
		inCode = s.fragments != nil && s.fragments.Find(pc) != nil
	} else {
		inCode = st.InManagedCode()
	}
	if inCode {
		st.ForceLimit()
		if ctx != nil {
			ctx.SetYoungLimit(st.YoungLimit())
		}
	}
	s.journal.Record(journal.Event{
		Kind:    journal.KindSignalRecorded,
		Context: st.ID,
		PC:      pc,
		Signal:  int(sig),
	})
}

// Drain runs the managed handlers of every pending signal of st, in signal
// number order. If a handler fails, the remaining signals stay pending and
// the limit is forced again so they run at the next safe point.
func (s *Signals) Drain(st *State) error {
	if !st.anyPending.Swap(false) {
		return nil
	}
	for i := 1; i < NSIG; i++ {
		if !st.pending[i].Swap(false) {
			continue
		}
		sig := syscall.Signal(i)
		s.mu.Lock()
		h := s.handlers[i]
		s.mu.Unlock()
		s.journal.Record(journal.Event{
			Kind:    journal.KindSignalDrained,
			Context: st.ID,
			Signal:  i,
		})
		if h == nil {
			continue
		}
		if err := h(st, sig); err != nil {
			for j := i + 1; j < NSIG; j++ {
				if st.pending[j].Load() {
					st.anyPending.Store(true)
					st.ForceLimit()
					break
				}
			}
			return err
		}
	}
	return nil
}

// startLocked starts the goroutine that turns OS deliveries into Record
// calls. s.mu must be held.
func (s *Signals) startLocked() {
	if s.ch != nil {
		return
	}
	s.ch = make(chan os.Signal, NSIG)
	s.done = make(chan struct{})
	go s.loop(s.ch, s.done)
}

func (s *Signals) loop(ch <-chan os.Signal, done chan struct{}) {
	defer close(done)
	for v := range ch {
		if sig, ok := v.(syscall.Signal); ok {
			s.Record(sig, nil)
		}
	}
}

// Close stops OS delivery and restores the default disposition of every
// signal installed through s.
func (s *Signals) Close() {
	s.mu.Lock()
	ch, done := s.ch, s.done
	s.ch, s.done = nil, nil
	for i := 1; i < NSIG; i++ {
		if s.known[i] && s.actions[i] != ActionDefault {
			s.os.Reset(syscall.Signal(i))
			s.actions[i] = ActionDefault
		}
	}
	s.mu.Unlock()

	if ch != nil {
		s.os.Stop(ch)
		close(ch)
		<-done
	}
}
