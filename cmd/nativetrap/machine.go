package main

import (
	"fmt"

	"github.com/chazu/nativetrap/arch/amd64"
	"github.com/chazu/nativetrap/config"
	"github.com/chazu/nativetrap/framedesc"
	"github.com/chazu/nativetrap/heap"
	"github.com/chazu/nativetrap/journal"
	"github.com/chazu/nativetrap/trap"
)

// Synthetic code layout. Fragments only describe code bytes at addresses;
// nothing is executed, the scenarios play the part of compiled code.
const (
	programBase  = 0x400000
	recoveryBase = 0x480000
	stackTop     = 0x7ffe0000
	stackSize    = 0x10000
)

// allocSite is one inline allocation in the synthetic program.
type allocSite struct {
	words   []int
	retAddr uintptr // return address of the call into the dispatcher
	probe   uintptr // address of the guard probe
	total   int     // combined payload words
}

// machine wires one execution context to every subsystem.
type machine struct {
	cfg *config.Config

	nursery    *heap.Nursery
	fragments  *trap.Fragments
	frames     *framedesc.Directory
	ring       *journal.Ring
	signals    *trap.Signals
	registry   *trap.Registry
	dispatcher *trap.Dispatcher
	guard      *trap.Guard
	installer  *trap.HostInstaller
	st         *trap.State

	sites []allocSite
}

// programSites are the allocation sites of the synthetic program.
var programSites = [][]int{{2}, {3, 5, 2}, {14}, {256}}

// emitProgram lays out one fragment holding an inline check per site, each
// followed by a 5-byte call to the dispatcher, and returns the sites and
// their frame descriptors.
func emitProgram(base uintptr) (*trap.Fragment, []allocSite, []*framedesc.Descriptor, error) {
	var code []byte
	var sites []allocSite
	var descs []*framedesc.Descriptor
	for _, words := range programSites {
		s := allocSite{words: words}
		allocs := make([]uint8, len(words))
		for i, w := range words {
			e, err := framedesc.EncodeAllocLen(w)
			if err != nil {
				return nil, nil, nil, err
			}
			allocs[i] = e
		}
		s.total = trap.CombinedWords(allocs)
		seq, err := amd64.EmitAllocCheck(s.total)
		if err != nil {
			return nil, nil, nil, err
		}
		code = append(code, seq...)
		s.probe = base + uintptr(len(code)-amd64.ProbeLen)
		code = append(code, 0xe8, 0, 0, 0, 0) // call into the dispatcher
		s.retAddr = base + uintptr(len(code))

		d, err := framedesc.NewAllocationSite(s.retAddr, 16, []uint16{0, 8}, words...)
		if err != nil {
			return nil, nil, nil, err
		}
		descs = append(descs, d)
		sites = append(sites, s)
	}
	code = append(code, 0xc3) // ret
	frag := &trap.Fragment{Name: "program", Start: base, Code: code}
	return frag, sites, descs, nil
}

// newMachine builds the runtime described by cfg.
func newMachine(cfg *config.Config) (*machine, error) {
	nursery, err := heap.NewNursery(cfg.Heap.YoungWords, cfg.Guard.GuardWords, cfg.Heap.MajorWords)
	if err != nil {
		return nil, err
	}

	m := &machine{
		cfg:       cfg,
		nursery:   nursery,
		fragments: trap.NewFragments(),
		ring:      journal.NewRing(cfg.Journal.Capacity),
		registry:  trap.NewRegistry(),
		installer: &trap.HostInstaller{},
		st:        trap.NewState(),
	}

	frag, sites, descs, err := emitProgram(programBase)
	if err != nil {
		nursery.Close()
		return nil, err
	}
	m.sites = sites
	if err := m.fragments.Register(frag); err != nil {
		nursery.Close()
		return nil, err
	}
	recovery := &trap.Fragment{Name: "stack-overflow-recovery", Start: recoveryBase, Code: []byte{0xc3}}
	if err := m.fragments.Register(recovery); err != nil {
		nursery.Close()
		return nil, err
	}
	if m.frames, err = framedesc.Build(descs); err != nil {
		nursery.Close()
		return nil, err
	}

	m.signals = trap.NewSignals(m.fragments, m.ring)
	m.dispatcher = &trap.Dispatcher{
		Frames:    m.frames,
		Collector: nursery,
		Signals:   m.signals,
		Journal:   m.ring,
	}
	gcfg := cfg.GuardConfig(nursery.GuardBytes())
	gcfg.RecoveryPC = recovery.Start
	m.guard = trap.NewGuard(trap.GuardOptions{
		Config:     gcfg,
		Fragments:  m.fragments,
		Dispatcher: m.dispatcher,
		Decoder:    amd64.FastPath{},
		Registry:   m.registry,
		Installer:  m.installer,
		Journal:    m.ring,
	})

	nursery.Attach(m.st)
	m.st.SetStack(stackTop, stackTop-stackSize)
	m.registry.Register(m.st)
	m.signals.Attach(m.st)
	return m, nil
}

// installSignals applies the configured dispositions.
func (m *machine) installSignals() error {
	rec, err := m.cfg.RecordSignals()
	if err != nil {
		return err
	}
	ign, err := m.cfg.IgnoreSignals()
	if err != nil {
		return err
	}
	for _, sig := range rec {
		if _, err := m.signals.Install(sig, trap.ActionRecord); err != nil {
			return err
		}
	}
	for _, sig := range ign {
		if _, err := m.signals.Install(sig, trap.ActionIgnore); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine) Close() error {
	m.signals.Close()
	m.installer.Deactivate()
	m.registry.Unregister(m.st.Handle())
	return m.nursery.Close()
}

// site returns the allocation site combining the given payload sizes.
func (m *machine) site(words ...int) (allocSite, error) {
	for _, s := range m.sites {
		if len(s.words) != len(words) {
			continue
		}
		match := true
		for i := range words {
			match = match && s.words[i] == words[i]
		}
		if match {
			return s, nil
		}
	}
	return allocSite{}, fmt.Errorf("no allocation site for %v", words)
}

// allocate runs the inline check of s and, when it fails, the allocation
// trap. It returns the address of the first payload word and whether the
// dispatcher was entered.
func (m *machine) allocate(s allocSite) (uintptr, bool, error) {
	if m.st.BumpCheck(s.total) {
		return m.st.YoungPtr + trap.WordSize, false, nil
	}
	m.st.LastReturnAddress = s.retAddr
	p, err := m.dispatcher.GarbageCollection(m.st)
	return p, true, err
}
