// Package amd64 implements the execution context bridge and the inline
// allocation encodings for x86-64.
//
// Register conventions of compiled code:
//
//	R15  young pointer (allocation pointer)
//	R14  exception pointer
//	RDI  first C argument
//	R11  scratch, target of the guard probe
package amd64

import "github.com/chazu/nativetrap/trap"

// SigContext mirrors the Linux amd64 struct sigcontext found in the
// ucontext passed to a SA_SIGINFO handler.
type SigContext struct {
	R8      uint64
	R9      uint64
	R10     uint64
	R11     uint64
	R12     uint64
	R13     uint64
	R14     uint64
	R15     uint64
	Rdi     uint64
	Rsi     uint64
	Rbp     uint64
	Rbx     uint64
	Rdx     uint64
	Rax     uint64
	Rcx     uint64
	Rsp     uint64
	Rip     uint64
	Eflags  uint64
	Cs      uint16
	Gs      uint16
	Fs      uint16
	Ss      uint16
	Err     uint64
	Trapno  uint64
	Oldmask uint64
	Cr2     uint64 // faulting address
}

// gcRegs lists, by snapshot slot, the registers that may hold live values
// across an allocation. Save and Restore both walk this table.
var gcRegs = [...]func(*SigContext) *uint64{
	func(c *SigContext) *uint64 { return &c.Rax },
	func(c *SigContext) *uint64 { return &c.Rbx },
	func(c *SigContext) *uint64 { return &c.Rdi },
	func(c *SigContext) *uint64 { return &c.Rsi },
	func(c *SigContext) *uint64 { return &c.Rdx },
	func(c *SigContext) *uint64 { return &c.Rcx },
	func(c *SigContext) *uint64 { return &c.R8 },
	func(c *SigContext) *uint64 { return &c.R9 },
	func(c *SigContext) *uint64 { return &c.R12 },
	func(c *SigContext) *uint64 { return &c.R13 },
	func(c *SigContext) *uint64 { return &c.R10 },
	func(c *SigContext) *uint64 { return &c.R11 },
	func(c *SigContext) *uint64 { return &c.Rbp },
}

// NumGCRegs is the number of snapshot slots used on amd64.
const NumGCRegs = len(gcRegs)

// Slot names, in snapshot order.
var slotNames = [NumGCRegs]string{
	"rax", "rbx", "rdi", "rsi", "rdx", "rcx", "r8", "r9", "r12", "r13", "r10", "r11", "rbp",
}

// SlotName returns the register held in snapshot slot i.
func SlotName(i int) string {
	if i < 0 || i >= NumGCRegs {
		return ""
	}
	return slotNames[i]
}

// Context adapts a SigContext to trap.MachineContext.
type Context struct {
	SC *SigContext
}

var _ trap.MachineContext = (*Context)(nil)

// NewContext wraps sc.
func NewContext(sc *SigContext) *Context {
	return &Context{SC: sc}
}

func (c *Context) Record() trap.FaultRecord {
	return trap.FaultRecord{
		Addr: uintptr(c.SC.Cr2),
		PC:   uintptr(c.SC.Rip),
		SP:   uintptr(c.SC.Rsp),
	}
}

func (c *Context) PC() uintptr               { return uintptr(c.SC.Rip) }
func (c *Context) SetPC(pc uintptr)          { c.SC.Rip = uint64(pc) }
func (c *Context) SetArg0(v uintptr)         { c.SC.Rdi = uint64(v) }
func (c *Context) YoungPtr() uintptr         { return uintptr(c.SC.R15) }
func (c *Context) SetYoungPtr(v uintptr)     { c.SC.R15 = uint64(v) }
func (c *Context) ExceptionPointer() uintptr { return uintptr(c.SC.R14) }

// SetYoungLimit reports false: amd64 code reads the limit from memory.
func (c *Context) SetYoungLimit(uintptr) bool { return false }

func (c *Context) Save(snap *trap.Snapshot) {
	for i, reg := range gcRegs {
		snap.Regs[i] = uintptr(*reg(c.SC))
	}
	snap.N = NumGCRegs
}

func (c *Context) Restore(snap *trap.Snapshot) {
	for i, reg := range gcRegs {
		*reg(c.SC) = uint64(snap.Regs[i])
	}
}
