package trap

// ---------------------------------------------------------------------------
// Execution Context Bridge contract
// ---------------------------------------------------------------------------

// WordSize is the size in bytes of a heap word and of a block header.
const WordSize = 8

// SnapshotSlots bounds the number of registers any architecture saves.
const SnapshotSlots = 16

// FaultRecord is what the OS reports about one fault. It is produced per
// fault, consumed synchronously and discarded.
type FaultRecord struct {
	Addr uintptr // faulting data address
	PC   uintptr // program counter of the faulting instruction
	SP   uintptr // stack pointer at the fault
}

// Snapshot holds the registers that may carry live values across an
// allocation. Slot i always maps to the same register for a given
// architecture, on save and on restore.
type Snapshot struct {
	Regs [SnapshotSlots]uintptr
	N    int
}

// Live returns the saved slots.
func (s *Snapshot) Live() []uintptr {
	return s.Regs[:s.N]
}

// MachineContext is the raw register state handed to a fault or signal
// handler. Implementations live in the architecture packages and are the
// only code that reads or writes hardware registers; everything else acts
// on State.
type MachineContext interface {
	// Record extracts the fault record.
	Record() FaultRecord
	// PC returns the interrupted program counter.
	PC() uintptr
	// SetPC changes where execution resumes when the handler returns.
	SetPC(pc uintptr)
	// SetArg0 sets the first argument register of the C calling convention.
	SetArg0(v uintptr)
	// YoungPtr returns the allocation pointer register.
	YoungPtr() uintptr
	// SetYoungPtr writes the allocation pointer register.
	SetYoungPtr(v uintptr)
	// ExceptionPointer returns the exception handler chain register.
	ExceptionPointer() uintptr
	// SetYoungLimit writes the allocation limit into the register that
	// caches it, and reports false when the architecture keeps the limit
	// only in memory.
	SetYoungLimit(v uintptr) bool
	// Save copies the live registers into snap.
	Save(snap *Snapshot)
	// Restore writes snap back into the registers, using the same slots as
	// Save.
	Restore(snap *Snapshot)
}

// FastPathDecoder recovers the allocation size from the instruction bytes
// compiled code emits for the inline allocation check.
type FastPathDecoder interface {
	// DecodeAllocWords inspects the bytes ending at the faulting pc
	// (before) and starting at it (at), and returns the payload size in
	// words the fast path tried to reserve.
	DecodeAllocWords(before, at []byte) (words int, ok bool)
	// SequenceLen is the longest run of bytes before the pc the decoder
	// needs.
	SequenceLen() int
	// ProbeLen is the length of the faulting probe instruction. Execution
	// resumes this many bytes after the faulting pc.
	ProbeLen() int
}
