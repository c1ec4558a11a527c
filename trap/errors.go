package trap

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrStackOverflow matches every *StackOverflowError.
var ErrStackOverflow = errors.New("stack overflow")

// ErrUnrelatedFault reports a fault that does not belong to the managed
// runtime. Such faults are fatal.
var ErrUnrelatedFault = errors.New("trap: unrelated fault")

// ErrUnknownContext is returned when a context handle is not registered.
var ErrUnknownContext = errors.New("trap: unknown execution context")

// StackOverflowError is the managed-language condition raised when compiled
// code runs past the reserved execution stack. Each overflow produces a new
// value.
type StackOverflowError struct {
	Context uuid.UUID
	PC      uintptr
	SP      uintptr
	Addr    uintptr
}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("Stack overflow in context %s (pc %#x, sp %#x, fault address %#x)",
		e.Context, e.PC, e.SP, e.Addr)
}

// Is makes errors.Is(err, ErrStackOverflow) hold.
func (e *StackOverflowError) Is(target error) bool {
	return target == ErrStackOverflow
}

// InconsistencyError is panicked when runtime metadata contradicts itself,
// such as an allocation trap at a call site that is not an allocation site.
type InconsistencyError struct {
	What    string
	RetAddr uintptr
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("trap: internal inconsistency at return address %#x: %s", e.RetAddr, e.What)
}
