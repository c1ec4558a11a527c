// Package trap is the bridge between compiled code of a garbage-collected
// language and the operating system's trap and signal facilities.
//
// This package contains:
//   - State, the runtime bookkeeping of one execution context
//   - the code fragment table used to recognize compiled code
//   - the allocation dispatcher (the slow path of the bump allocator)
//   - the guard (stack overflow and guard-zone faults)
//   - deferred signal delivery (pending tables drained at safe points)
//   - the MachineContext contract implemented per architecture
//
// Every trap path runs synchronously with the interrupted execution context.
// The only state shared between contexts is the frame descriptor directory
// and the fragment table.
package trap
