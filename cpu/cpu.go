// Package cpu declares the per-CPU / IPI interface the shootdown
// coordinator consumes (spec §6). The MMU core never implements this
// itself — a real kernel's scheduler and interrupt layer do — so this
// package is contract only, shaped after the teacher's
// runtime.CPUHint/percpu array idiom.
package cpu

// Controller answers "which CPU am I", "which CPUs exist", and "is
// this CPU using that context", and carries out synchronous
// single-target and broadcast cross-CPU calls.
type Controller interface {
	// Current returns the index of the CPU the caller is running on.
	Current() int
	// Running returns the indices of all CPUs currently participating
	// in the system (spec §4.5's "all other CPUs" for the kernel
	// context's broadcast case).
	Running() []int
	// UsesContext reports whether cpu currently has ctx loaded,
	// identified opaquely by the context's ID (mmu.Context.ID) so this
	// package never needs to import mmu.
	UsesContext(cpuID int, ctxToken uint64) bool
	// CallSingle synchronously invokes fn on cpuID and blocks until it
	// completes (spec §4.5: "the caller blocks until the target CPU
	// has completed its local invalidation").
	CallSingle(cpuID int, fn func())
	// Broadcast synchronously invokes fn, passing each target's CPU
	// index, on every CPU in Running except the caller, in parallel,
	// and blocks until all complete.
	Broadcast(fn func(cpuID int))
}
