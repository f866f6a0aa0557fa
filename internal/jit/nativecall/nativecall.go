// Package nativecall is the thin assembly trampoline that jumps from Go
// into a compiled trace's entry point and back, in the style of the
// other_examples retrieval pack's hand-rolled JIT callers (a
// no-body-in-Go, implemented-in-a-sibling-.s-file function declaration
// bridging Go's calling convention to a raw function pointer).
//
// codegen/amd64 fixes three registers as context pointers on entry —
// rbp (FrameBase, the spill area), rsi (the interpreter value-stack
// base), rdi (the module globals base) — so Call loads exactly those
// three before transferring control, and returns whatever the trace
// left in rax: 0 for a normal fall-through to the loop-back point, or a
// nonzero side-exit index the engine maps back to a snapshot.
package nativecall

import "unsafe"

// Call invokes a compiled trace's native entry point. spill, stack, and
// globals must each point at a live, GC-pinned backing array for the
// duration of the call — the trace addresses them directly as raw
// memory, so the Go garbage collector must not move or reclaim them
// while native code is running.
//
//go:noescape
func Call(entry uintptr, spill, stack, globals unsafe.Pointer) uint64
