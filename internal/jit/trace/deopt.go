package trace

import "tracejit/internal/jit/ir"

// ExitState is the raw machine state a guard's side-exit stub hands
// back to Go: the trace's spill area, indexed the same way codegen
// addressed it (FrameBase-relative, in units of 8 bytes). There is no
// register file to capture — the register allocator forces every
// snapshot-referenced value to a spill slot precisely so a side exit
// never needs one (regalloc.Allocate's snapshot-forces-spill rule).
type ExitState struct {
	Spill []uint64
}

// Reconstruct walks one guard failure's snapshot and calls set(slot,
// value) for every interpreter stack slot the snapshot restores,
// returning the bytecode PC the interpreter should resume at (spec
// §4.5: "restore Wren stack values from mapped snapshot ... resume
// interpretation").
func Reconstruct(snap DeoptSnapshot, exit ExitState, set func(slot int32, value uint64)) int32 {
	for _, e := range snap.Entries {
		set(e.Slot, readAlloc(e.Alloc, exit))
	}
	return snap.ResumePC
}

func readAlloc(a ir.Allocation, exit ExitState) uint64 {
	if a.Kind != ir.AllocSpill || a.Index < 0 || a.Index >= len(exit.Spill) {
		return 0
	}
	return exit.Spill[a.Index]
}
