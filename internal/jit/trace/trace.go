// Package trace holds a compiled trace's installed form, the anchor-PC
// keyed cache that finds it again, and the deoptimizer that reconstructs
// interpreter state when one of its guards fails (spec §4.5).
//
// Grounded on original_source/src/jit/wren_jit.h's JitTrace record
// (anchor PC, code pointer/size, snapshot array, exec/exit counters) and
// wren_jit_snapshot.h's entry layout, translated from parallel C arrays
// into Go slices and from a raw code pointer into an execmem.Region.
package trace

import (
	"github.com/google/uuid"

	"tracejit/internal/jit/execmem"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/regalloc"
)

// DeoptEntry is one interpreter stack slot's value, located at the
// point a guard failed.
type DeoptEntry struct {
	Slot  int32
	Alloc ir.Allocation
}

// DeoptSnapshot mirrors one ir.Snapshot, but with SSA ids already
// resolved to their final register/spill-slot locations (spec §4.3's
// allocator output feeding spec §4.5's reconstruction step) so the
// deoptimizer never needs the IR buffer at exit time.
type DeoptSnapshot struct {
	ResumePC   int32
	StackDepth int32
	Entries    []DeoptEntry
}

// CompiledTrace is one anchor PC's installed native code plus everything
// needed to run it and, if it exits early, unwind it.
type CompiledTrace struct {
	AnchorPC int32
	BuildID  uuid.UUID

	Region   *execmem.Region
	Entry    uintptr
	LoopOff  int
	SpillSlots int

	Snapshots []DeoptSnapshot

	ExecCount uint64
	ExitCount uint64
}

// New builds a CompiledTrace's static metadata from the buffer the
// recorder produced, the allocation the register allocator assigned,
// and the region codegen's output was installed into. It neither runs
// nor installs the code: the caller allocates and finalizes the region
// first, and Cache.Insert files the result.
func New(anchorPC int32, buf *ir.Buffer, alloc regalloc.Result, loopOff, spillSlots int, region *execmem.Region, entry uintptr) *CompiledTrace {
	locs := make(map[ir.ID]ir.Allocation, len(alloc.Ranges))
	for _, rg := range alloc.Ranges {
		locs[rg.ID] = rg.Alloc
	}

	snaps := make([]DeoptSnapshot, len(buf.Snapshots))
	for i, s := range buf.Snapshots {
		entries := buf.SnapshotEntries(int32(i))
		out := make([]DeoptEntry, len(entries))
		for j, e := range entries {
			out[j] = DeoptEntry{Slot: e.Slot, Alloc: locs[e.Val]}
		}
		snaps[i] = DeoptSnapshot{ResumePC: s.ResumePC, StackDepth: s.StackDepth, Entries: out}
	}

	return &CompiledTrace{
		AnchorPC:   anchorPC,
		BuildID:    uuid.New(),
		Region:     region,
		Entry:      entry,
		LoopOff:    loopOff,
		SpillSlots: spillSlots,
		Snapshots:  snaps,
	}
}

// Release frees the trace's executable memory. Called when the cache
// evicts it.
func (t *CompiledTrace) Release() error {
	if t.Region == nil {
		return nil
	}
	return t.Region.Free()
}
