package regalloc

import (
	"sort"

	"tracejit/internal/jit/ir"
)

// Pool describes the physical register count available to each class
// (spec §4.3: "a small fixed pool per class, sized to the target ABI's
// callee-saved set").
type Pool struct {
	GP int
	FP int
}

// Result is the allocator's output: every range's Alloc field is filled
// in, and SpillSlots is the number of frame slots the codegen backend
// must reserve.
type Result struct {
	Ranges     []ir.LiveRange
	SpillSlots int
}

// Allocate runs linear-scan register allocation over ranges, sorted by
// start position, maintaining one active set per class (spec §4.3).
// When a class's pool is exhausted, the active range that ends last is
// spilled if it ends later than the new range — the classic "spill the
// one that frees a register for longest" heuristic — otherwise the new
// range itself spills.
//
// buf is consulted only to walk phi nodes afterward and coalesce their
// entry/back-edge operands onto one shared location (spec §4.4: phis
// carry no data-flow uses of their own — they exist purely to tell the
// allocator "these two values are the same physical slot across a
// back-edge" so a compiled loop iterates without end-of-iteration
// shuffle code).
func Allocate(buf *ir.Buffer, ranges []ir.LiveRange, pool Pool) Result {
	sorted := append([]ir.LiveRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	active := map[ir.RegClass][]*ir.LiveRange{ir.ClassGP: nil, ir.ClassFP: nil}
	freeRegs := map[ir.RegClass][]int{
		ir.ClassGP: sequence(ir.ClassGP, pool.GP),
		ir.ClassFP: sequence(ir.ClassFP, pool.FP),
	}
	nextSpill := 0

	for i := range sorted {
		cur := &sorted[i]
		expireOld(active, freeRegs, cur.Start)

		// Any value a snapshot can restore is spilled unconditionally,
		// never register-assigned. The side-exit trampoline calls back
		// into Go with nothing but the trace's spill area (spec §4.5) —
		// no register-file capture — so a deoptimizable value has to
		// already live somewhere the trampoline can read after the
		// call returns.
		if buf.UsedInSnapshot(cur.ID) {
			cur.Alloc = ir.Allocation{Kind: ir.AllocSpill, Class: cur.Class, Index: nextSpill}
			nextSpill++
			continue
		}

		regs := freeRegs[cur.Class]
		if len(regs) > 0 {
			reg := regs[len(regs)-1]
			freeRegs[cur.Class] = regs[:len(regs)-1]
			cur.Alloc = ir.Allocation{Kind: ir.AllocReg, Class: cur.Class, Index: reg}
			active[cur.Class] = insertActive(active[cur.Class], cur)
			continue
		}

		// Pool exhausted: spill whichever of the current range or the
		// active set's longest-lived member frees the most register
		// pressure.
		act := active[cur.Class]
		if len(act) > 0 && act[len(act)-1].End > cur.End {
			victim := act[len(act)-1]
			active[cur.Class] = act[:len(act)-1]
			cur.Alloc = victim.Alloc
			victim.Alloc = ir.Allocation{Kind: ir.AllocSpill, Class: cur.Class, Index: nextSpill}
			nextSpill++
			active[cur.Class] = insertActive(active[cur.Class], cur)
		} else {
			cur.Alloc = ir.Allocation{Kind: ir.AllocSpill, Class: cur.Class, Index: nextSpill}
			nextSpill++
		}
	}

	byID := make(map[ir.ID]*ir.LiveRange, len(sorted))
	for i := range sorted {
		byID[sorted[i].ID] = &sorted[i]
	}
	coalescePhis(buf, byID)

	return Result{Ranges: sorted, SpillSlots: nextSpill}
}

// coalescePhis forces a phi's entry and back-edge operands (and, if the
// phi itself survived DCE with a live range, the phi too) onto whichever
// allocation the entry operand received. The entry side is always
// defined earlier and typically already anchors the loop-invariant
// preheader value, so back-edge and phi ranges adopt it rather than the
// other way around.
func coalescePhis(buf *ir.Buffer, byID map[ir.ID]*ir.LiveRange) {
	for i := range buf.Nodes {
		n := &buf.Nodes[i]
		if n.Dead() || n.Op != ir.OpPhi {
			continue
		}
		entry, ok := byID[n.Op0]
		if !ok {
			continue
		}
		if back, ok := byID[n.Op1]; ok {
			back.Alloc = entry.Alloc
		}
		if self, ok := byID[ir.ID(i)]; ok {
			self.Alloc = entry.Alloc
		}
	}
}

// sequence builds the free-register stack for one class, offset so it
// never produces a physical index the backend has already claimed for
// its own purposes: GP register 0 is the amd64 backend's wide-immediate
// scratch (amd64.wideImmScratch) and is never handed to the allocator,
// so a GP pool of size n draws from physical registers 1..n rather than
// 0..n-1. FP has no such reservation at its low end, so it starts at 0.
func sequence(class ir.RegClass, n int) []int {
	base := 0
	if class == ir.ClassGP {
		base = 1
	}
	s := make([]int, n)
	for i := range s {
		s[i] = base + n - 1 - i // pop from the end; order within the pool is arbitrary
	}
	return s
}

// expireOld removes from active (and returns to the free pool) every
// range whose End is before pos, i.e. no longer live at the range we're
// about to allocate.
func expireOld(active map[ir.RegClass][]*ir.LiveRange, freeRegs map[ir.RegClass][]int, pos int) {
	for class, list := range active {
		kept := list[:0]
		for _, r := range list {
			if r.End < pos {
				if r.Alloc.Kind == ir.AllocReg {
					freeRegs[class] = append(freeRegs[class], r.Alloc.Index)
				}
			} else {
				kept = append(kept, r)
			}
		}
		active[class] = kept
	}
}

// insertActive keeps the active list sorted by End ascending, so the
// last element is always the longest-lived (the spill victim of
// choice).
func insertActive(list []*ir.LiveRange, r *ir.LiveRange) []*ir.LiveRange {
	i := sort.Search(len(list), func(i int) bool { return list[i].End >= r.End })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}
