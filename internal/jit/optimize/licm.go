package optimize

import "tracejit/internal/jit/ir"

// hoistInvariants marks pure nodes whose operands are all defined before
// the loop header (or are themselves invariant) as loop-invariant, and
// physically relocates them into the reserved pre-header nop slots
// (spec §4.1's "pre-allocate a fixed number of no-op slots... for the
// optimizer's later hoisting", spec §4.2 pass 6). Generate (codegen.go)
// walks nodes in increasing id order, so a relocated node's code is
// emitted ahead of the loop header's; no codegen or register-allocator
// change is needed for that. Each call of a compiled trace runs its
// code once from the entry to the final return (nothing jumps back to
// the header), so relocation changes where a node's code sits, not how
// many times it runs per call.
func hoistInvariants(b *ir.Buffer) {
	header := b.LoopHeader
	if header == ir.NoID {
		return
	}
	for i := 0; i < int(header); i++ {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op == ir.OpNop {
			continue
		}
		n.SetInvariant()
	}
	slot := nextFreePreheaderSlot(b, header)
	for i := int(header) + 1; i < len(b.Nodes); i++ {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op.HasSideEffect() || n.Op == ir.OpPhi {
			continue
		}
		if isInvariantOperand(b, n.Op0) && isInvariantOperand(b, n.Op1) {
			n.SetInvariant()
			hoistTo(b, id, &slot)
		}
	}
}

func isInvariantOperand(b *ir.Buffer, id ir.ID) bool {
	if id == ir.NoID {
		return true
	}
	return b.Get(id).Invariant()
}

// nextFreePreheaderSlot finds the first untouched reserved nop slot,
// picking up wherever an earlier hoisting pass in this same pipeline
// run left off rather than assuming the pre-header is empty.
func nextFreePreheaderSlot(b *ir.Buffer, header ir.ID) int {
	for i := 0; i < int(header); i++ {
		if b.Get(ir.ID(i)).Op == ir.OpNop {
			return i
		}
	}
	return int(header)
}

// hoistTo relocates the node at id into the pre-header slot at *slot,
// rewriting every use of id to the slot's id and turning id's old
// position into a dead no-op. Candidates are always visited in
// increasing id order, so an operand that was itself hoisted earlier in
// this same pass has already been redirected to its (smaller) slot id
// by the time a later candidate copies it, preserving the rule that an
// operand's id always precedes the id of the node that uses it. Returns
// false, changing nothing, once the reserved block is exhausted.
func hoistTo(b *ir.Buffer, id ir.ID, slot *int) bool {
	if *slot >= int(b.LoopHeader) {
		return false
	}
	dstID := ir.ID(*slot)
	dst := b.Get(dstID)
	if dst.Op != ir.OpNop {
		return false
	}
	*dst = *b.Get(id)
	dst.SetInvariant()
	dst.SetHoisted()
	b.ReplaceUse(id, dstID)
	b.Kill(id)
	*slot++
	return true
}

// hoistGuards migrates a guard above the loop-invariant computation it
// protects when the guard's own operand is already invariant, so the
// check itself runs once instead of every iteration (spec §4.2 pass 7).
// Shares the pre-header slot cursor with hoistInvariants via
// nextFreePreheaderSlot, continuing from wherever that pass left off.
func hoistGuards(b *ir.Buffer) {
	header := b.LoopHeader
	if header == ir.NoID {
		return
	}
	slot := nextFreePreheaderSlot(b, header)
	for i := int(header) + 1; i < len(b.Nodes); i++ {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || !n.Op.IsGuard() {
			continue
		}
		if isInvariantOperand(b, n.Op0) {
			n.SetInvariant()
			hoistTo(b, id, &slot)
		}
	}
}
