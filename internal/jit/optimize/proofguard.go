package optimize

import "tracejit/internal/jit/ir"

// eliminateGuardsByProofA removes a guard_num whose operand is already
// statically known to be numeric — the result of an unbox_num, a
// numeric constant, or a numeric arithmetic op — without needing the
// per-kind bitset redundant-guard-elimination pass to have seen an
// earlier identical guard on that exact id (spec §4.2 phase A: proof by
// local type inference over the def, not by matching a prior guard).
func eliminateGuardsByProofA(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpGuardNum {
			continue
		}
		if provablyNumeric(b, n.Op0) {
			b.Kill(id)
		}
	}
}

func provablyNumeric(b *ir.Buffer, id ir.ID) bool {
	if id == ir.NoID {
		return false
	}
	n := b.Get(id)
	if n.Dead() {
		return false
	}
	switch n.Op {
	case ir.OpUnboxNum, ir.OpConstNum, ir.OpConstInt, ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpMod, ir.OpNeg:
		return true
	case ir.OpBoxNum:
		return true // a value this trace itself just boxed from a number is still a number
	}
	return false
}

// eliminateGuardsByProofB marks a store_stack dead when it is provably
// dispensable (spec §9, "store-stack liveness"): nothing between it and
// the next snapshot/side-exit boundary can observe the interpreter's
// real stack, and nothing anywhere else in the trace reads that slot
// back with a load_stack. dedupBoundsChecks and the other kill-only
// passes rewrite a node the instant they can prove it dead; this pass
// does the same, but the proof spans a whole scan rather than a single
// def, so it earns its own phase. eliminateDeadCode (pass 14) then
// simply respects the FlagDead this pass already set, exactly as it
// would for any other dead node.
func eliminateGuardsByProofB(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpStoreStack {
			continue
		}
		if dispensableStoreStack(b, id, n.Imm.SlotField.Slot) {
			b.Kill(id)
		}
	}
}

// dispensableStoreStack reports whether the store_stack at id can be
// dropped without changing observable behavior: no call_c reachable
// before the next guard (the next point a side exit could hand the
// interpreter a stale stack) and no live load_stack anywhere in the
// trace reads the same slot directly.
func dispensableStoreStack(b *ir.Buffer, id ir.ID, slot int32) bool {
	for i := int(id) + 1; i < len(b.Nodes); i++ {
		n := b.Get(ir.ID(i))
		if n.Dead() {
			continue
		}
		if n.Op == ir.OpCallC {
			return false
		}
		if n.Op.IsGuard() {
			break
		}
	}
	for i := range b.Nodes {
		n := b.Get(ir.ID(i))
		if n.Dead() || n.Op != ir.OpLoadStack {
			continue
		}
		if n.Imm.SlotField.Slot == slot {
			return false
		}
	}
	return true
}
