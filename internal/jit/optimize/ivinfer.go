package optimize

import "tracejit/internal/jit/ir"

// inferIntegerInductionVariables retypes a phi's constant-step add
// chain — and any sibling comparisons against a constant bound — from
// boxed-double arithmetic to raw int64 arithmetic (spec §4.2 pass 13).
// This is the one place FlagIV means something concrete: a phi only
// gets marked once its whole recurrence (the step add, its box/unbox
// pair, and every comparison sharing its unboxed value) has actually
// been retyped to TInt, eliminating the box_num/unbox_num round trip a
// loop-carried integer counter would otherwise pay every iteration.
//
// Deliberately narrow (spec §9, open question b: restrict inference to
// this one shape rather than general strength reduction over arbitrary
// loop-carried values): anything that doesn't match the recorder's own
// output for a simple counting loop — the back-edge isn't
// entry+constant, the unboxed value escapes into something other than
// the step add or a bound comparison, the bound isn't itself a plain
// numeric constant — leaves the phi as a plain double, which is not an
// error, just a missed optimization.
func inferIntegerInductionVariables(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpPhi {
			continue
		}
		promoteInductionVariable(b, n)
	}
}

// stepChain describes a phi's back-edge as
// [box_num](add(unbox_num(entry), const_num(step))).
type stepChain struct {
	box   ir.ID // NoID if box-elim already collapsed it away
	add   ir.ID
	unbox ir.ID
	step  ir.ID
}

func promoteInductionVariable(b *ir.Buffer, phi *ir.Node) {
	chain, ok := findConstantStepChain(b, phi.Op0, phi.Op1)
	if !ok {
		return
	}
	companions, ok := gatherComparisonCompanions(b, chain.unbox, chain.add)
	if !ok {
		return
	}
	if chain.box != ir.NoID && b.UseCount(chain.add) != 1 {
		return
	}

	promoteConst(b, chain.step)
	promoteUnbox(b, chain.unbox)
	b.Get(chain.add).Type = ir.TInt
	if chain.box != ir.NoID {
		b.Get(chain.box).Op = ir.OpBoxInt
	}
	for _, c := range companions {
		promoteUnbox(b, c.unbox)
		promoteConst(b, c.constID)
	}
	phi.SetIV()
}

func promoteConst(b *ir.Buffer, id ir.ID) {
	n := b.Get(id)
	n.Op = ir.OpConstInt
	n.Type = ir.TInt
	n.Imm = ir.Imm{Int: int64(n.Imm.Num)}
}

func promoteUnbox(b *ir.Buffer, id ir.ID) {
	n := b.Get(id)
	n.Op = ir.OpUnboxInt
	n.Type = ir.TInt
}

// findConstantStepChain walks a phi's back-edge operand looking for
// entry + positive-integer-constant, requiring the unbox and the
// constant to each carry exactly the uses this shape expects before
// they're safe to retype in place.
func findConstantStepChain(b *ir.Buffer, entry, back ir.ID) (stepChain, bool) {
	var chain stepChain
	n := b.Get(back)
	if n.Dead() {
		return chain, false
	}

	chain.box, chain.add = ir.NoID, back
	if n.Op == ir.OpBoxNum {
		chain.box = back
		chain.add = n.Op0
		n = b.Get(chain.add)
		if n.Dead() || n.Op != ir.OpAdd {
			return chain, false
		}
	} else if n.Op != ir.OpAdd {
		return chain, false
	}

	unboxID, stepID, ok := unboxAndStep(b, entry, n.Op0, n.Op1)
	if !ok {
		return chain, false
	}
	chain.unbox, chain.step = unboxID, stepID

	if b.UseCount(chain.unbox) < 1 || b.UseCount(chain.step) != 1 {
		return chain, false
	}
	return chain, true
}

// unboxAndStep identifies which of lhs/rhs is unbox_num(entry) and
// requires the other to be a positive whole-number constant, in either
// operand order.
func unboxAndStep(b *ir.Buffer, entry, lhs, rhs ir.ID) (unboxID, stepID ir.ID, ok bool) {
	switch {
	case isUnboxOf(b, lhs, entry):
		unboxID, stepID = lhs, rhs
	case isUnboxOf(b, rhs, entry):
		unboxID, stepID = rhs, lhs
	default:
		return ir.NoID, ir.NoID, false
	}
	step := b.Get(stepID)
	if step.Dead() || step.Op != ir.OpConstNum {
		return ir.NoID, ir.NoID, false
	}
	if !(step.Imm.Num > 0 && step.Imm.Num == float64(int64(step.Imm.Num))) {
		return ir.NoID, ir.NoID, false
	}
	return unboxID, stepID, true
}

func isUnboxOf(b *ir.Buffer, id, entry ir.ID) bool {
	n := b.Get(id)
	return !n.Dead() && n.Op == ir.OpUnboxNum && n.Op0 == entry
}

type comparisonCompanion struct {
	unbox   ir.ID
	constID ir.ID
}

func isComparisonOp(op ir.Opcode) bool {
	switch op {
	case ir.OpLt, ir.OpGt, ir.OpLte, ir.OpGte, ir.OpEq, ir.OpNeq:
		return true
	}
	return false
}

// gatherComparisonCompanions inspects every other user of the induction
// variable's shared unbox_num node besides its own step add. Each must
// be a comparison against a plain numeric constant, or the promotion
// aborts entirely: promoting the shared unbox to an integer while
// leaving some other consumer reading it as a double would reinterpret
// raw int64 bits as a float and silently corrupt that consumer.
func gatherComparisonCompanions(b *ir.Buffer, unboxID, addID ir.ID) ([]comparisonCompanion, bool) {
	var companions []comparisonCompanion
	for i := range b.Nodes {
		id := ir.ID(i)
		if id == addID {
			continue
		}
		n := b.Get(id)
		if n.Dead() || (n.Op0 != unboxID && n.Op1 != unboxID) {
			continue
		}
		if !isComparisonOp(n.Op) {
			return nil, false
		}

		bound := n.Op0
		if bound == unboxID {
			bound = n.Op1
		}
		boundNode := b.Get(bound)
		if boundNode.Dead() || boundNode.Op != ir.OpUnboxNum {
			return nil, false
		}
		constNode := b.Get(boundNode.Op0)
		if constNode.Dead() || constNode.Op != ir.OpConstNum {
			return nil, false
		}
		if constNode.Imm.Num != float64(int64(constNode.Imm.Num)) {
			return nil, false
		}
		if b.UseCount(bound) != 1 || b.UseCount(boundNode.Op0) != 1 {
			return nil, false
		}
		companions = append(companions, comparisonCompanion{unbox: bound, constID: boundNode.Op0})
	}
	if b.UseCount(unboxID) != 1+len(companions) {
		// Some other consumer exists that this scan didn't recognize
		// (or didn't approve of) — bail rather than risk it.
		return nil, false
	}
	return companions, true
}
