package optimize

import "tracejit/internal/jit/ir"

// dedupBoundsChecks removes a guard_true over an induction-variable
// range comparison once an earlier guard_true in the trace already
// checks the same (induction variable, bound) pair (spec §4.2 pass 9).
// Range-iteration widening (recorder/widen.go's widenRangeIterate)
// re-derives the same "cur < bound"-shaped check inline; once GVN and
// loop-invariant hoisting have run, two such checks against the same
// phi and the same loop-invariant bound are provably equivalent, so
// only the first needs to survive.
func dedupBoundsChecks(b *ir.Buffer) {
	ivOf := inductionValueOwners(b)
	seen := make(map[[2]ir.ID]bool)

	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpGuardTrue {
			continue
		}
		cmp := b.Get(n.Op0)
		if cmp.Dead() || cmp.Op != ir.OpLt {
			continue
		}
		phi, ok := ivOf[cmp.Op0]
		if !ok || !isInvariantOperand(b, cmp.Op1) {
			continue
		}
		key := [2]ir.ID{phi, cmp.Op1}
		if seen[key] {
			b.Kill(id)
			continue
		}
		seen[key] = true
	}
}

// inductionValueOwners maps every SSA id that is some phi's
// constant-step back-edge value (the step add, and its boxed form if
// box-elim hasn't already collapsed that away) back to that phi's own
// id. This identifies the induction variable a comparison's left
// operand reads from without needing the full retyping
// inferIntegerInductionVariables performs later in the pipeline (pass 9
// runs well before pass 13); findConstantStepChain, shared from
// ivinfer.go, is doing exactly the same recurrence recognition there,
// just consumed here for identification rather than retyping.
func inductionValueOwners(b *ir.Buffer) map[ir.ID]ir.ID {
	owners := make(map[ir.ID]ir.ID)
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpPhi {
			continue
		}
		chain, ok := findConstantStepChain(b, n.Op0, n.Op1)
		if !ok {
			continue
		}
		owners[chain.add] = id
		if chain.box != ir.NoID {
			owners[chain.box] = id
		}
	}
	return owners
}
