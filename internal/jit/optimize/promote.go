package optimize

import "tracejit/internal/jit/ir"

// promoteLoopVariables marks a phi's entry-side operand invariant (spec
// §4.2): the value a loop-carried slot holds on entry to the compiled
// loop is computed exactly once, in the pre-header, no matter how many
// iterations the loop runs. Later passes that test isInvariantOperand
// (LICM, bounds-check dedup) use this to treat entry values as
// loop-invariant.
func promoteLoopVariables(b *ir.Buffer) {
	for i := range b.Nodes {
		n := b.Get(ir.ID(i))
		if n.Dead() || n.Op != ir.OpPhi {
			continue
		}
		if entry := b.Get(n.Op0); !entry.Dead() {
			entry.SetInvariant()
		}
	}
}
