package optimize

import "tracejit/internal/jit/ir"

// eliminateDeadCode kills every node with zero uses that has no side
// effect and is not referenced by any snapshot (spec §4.2's final and
// mid-pipeline DCE sweeps). Runs to a fixed point in one backward pass
// since operand ids are always < their user's id. Phi back-edge
// operands are the exception to that ordering; they survive anyway,
// because phis are never killed here and UseCount counts a phi's
// operands like any other node's (see recorder.closeLoop).
func eliminateDeadCode(b *ir.Buffer) {
	for i := len(b.Nodes) - 1; i >= 0; i-- {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() {
			continue
		}
		if n.Op == ir.OpPhi || n.Op == ir.OpLoopHeader || n.Op == ir.OpLoopBack || n.Op == ir.OpNop {
			continue
		}
		if n.Op.HasSideEffect() {
			continue
		}
		if b.UseCount(id) > 0 || b.UsedInSnapshot(id) {
			continue
		}
		b.Kill(id)
	}
}
