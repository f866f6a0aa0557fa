package optimize

import "tracejit/internal/jit/ir"

// eliminateBoxUnboxRoundTrips collapses unbox(box(x)) and box(unbox(x))
// pairs down to x, the classic tracing-JIT cleanup for values that
// round-trip through the boxed representation only because the
// interpreter's stack slots are uniformly boxed (spec §4.2). Guarded by
// UsedInSnapshot: a boxed id a snapshot references must still be
// materialized on a side exit, so its box node is left alone even
// though the unbox consuming it collapses.
func eliminateBoxUnboxRoundTrips(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() {
			continue
		}
		switch n.Op {
		case ir.OpUnboxNum:
			src := b.Get(n.Op0)
			if src.Op == ir.OpBoxNum && !src.Dead() {
				b.ReplaceUse(id, src.Op0)
				b.Kill(id)
			}
		case ir.OpBoxNum:
			src := b.Get(n.Op0)
			if src.Op == ir.OpUnboxNum && !src.Dead() && !b.UsedInSnapshot(n.Op0) {
				b.ReplaceUse(id, src.Op0)
				b.Kill(id)
			}
		}
	}
}
