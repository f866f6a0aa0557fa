package optimize

import "tracejit/internal/jit/ir"

// key identifies a pure node by its opcode and operands, so structurally
// identical nodes hash to the same bucket for global value numbering.
type key struct {
	op       ir.Opcode
	op0, op1 ir.ID
	imm      ir.Imm
}

// globalValueNumber merges pure nodes that compute the same value from
// the same operands into one, rewriting later duplicates to reference
// the first (spec §4.2). Side-effecting and guard nodes are never
// merged: two guards on the same fact are redundant-guard elimination's
// job, not GVN's, since a guard's position (and hence which side exit it
// protects) still matters even when its truth condition is identical.
func globalValueNumber(b *ir.Buffer) {
	seen := make(map[key]ir.ID)
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op.HasSideEffect() {
			continue
		}
		if !pureBinaryOrUnary(n.Op) {
			continue
		}
		k := key{op: n.Op, op0: n.Op0, op1: n.Op1, imm: n.Imm}
		if existing, ok := seen[k]; ok {
			b.ReplaceUse(id, existing)
			b.Kill(id)
			continue
		}
		seen[k] = id
	}
}

func pureBinaryOrUnary(op ir.Opcode) bool {
	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpMod, ir.OpNeg,
		ir.OpBitNot, ir.OpBitAnd, ir.OpShl,
		ir.OpLt, ir.OpGt, ir.OpLte, ir.OpGte, ir.OpEq, ir.OpNeq,
		ir.OpBoxNum, ir.OpUnboxNum, ir.OpBoxInt, ir.OpUnboxInt,
		ir.OpBoxObj, ir.OpUnboxObj, ir.OpBoxBool:
		return true
	}
	return false
}
