package optimize

import "math"

import "tracejit/internal/jit/ir"

// reduceStrength rewrites multiply by a power of two into a shift when
// the node is already integer-typed (spec §4.2), and rewrites the
// float doubling case x*2 into x+x, since the backend has no float
// shift instruction to fall back on. Conservative: it never widens a
// TNum multiply into an integer op itself — that's
// inferIntegerInductionVariables' job, running later in the pipeline.
func reduceStrength(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpMul {
			continue
		}
		k, ok := powerOfTwoOperand(b, n.Op1)
		if !ok {
			continue
		}
		switch {
		case n.Type == ir.TInt:
			// Rewrite in place: the shift amount lives directly in Imm,
			// never emitted as a new node, since any node appended after
			// this point in the buffer would sit past loop_back and be
			// unreachable in the loop body's dataflow.
			n.Op = ir.OpShl
			n.Op1 = ir.NoID
			n.Imm = ir.Imm{Int: int64(k)}
		case k == 1:
			n.Op = ir.OpAdd
			n.Op1 = n.Op0
		}
	}
}

// powerOfTwoOperand reports the exponent k such that id is a constant
// equal to 2^k, accepting either constant form so the shift rewrite
// still fires on an operand ivinfer has already promoted to TInt.
func powerOfTwoOperand(b *ir.Buffer, id ir.ID) (int, bool) {
	if id == ir.NoID {
		return 0, false
	}
	n := b.Get(id)
	if n.Dead() {
		return 0, false
	}
	var iv int64
	switch n.Op {
	case ir.OpConstNum:
		v := n.Imm.Num
		if v <= 0 || v != math.Trunc(v) {
			return 0, false
		}
		iv = int64(v)
	case ir.OpConstInt:
		if n.Imm.Int <= 0 {
			return 0, false
		}
		iv = n.Imm.Int
	default:
		return 0, false
	}
	if iv&(iv-1) != 0 {
		return 0, false
	}
	return int(math.Log2(float64(iv))), true
}
