package optimize

import "tracejit/internal/jit/ir"

// foldConstants (spec §4.2 pass 4) bundles every fold that only needs a
// single node's own def chain, applied in one sweep:
//   - both-constant arithmetic and comparisons collapse to one constant
//     node carrying the computed result;
//   - a phi whose two incoming operands are the same id collapses to
//     that operand, since the value never actually changes around the
//     back edge;
//   - negation and bitwise-not fold over a constant operand;
//   - the additive/multiplicative identities apply even with only one
//     operand constant (x+0, 0+x, x-0, x*1, 1*x, x/1 collapse to the
//     other operand; x*0 and 0*x collapse to the zero constant);
//   - guard_true/guard_false over a statically known boolean, and
//     guard_num over an operand already provable numeric by local type
//     inference, are dead and killed outright.
func foldConstants(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() {
			continue
		}
		switch n.Op {
		case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpLt, ir.OpGt, ir.OpLte, ir.OpGte, ir.OpEq, ir.OpNeq:
			if foldBinary(b, id, n) {
				continue
			}
			foldIdentity(b, id, n)
		case ir.OpNeg:
			foldUnaryNum(n, b)
		case ir.OpBitNot:
			foldUnaryInt(n, b)
		case ir.OpPhi:
			foldTrivialPhi(b, id, n)
		case ir.OpGuardTrue, ir.OpGuardFalse:
			foldConstGuard(b, id, n)
		case ir.OpGuardNum:
			if provablyNumeric(b, n.Op0) {
				b.Kill(id)
			}
		}
	}
}

// foldBinary folds an arithmetic or comparison node whose operands are
// both constant, returning false (changing nothing) if either isn't, or
// if the operation itself can't be resolved statically (division by a
// constant zero, left for the interpreter's own semantics to decide at
// run time rather than guessed at here).
func foldBinary(b *ir.Buffer, id ir.ID, n *ir.Node) bool {
	a, aok := constNum(b, n.Op0)
	bb, bok := constNum(b, n.Op1)
	if !aok || !bok {
		return false
	}
	switch n.Op {
	case ir.OpAdd:
		foldNum(n, a+bb)
	case ir.OpSub:
		foldNum(n, a-bb)
	case ir.OpMul:
		foldNum(n, a*bb)
	case ir.OpDiv:
		if bb == 0 {
			return false
		}
		foldNum(n, a/bb)
	case ir.OpLt:
		foldBool(n, a < bb)
	case ir.OpGt:
		foldBool(n, a > bb)
	case ir.OpLte:
		foldBool(n, a <= bb)
	case ir.OpGte:
		foldBool(n, a >= bb)
	case ir.OpEq:
		foldBool(n, a == bb)
	case ir.OpNeq:
		foldBool(n, a != bb)
	}
	return true
}

// foldIdentity applies the algebraic identities that hold with only one
// operand known constant; foldBinary already handles the both-constant
// case, so both lok and rok are true here only for a constant division
// by zero, which foldBinary leaves unfolded.
func foldIdentity(b *ir.Buffer, id ir.ID, n *ir.Node) {
	lhs, lok := constNum(b, n.Op0)
	rhs, rok := constNum(b, n.Op1)
	switch n.Op {
	case ir.OpAdd:
		switch {
		case rok && rhs == 0:
			collapseToOperand(b, id, n.Op0)
		case lok && lhs == 0:
			collapseToOperand(b, id, n.Op1)
		}
	case ir.OpSub:
		if rok && rhs == 0 {
			collapseToOperand(b, id, n.Op0)
		}
	case ir.OpMul:
		switch {
		case rok && rhs == 1:
			collapseToOperand(b, id, n.Op0)
		case lok && lhs == 1:
			collapseToOperand(b, id, n.Op1)
		case (rok && rhs == 0) || (lok && lhs == 0):
			foldNum(n, 0)
		}
	case ir.OpDiv:
		if rok && rhs == 1 {
			collapseToOperand(b, id, n.Op0)
		}
	}
}

// collapseToOperand redirects every use of id to target and kills id.
// Safe for any node computed from operands already in scope: SSA
// ordering guarantees an operand's id always precedes the id of the
// node that consumes it, so target's id is always less than id's.
func collapseToOperand(b *ir.Buffer, id, target ir.ID) {
	b.ReplaceUse(id, target)
	b.Kill(id)
}

// foldTrivialPhi collapses a phi whose entry and back-edge operands are
// literally the same SSA id: the loop never actually changes that
// slot's value, so nothing about the recurrence needs to survive.
func foldTrivialPhi(b *ir.Buffer, id ir.ID, n *ir.Node) {
	if n.Op0 == ir.NoID || n.Op0 != n.Op1 {
		return
	}
	collapseToOperand(b, id, n.Op0)
}

func foldUnaryNum(n *ir.Node, b *ir.Buffer) {
	v, ok := constNum(b, n.Op0)
	if !ok {
		return
	}
	foldNum(n, -v)
}

// foldUnaryInt folds bitnot over a constant integer operand. Dead code
// today: the recorder never emits const_int this early (integer
// induction variables aren't retyped until pass 13, well after this
// one runs), but the case stays wired for whenever a constant integer
// does reach here.
func foldUnaryInt(n *ir.Node, b *ir.Buffer) {
	v, ok := constInt(b, n.Op0)
	if !ok {
		return
	}
	foldInt(n, ^v)
}

// constBool resolves id to a statically known boolean, looking through
// a box_bool wrapper so a guard over a boxed condition and a guard over
// a raw one are both recognized.
func constBool(b *ir.Buffer, id ir.ID) (bool, bool) {
	if id == ir.NoID {
		return false, false
	}
	n := b.Get(id)
	if n.Dead() {
		return false, false
	}
	if n.Op == ir.OpBoxBool {
		return constBool(b, n.Op0)
	}
	if n.Op != ir.OpConstBool {
		return false, false
	}
	return n.Imm.Bool, true
}

func foldConstGuard(b *ir.Buffer, id ir.ID, n *ir.Node) {
	v, ok := constBool(b, n.Op0)
	if !ok {
		return
	}
	if (n.Op == ir.OpGuardTrue && v) || (n.Op == ir.OpGuardFalse && !v) {
		b.Kill(id)
	}
}

func constNum(b *ir.Buffer, id ir.ID) (float64, bool) {
	if id == ir.NoID {
		return 0, false
	}
	n := b.Get(id)
	if n.Dead() || n.Op != ir.OpConstNum {
		return 0, false
	}
	return n.Imm.Num, true
}

func constInt(b *ir.Buffer, id ir.ID) (int64, bool) {
	if id == ir.NoID {
		return 0, false
	}
	n := b.Get(id)
	if n.Dead() || n.Op != ir.OpConstInt {
		return 0, false
	}
	return n.Imm.Int, true
}

func foldNum(n *ir.Node, v float64) {
	n.Op = ir.OpConstNum
	n.Type = ir.TNum
	n.Op0, n.Op1 = ir.NoID, ir.NoID
	n.Imm = ir.Imm{Num: v}
}

func foldInt(n *ir.Node, v int64) {
	n.Op = ir.OpConstInt
	n.Type = ir.TInt
	n.Op0, n.Op1 = ir.NoID, ir.NoID
	n.Imm = ir.Imm{Int: v}
}

func foldBool(n *ir.Node, v bool) {
	n.Op = ir.OpConstBool
	n.Type = ir.TBool
	n.Op0, n.Op1 = ir.NoID, ir.NoID
	n.Imm = ir.Imm{Bool: v}
}
