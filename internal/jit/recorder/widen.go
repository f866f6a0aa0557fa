package recorder

import (
	"tracejit/internal/jit/host"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/jerr"
)

// widenRangeIterate implements the monomorphic widening inliner for
// range iteration (spec §4.1.1): rather than recording iterate(_) as an
// opaque method call, it inlines the range-stepping arithmetic directly
// into the trace, so a `for i in a..b` loop compiles to a handful of
// numeric ops instead of a call.
//
// Only the "already iterating" steady state is widened: the iterator
// argument is speculated to be a number (guard-num), since the sentinel
// nil that starts iteration is only ever seen once, before the loop
// reaches the recording threshold. Grounded on
// original_source/src/jit/wren_jit_widen.c, which makes the same
// steady-state-only simplification and falls back to the interpreter
// for the first iteration.
func (r *Recorder) widenRangeIterate(recvID ir.ID, recvVal host.Value, argID ir.ID, argVal host.Value, pc int32, resultSlot int32) (ir.ID, *jerr.Abort) {
	if !r.host.IsNumber(argVal) {
		return ir.NoID, jerr.NewAbort(jerr.AbortWideningDeclined, "iterator not yet primed")
	}

	from, to, inclusive := r.host.RangeInfo(recvVal)
	ascending := from <= to

	if ab := r.guardClass(recvID, recvVal, pc, int32(r.top)); ab != nil {
		return ir.NoID, ab
	}
	if ab := r.guardNum(argID, pc, int32(r.top)); ab != nil {
		return ir.NoID, ab
	}

	iter := r.buf.Emit(ir.Node{Op: ir.OpUnboxNum, Type: ir.TNum, Op0: argID, Op1: ir.NoID})
	step := 1.0
	if !ascending {
		step = -1.0
	}
	stepConst := r.buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Num: step}})
	cur := r.buf.Emit(ir.Node{Op: ir.OpAdd, Type: ir.TNum, Op0: iter, Op1: stepConst})

	boundConst := r.buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Num: to}})

	var cmpOp ir.Opcode
	switch {
	case ascending && inclusive:
		cmpOp = ir.OpLte
	case ascending && !inclusive:
		cmpOp = ir.OpLt
	case !ascending && inclusive:
		cmpOp = ir.OpGte
	default:
		cmpOp = ir.OpGt
	}
	inRange := r.buf.Emit(ir.Node{Op: cmpOp, Type: ir.TBool, Op0: cur, Op1: boundConst})

	// The fallback value the interpreter would see if iteration has
	// ended (boxed false) must exist as an SSA id before the guard so
	// the snapshot can hand it to the deoptimizer as the invoke's
	// result (spec §3: "each entry is (interpreter slot index, SSA id)").
	falseConst := r.buf.Emit(ir.Node{Op: ir.OpConstBool, Type: ir.TBool, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Bool: false}})
	falseBoxed := r.boxBool(falseConst)

	entries := r.buildSnapshotEntries(int32(r.top) - 2)
	entries = append(entries, ir.SnapshotEntry{Slot: resultSlot, Val: falseBoxed})
	snap := r.buf.AddSnapshot(pc+1, resultSlot+1, entries)
	guardID := r.buf.Emit(ir.Node{
		Op: ir.OpGuardTrue, Type: ir.TVoid, Op0: inRange, Op1: ir.NoID,
		Imm:   ir.Imm{SnapshotID: snap},
		Flags: ir.FlagGuard,
	})
	r.buf.NoteExit(snap, guardID)

	return r.boxNum(cur), nil
}
