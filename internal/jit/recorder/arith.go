package recorder

import (
	"tracejit/internal/jit/host"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/jerr"
	"tracejit/internal/vmregister"
)

// recordUnary handles the unary method-call family (spec §4.1's
// "unary/binary method call" row): guard the receiver's type, unbox,
// apply the raw operator, and box the result back into a boxed value so
// the shadow stack stays uniformly typed between calls.
func (r *Recorder) recordUnary(name string, recvID ir.ID, recvVal host.Value, pc int32) (ir.ID, *jerr.Abort) {
	if !r.host.IsNumber(recvVal) {
		return ir.NoID, jerr.NewAbort(jerr.AbortUnsupportedReceiver, name)
	}
	if ab := r.guardNum(recvID, pc, int32(r.top)); ab != nil {
		return ir.NoID, ab
	}
	unboxed := r.buf.Emit(ir.Node{Op: ir.OpUnboxNum, Type: ir.TNum, Op0: recvID, Op1: ir.NoID})

	switch name {
	case vmregister.SymNeg:
		neg := r.buf.Emit(ir.Node{Op: ir.OpNeg, Type: ir.TNum, Op0: unboxed, Op1: ir.NoID})
		return r.buf.Emit(ir.Node{Op: ir.OpBoxNum, Type: ir.TValue, Op0: neg, Op1: ir.NoID}), nil
	}
	return ir.NoID, jerr.NewAbort(jerr.AbortUnsupportedReceiver, name)
}

// recordBinary handles the binary method-call family: numeric operators
// only (spec §4.1's dispatch table; range receivers are handled by the
// widening inliner in widen.go before recordBinary is ever reached).
func (r *Recorder) recordBinary(name string, recvID ir.ID, recvVal host.Value, argID ir.ID, argVal host.Value, pc int32) (ir.ID, *jerr.Abort) {
	if !r.host.IsNumber(recvVal) || !r.host.IsNumber(argVal) {
		return ir.NoID, jerr.NewAbort(jerr.AbortUnsupportedReceiver, name)
	}
	if ab := r.guardNum(recvID, pc, int32(r.top)); ab != nil {
		return ir.NoID, ab
	}
	if ab := r.guardNum(argID, pc, int32(r.top)); ab != nil {
		return ir.NoID, ab
	}
	a := r.buf.Emit(ir.Node{Op: ir.OpUnboxNum, Type: ir.TNum, Op0: recvID, Op1: ir.NoID})
	b := r.buf.Emit(ir.Node{Op: ir.OpUnboxNum, Type: ir.TNum, Op0: argID, Op1: ir.NoID})

	switch name {
	case vmregister.SymAdd:
		return r.boxNum(r.buf.Emit(ir.Node{Op: ir.OpAdd, Type: ir.TNum, Op0: a, Op1: b})), nil
	case vmregister.SymSub:
		return r.boxNum(r.buf.Emit(ir.Node{Op: ir.OpSub, Type: ir.TNum, Op0: a, Op1: b})), nil
	case vmregister.SymMul:
		return r.boxNum(r.buf.Emit(ir.Node{Op: ir.OpMul, Type: ir.TNum, Op0: a, Op1: b})), nil
	case vmregister.SymDiv:
		return r.boxNum(r.buf.Emit(ir.Node{Op: ir.OpDiv, Type: ir.TNum, Op0: a, Op1: b})), nil
	case vmregister.SymMod:
		// No backend lowering exists for integer/float remainder, so
		// recording bails here rather than emitting an OpMod the
		// compiler can never turn into machine code — the interpreter's
		// slow path handles % correctly on its own.
		return ir.NoID, jerr.NewAbort(jerr.AbortUnsupportedReceiver, name)
	case vmregister.SymLt:
		return r.boxBool(r.buf.Emit(ir.Node{Op: ir.OpLt, Type: ir.TBool, Op0: a, Op1: b})), nil
	case vmregister.SymGt:
		return r.boxBool(r.buf.Emit(ir.Node{Op: ir.OpGt, Type: ir.TBool, Op0: a, Op1: b})), nil
	case vmregister.SymLte:
		return r.boxBool(r.buf.Emit(ir.Node{Op: ir.OpLte, Type: ir.TBool, Op0: a, Op1: b})), nil
	case vmregister.SymGte:
		return r.boxBool(r.buf.Emit(ir.Node{Op: ir.OpGte, Type: ir.TBool, Op0: a, Op1: b})), nil
	case vmregister.SymEq:
		return r.boxBool(r.buf.Emit(ir.Node{Op: ir.OpEq, Type: ir.TBool, Op0: a, Op1: b})), nil
	case vmregister.SymNeq:
		return r.boxBool(r.buf.Emit(ir.Node{Op: ir.OpNeq, Type: ir.TBool, Op0: a, Op1: b})), nil
	}
	return ir.NoID, jerr.NewAbort(jerr.AbortUnsupportedReceiver, name)
}

func (r *Recorder) boxNum(raw ir.ID) ir.ID {
	return r.buf.Emit(ir.Node{Op: ir.OpBoxNum, Type: ir.TValue, Op0: raw, Op1: ir.NoID})
}

func (r *Recorder) boxBool(raw ir.ID) ir.ID {
	return r.buf.Emit(ir.Node{Op: ir.OpBoxBool, Type: ir.TValue, Op0: raw, Op1: ir.NoID})
}

func (r *Recorder) guardNum(id ir.ID, resumePC, stackDepth int32) *jerr.Abort {
	entries := r.buildSnapshotEntries(stackDepth)
	snap := r.buf.AddSnapshot(resumePC, stackDepth, entries)
	gid := r.buf.Emit(ir.Node{
		Op: ir.OpGuardNum, Type: ir.TVoid, Op0: id, Op1: ir.NoID,
		Imm:   ir.Imm{SnapshotID: snap},
		Flags: ir.FlagGuard,
	})
	r.buf.NoteExit(snap, gid)
	return nil
}
