// Package recorder implements the trace recorder (spec §4.1): it watches
// the interpreter execute one bytecode instruction at a time from a hot
// anchor PC and emits SSA IR into an ir.Buffer in lockstep, until the
// loop closes back on the anchor, an unsupported shape is hit, or a
// resource cap is exceeded.
//
// Grounded on original_source/src/jit/wren_jit_record.c's single
// dispatch loop (one case per bytecode, snapshot taken before every
// guard) and this module's own vmregister bytecode family, which
// mirrors the teacher's original stack-opcode set closely enough that
// spec §4.1's bytecode-family table maps onto it one instruction at a
// time.
package recorder

import (
	"tracejit/internal/jit/config"
	"tracejit/internal/jit/host"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/jerr"
	"tracejit/internal/vmregister"
)

// Recorder holds all state needed to turn one interpreted loop iteration
// into a trace IR buffer. It is reused across compilations; Start resets
// it.
type Recorder struct {
	buf  *ir.Buffer
	host host.Host
	cfg  config.Config

	anchorPC int32

	// shadow maps interpreter stack slots (locals below entryDepth,
	// temporaries above) to the SSA id currently holding that slot's
	// value. It is a direct analogue of the interpreter's value stack,
	// indexed identically, kept in lockstep with real StackTop.
	shadow []ir.ID
	top    int

	// entry is a snapshot of shadow taken right after the loop-header
	// preamble, used at loop-back time to find which slots are
	// loop-carried (spec §4.1's phi construction).
	entry []ir.ID

	instrCount int
	closed     bool
}

// New constructs a Recorder against a fresh IR buffer sized from cfg.
func New(h host.Host, cfg config.Config) *Recorder {
	return &Recorder{
		host: h,
		cfg:  cfg,
	}
}

// Buffer returns the IR buffer being built. Only meaningful between
// Start and a terminal Record result.
func (r *Recorder) Buffer() *ir.Buffer { return r.buf }

// Closed reports whether the trace has reached its loop-back and is
// ready for the optimizer.
func (r *Recorder) Closed() bool { return r.closed }

// Start begins recording at anchorPC (spec §4.1's startup protocol):
// reset all state, reserve a fixed even-sized block of no-op nodes
// ahead of the loop header (room for the optimizer's later hoisting),
// emit the loop-header node, then emit one load-stack node per live
// interpreter slot at entry so the trace body has an SSA id for every
// value already on the stack.
func (r *Recorder) Start(anchorPC int32, frame host.Frame) {
	r.buf = ir.NewBuffer(config.MaxIRNodes, r.cfg.MaxSnapshots, r.cfg.MaxSnapshotEntriesPerSnapshot)
	r.anchorPC = anchorPC
	r.instrCount = 0
	r.closed = false

	for i := 0; i < r.cfg.PreHeaderReservedNodes; i++ {
		r.buf.Emit(ir.Node{Op: ir.OpNop, Type: ir.TVoid, Op0: ir.NoID, Op1: ir.NoID})
	}

	r.buf.LoopHeader = r.buf.Emit(ir.Node{Op: ir.OpLoopHeader, Type: ir.TVoid, Op0: ir.NoID, Op1: ir.NoID})

	depth := int(frame.StackDepth())
	r.shadow = make([]ir.ID, depth, depth+r.cfg.MaxInstructionsPerTrace)
	for slot := 0; slot < depth; slot++ {
		id := r.buf.Emit(ir.Node{
			Op:   ir.OpLoadStack,
			Type: ir.TValue,
			Op0:  ir.NoID, Op1: ir.NoID,
			Imm: ir.Imm{SlotField: ir.SlotField{Slot: int32(slot)}},
		})
		r.shadow[slot] = id
	}
	r.top = depth
	r.entry = append([]ir.ID(nil), r.shadow...)
}

// Record observes the instruction about to execute at fiber.PC (frame
// still reflects the pre-instruction state) and emits the corresponding
// IR, or returns a non-nil *jerr.Abort if the trace cannot continue.
// The caller (the engine's recording loop) is expected to call
// fiber.Step() itself immediately after; Record never mutates the
// fiber and never redirects control flow — it simply follows wherever
// the real interpreter's next Step takes it.
func (r *Recorder) Record(fiber *vmregister.Fiber, frame host.Frame) *jerr.Abort {
	r.instrCount++
	if r.instrCount > r.cfg.MaxInstructionsPerTrace {
		return jerr.NewAbort(jerr.AbortInstructionLimitExceeded, "instruction cap reached")
	}
	if r.buf.Full() {
		return jerr.NewAbort(jerr.AbortInstructionLimitExceeded, "ir buffer full")
	}

	pc := int32(fiber.PC)
	instr := fiber.Chunk.Code[pc]
	op := instr.OpCode()
	operand := instr.Operand()

	switch op {
	case vmregister.OpConst:
		id := r.emitConst(host.Value(fiber.Chunk.Consts[operand]))
		r.push(id)

	case vmregister.OpPop:
		r.top--

	case vmregister.OpGetLocal:
		r.push(r.shadow[operand])

	case vmregister.OpSetLocal:
		val := r.peek(0)
		r.buf.Emit(ir.Node{
			Op: ir.OpStoreStack, Type: ir.TVoid, Op0: val, Op1: ir.NoID,
			Imm: ir.Imm{SlotField: ir.SlotField{Slot: operand}},
		})
		r.shadow[operand] = val

	case vmregister.OpGetGlobal:
		id := r.buf.Emit(ir.Node{
			Op: ir.OpLoadGlobal, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID,
			Imm: ir.Imm{SlotField: ir.SlotField{Slot: operand}},
		})
		r.push(id)

	case vmregister.OpSetGlobal:
		val := r.peek(0)
		r.buf.Emit(ir.Node{
			Op: ir.OpStoreGlobal, Type: ir.TVoid, Op0: val, Op1: ir.NoID,
			Imm: ir.Imm{SlotField: ir.SlotField{Slot: operand}},
		})

	case vmregister.OpGetField:
		objVal := frame.Peek(0)
		objID := r.peek(0)
		r.top--
		if ab := r.guardClass(objID, objVal, pc, int32(r.top)); ab != nil {
			return ab
		}
		id := r.buf.Emit(ir.Node{
			Op: ir.OpLoadField, Type: ir.TValue, Op0: objID, Op1: ir.NoID,
			Imm: ir.Imm{SlotField: ir.SlotField{Field: operand}},
		})
		r.push(id)

	case vmregister.OpSetField:
		valID := r.peek(0)
		objVal := frame.Peek(1)
		objID := r.peek(1)
		if ab := r.guardClass(objID, objVal, pc, int32(r.top)); ab != nil {
			return ab
		}
		r.buf.Emit(ir.Node{
			Op: ir.OpStoreField, Type: ir.TVoid, Op0: objID, Op1: valID,
			Imm: ir.Imm{SlotField: ir.SlotField{Field: operand}},
		})
		r.shadow[r.top-2] = valID
		r.top--

	case vmregister.OpInvoke0:
		sym := fiber.Chunk.CallSyms[int(pc)]
		name := r.host.SymbolName(sym)
		recvVal := frame.Peek(0)
		recvID := r.peek(0)
		id, ab := r.recordUnary(name, recvID, recvVal, pc)
		if ab != nil {
			return ab
		}
		r.shadow[r.top-1] = id

	case vmregister.OpInvoke1:
		sym := fiber.Chunk.CallSyms[int(pc)]
		name := r.host.SymbolName(sym)
		argVal := frame.Peek(0)
		recvVal := frame.Peek(1)
		argID := r.peek(0)
		recvID := r.peek(1)
		if r.host.ClassOf(recvVal) == r.host.RangeClass() && name == vmregister.SymIterate {
			id, ab := r.widenRangeIterate(recvID, recvVal, argID, argVal, pc, int32(r.top-2))
			if ab != nil {
				return ab
			}
			r.top--
			r.shadow[r.top-1] = id
			break
		}
		if r.host.ClassOf(recvVal) == r.host.RangeClass() && name == vmregister.SymIteratorVal {
			r.top--
			r.shadow[r.top-1] = argID
			break
		}
		id, ab := r.recordBinary(name, recvID, recvVal, argID, argVal, pc)
		if ab != nil {
			return ab
		}
		r.top--
		r.shadow[r.top-1] = id

	case vmregister.OpJumpIfFalse:
		condID := r.peek(0)
		truthy := r.host.IsTruthy(frame.Peek(0))
		r.top--
		var resumePC int32
		var guardOp ir.Opcode
		if truthy {
			resumePC = pc + 1 + operand
			guardOp = ir.OpGuardTrue
		} else {
			resumePC = pc + 1
			guardOp = ir.OpGuardFalse
		}
		r.emitGuard(guardOp, condID, resumePC, int32(r.top))

	case vmregister.OpAnd:
		condID := r.peek(0)
		truthy := r.host.IsTruthy(frame.Peek(0))
		var resumePC int32
		var guardOp ir.Opcode
		if truthy {
			resumePC = pc + 1 + operand
			guardOp = ir.OpGuardTrue
			r.top--
		} else {
			resumePC = pc + 1
			guardOp = ir.OpGuardFalse
		}
		r.emitGuard(guardOp, condID, resumePC, int32(r.top))

	case vmregister.OpOr:
		condID := r.peek(0)
		truthy := r.host.IsTruthy(frame.Peek(0))
		var resumePC int32
		var guardOp ir.Opcode
		if truthy {
			resumePC = pc + 1 + operand
			guardOp = ir.OpGuardTrue
		} else {
			resumePC = pc + 1
			guardOp = ir.OpGuardFalse
			r.top--
		}
		r.emitGuard(guardOp, condID, resumePC, int32(r.top))

	case vmregister.OpJump:
		// Pure control flow; the recorder just follows wherever the
		// real interpreter's PC lands next (spec §4.4: some ops "emit
		// no code at their positions").

	case vmregister.OpLoop:
		target := pc + 1 - operand
		if target != r.anchorPC {
			return jerr.NewAbort(jerr.AbortBackwardBranchNotAnchor, "")
		}
		r.closeLoop()

	case vmregister.OpReturn:
		return jerr.NewAbort(jerr.AbortReturnCrossesRoot, "")

	default:
		return jerr.NewAbort(jerr.AbortUnsupportedOpcode, op.String())
	}

	return nil
}

func (r *Recorder) push(id ir.ID) {
	if r.top < len(r.shadow) {
		r.shadow[r.top] = id
	} else {
		r.shadow = append(r.shadow, id)
	}
	r.top++
}

func (r *Recorder) peek(depth int) ir.ID { return r.shadow[r.top-1-depth] }

func (r *Recorder) emitConst(v host.Value) ir.ID {
	switch {
	case r.host.IsNumber(v):
		return r.buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Num: r.host.NumberOf(v)}})
	case v == r.host.TrueValue():
		return r.buf.Emit(ir.Node{Op: ir.OpConstBool, Type: ir.TBool, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Bool: true}})
	case v == r.host.FalseValue():
		return r.buf.Emit(ir.Node{Op: ir.OpConstBool, Type: ir.TBool, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Bool: false}})
	case v == r.host.NullValue():
		return r.buf.Emit(ir.Node{Op: ir.OpConstNull, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID})
	default:
		return r.buf.Emit(ir.Node{Op: ir.OpConstPtr, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Ptr: uintptr(v)}})
	}
}

// buildSnapshotEntries captures the current shadow map as a snapshot
// entry list (spec §3), one entry per live stack slot up to depth.
func (r *Recorder) buildSnapshotEntries(depth int32) []ir.SnapshotEntry {
	entries := make([]ir.SnapshotEntry, 0, depth)
	for i := int32(0); i < depth; i++ {
		entries = append(entries, ir.SnapshotEntry{Slot: i, Val: r.shadow[i]})
	}
	return entries
}

// emitGuard emits a guard node biased toward the currently observed
// direction, with a snapshot that resumes interpretation at resumePC
// if the guard later fails (spec §4.1, §3).
func (r *Recorder) emitGuard(op ir.Opcode, cond ir.ID, resumePC, stackDepth int32) ir.ID {
	entries := r.buildSnapshotEntries(stackDepth)
	snap := r.buf.AddSnapshot(resumePC, stackDepth, entries)
	id := r.buf.Emit(ir.Node{
		Op: op, Type: ir.TVoid, Op0: cond, Op1: ir.NoID,
		Imm:   ir.Imm{SnapshotID: snap},
		Flags: ir.FlagGuard,
	})
	r.buf.NoteExit(snap, id)
	return id
}

func (r *Recorder) guardClass(objID ir.ID, objVal host.Value, pc, stackDepth int32) *jerr.Abort {
	cls := r.host.ClassOf(objVal)
	if cls == 0 {
		return jerr.NewAbort(jerr.AbortUnsupportedReceiver, "field access on non-object")
	}
	entries := r.buildSnapshotEntries(stackDepth)
	snap := r.buf.AddSnapshot(pc, stackDepth, entries)
	id := r.buf.Emit(ir.Node{
		Op: ir.OpGuardClass, Type: ir.TVoid, Op0: objID, Op1: ir.NoID,
		Imm:   ir.Imm{Ptr: uintptr(cls), SnapshotID: snap},
		Flags: ir.FlagGuard,
	})
	r.buf.NoteExit(snap, id)
	return nil
}

// closeLoop finalizes the trace: it inserts a phi for every stack slot
// whose current SSA id differs from its value at loop entry. Per spec
// §4.4 ("PHI ... emit no code at their positions"), these phis carry no
// data-flow uses of their own — they exist purely so the register
// allocator can coalesce a loop-carried slot's entry and exit values to
// the same physical location, letting the compiled loop iterate without
// end-of-iteration shuffle code.
func (r *Recorder) closeLoop() {
	for i, entryID := range r.entry {
		if r.shadow[i] != entryID {
			r.buf.Emit(ir.Node{
				Op: ir.OpPhi, Type: r.buf.Get(entryID).Type,
				Op0: entryID, Op1: r.shadow[i],
			})
		}
	}
	r.buf.LoopBack = r.buf.Emit(ir.Node{Op: ir.OpLoopBack, Type: ir.TVoid, Op0: ir.NoID, Op1: ir.NoID})
	r.closed = true
}
