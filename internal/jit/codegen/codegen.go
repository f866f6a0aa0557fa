// Package codegen lowers an optimized, register-allocated trace IR
// buffer into native code through the backend.Assembler interface
// (spec §4.4). It never encodes a single instruction itself — encoding
// is the backend's job — codegen only decides, per IR node, which
// Assembler calls reproduce its semantics.
package codegen

import (
	"tracejit/internal/jit/backend"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/regalloc"
)

// Register conventions shared with the amd64 backend. The allocator's
// pool (regalloc.Pool{GP: 1, FP: 6}, sized by the engine) never hands
// out these indices, so codegen can always reach a scratch register
// without disturbing a live allocation. Two scratch registers per class
// (spec §4.3: "the first two are reserved as codegen temporaries") let
// a binary op stage two spilled memory operands at once without one
// reload clobbering the other:
//
//	GP 0 (rax) - backend-internal wide-immediate scratch (amd64.wideImmScratch)
//	GP 2 (rdx) - codegen's second scratch: a binary op's right operand
//	GP 3 (rbx) - codegen's first scratch: spill reloads, guard conditions
//	GP 5 (rbp) - FrameBase, the spill frame's base pointer
//	GP 6 (rsi) - stack-base context pointer
//	GP 7 (rdi) - globals-base context pointer
//	FP  6      - codegen's second FP scratch
//	FP  7      - codegen's first FP scratch
const (
	scratchGP  backend.Reg = 3
	scratchGP2 backend.Reg = 2
	scratchFP  backend.Reg = 7
	scratchFP2 backend.Reg = 6

	// FrameBase is the fixed register the trace entry stub sets up as
	// the spill frame's base pointer before jumping into compiled code.
	FrameBase backend.Reg = 5
	// StackBaseReg holds the interpreter's value-stack base, so
	// OpLoadStack/OpStoreStack can address slot i at [StackBaseReg+i*8].
	StackBaseReg backend.Reg = 6
	// GlobalsBaseReg holds the module's global-variable table base, so
	// OpLoadGlobal/OpStoreGlobal can address slot i at
	// [GlobalsBaseReg+i*8].
	GlobalsBaseReg backend.Reg = 7
)

const spillSlotSize = 8

// Encoding threads the host's NaN-boxing constants into codegen. It is
// a frozen snapshot taken once by the engine, not a live host.Host
// dependency — codegen needs the bit patterns, never the interpreter's
// behavior.
type Encoding struct {
	QNaNMask    uint64
	PtrMask     uint64
	True        uint64
	False       uint64
	Null        uint64
	HeaderSize  int32
	ClassOffset int32
}

// Compiled is the finished artifact: raw machine code plus the offset
// where the loop header's code begins. The code ends in a return, not a
// jump back to LoopOff; each call runs it once from EntryOff.
type Compiled struct {
	Code       []byte
	EntryOff   int
	LoopOff    int
	SpillSlots int
}

// Generate lowers buf into asm and returns the assembled code. alloc
// must come from regalloc.Allocate(buf, regalloc.ComputeLiveRanges(buf), ...)
// against the exact same buffer.
func Generate(buf *ir.Buffer, alloc regalloc.Result, enc Encoding, asm backend.Assembler) Compiled {
	locs := make(map[ir.ID]ir.Allocation, len(alloc.Ranges))
	for _, rg := range alloc.Ranges {
		locs[rg.ID] = rg.Alloc
	}

	g := &generator{buf: buf, asm: asm, enc: enc, locs: locs}

	loopOff := -1
	for i := range buf.Nodes {
		id := ir.ID(i)
		n := buf.Get(id)
		if n.Dead() || n.Op == ir.OpNop {
			continue
		}
		if id == buf.LoopHeader {
			loopOff = asm.Offset()
		}
		g.lower(id, n)
	}
	asm.Return()

	code := asm.Finish()
	return Compiled{Code: code, EntryOff: 0, LoopOff: loopOff, SpillSlots: alloc.SpillSlots}
}

type generator struct {
	buf  *ir.Buffer
	asm  backend.Assembler
	enc  Encoding
	locs map[ir.ID]ir.Allocation
}

// classHint reports whether id's allocation lives in the FP or GP file.
func (g *generator) classHint(id ir.ID) backend.ClassHint {
	if g.locs[id].Class == ir.ClassFP {
		return backend.ClassFP
	}
	return backend.ClassGP
}

func (g *generator) scratchFor(class ir.RegClass) backend.Reg {
	if class == ir.ClassFP {
		return scratchFP
	}
	return scratchGP
}

func (g *generator) scratch2For(class ir.RegClass) backend.Reg {
	if class == ir.ClassFP {
		return scratchFP2
	}
	return scratchGP2
}

// reg materializes id's current value into a register, reloading from
// its spill slot first if it isn't already resident in one, and returns
// the register operand to use. Register-resident values return their
// assigned register directly; spilled values are reloaded into the
// class scratch register, which callers must therefore treat as
// clobbered by the time reg returns. Only safe for a node with a single
// register operand at a time — anything materializing two operands of
// the same class at once must use regTo with distinct scratches instead,
// or a spilled second operand's reload clobbers the first.
func (g *generator) reg(id ir.ID) backend.Reg {
	return g.regTo(id, g.scratchFor(g.locs[id].Class))
}

// regTo is reg with an explicit scratch register to reload into if id
// is spilled, letting a caller stage two spilled operands of the same
// class into two different registers instead of racing them through one.
func (g *generator) regTo(id ir.ID, scratch backend.Reg) backend.Reg {
	loc := g.locs[id]
	if loc.Kind == ir.AllocReg {
		return backend.Reg(loc.Index)
	}
	g.asm.LoadMem(scratch, FrameBase, int32(loc.Index*spillSlotSize))
	return scratch
}

// dest returns id's assigned register, or its class scratch register if
// id was spilled. store must be called after the value is computed into
// the returned register to commit a spilled result to its slot.
func (g *generator) dest(id ir.ID) backend.Reg {
	loc := g.locs[id]
	if loc.Kind == ir.AllocReg {
		return backend.Reg(loc.Index)
	}
	return g.scratchFor(loc.Class)
}

func (g *generator) store(id ir.ID, src backend.Reg) {
	loc := g.locs[id]
	if loc.Kind == ir.AllocSpill {
		g.asm.StoreMem(FrameBase, int32(loc.Index*spillSlotSize), src)
	}
}

func (g *generator) lower(id ir.ID, n *ir.Node) {
	switch n.Op {
	case ir.OpLoopHeader, ir.OpLoopBack, ir.OpPhi:
		// Pure bookkeeping: OpPhi exists only to steer regalloc
		// coalescing (spec §4.4) and never reaches codegen as an
		// operand; the loop markers emit nothing, and Generate records
		// the loop header's offset (LoopOff) via asm.Offset().

	case ir.OpConstNum:
		dst := g.dest(id)
		g.asm.MovImmF64(dst, n.Imm.Num)
		g.store(id, dst)

	case ir.OpConstInt:
		dst := g.dest(id)
		g.asm.MovImm64(dst, uint64(n.Imm.Int))
		g.store(id, dst)

	case ir.OpConstBool:
		dst := g.dest(id)
		if n.Imm.Bool {
			g.asm.MovImm64(dst, 1)
		} else {
			g.asm.MovImm64(dst, 0)
		}
		g.store(id, dst)

	case ir.OpConstNull:
		dst := g.dest(id)
		g.asm.MovImm64(dst, g.enc.Null)
		g.store(id, dst)

	case ir.OpConstPtr:
		dst := g.dest(id)
		g.asm.MovImm64(dst, uint64(n.Imm.Ptr))
		g.store(id, dst)

	case ir.OpLoadStack:
		dst := g.dest(id)
		g.asm.LoadMem(dst, StackBaseReg, n.Imm.SlotField.Slot*8)
		g.store(id, dst)

	case ir.OpStoreStack:
		src := g.reg(n.Op0)
		g.asm.StoreMem(StackBaseReg, n.Imm.SlotField.Slot*8, src)

	case ir.OpLoadGlobal:
		dst := g.dest(id)
		g.asm.LoadMem(dst, GlobalsBaseReg, n.Imm.SlotField.Slot*8)
		g.store(id, dst)

	case ir.OpStoreGlobal:
		src := g.reg(n.Op0)
		g.asm.StoreMem(GlobalsBaseReg, n.Imm.SlotField.Slot*8, src)

	case ir.OpLoadField:
		obj := g.reg(n.Op0)
		dst := g.dest(id)
		disp := g.enc.HeaderSize + n.Imm.SlotField.Field*8
		g.lowerUnmaskPtr(obj, dst)
		g.asm.LoadMem(dst, dst, disp)
		g.store(id, dst)

	case ir.OpStoreField:
		obj := g.regTo(n.Op0, scratchGP)
		val := g.regTo(n.Op1, scratchGP2)
		disp := g.enc.HeaderSize + n.Imm.SlotField.Field*8
		g.lowerUnmaskPtr(obj, scratchGP)
		g.asm.StoreMem(scratchGP, disp, val)

	case ir.OpBoxNum:
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.BoxNum(dst, src)
		g.store(id, dst)

	case ir.OpUnboxNum:
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.UnboxNum(dst, src)
		g.store(id, dst)

	case ir.OpUnboxInt:
		// The boxed word holds a double bit pattern, not an integer one
		// (spec §3's NaN-boxing scheme has no separate integer tag), so
		// getting a real int64 out of it takes two steps: land the bits
		// in FP as UnboxNum would, then truncate-convert into GP.
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.UnboxNum(scratchFP, src)
		g.asm.ConvertNumToInt(dst, scratchFP)
		g.store(id, dst)

	case ir.OpBoxInt:
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.ConvertIntToNum(scratchFP, src)
		g.asm.BoxNum(dst, scratchFP)
		g.store(id, dst)

	case ir.OpBoxBool:
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.BoxBool(dst, src, g.enc.True, g.enc.False)
		g.store(id, dst)

	case ir.OpAdd:
		g.lowerBinaryNum(id, n, g.asm.AddF64, g.asm.AddI64)
	case ir.OpSub:
		g.lowerBinaryNum(id, n, g.asm.SubF64, g.asm.SubI64)
	case ir.OpMul:
		g.lowerBinaryNum(id, n, g.asm.MulF64, nil)
	case ir.OpDiv:
		g.lowerBinaryNum(id, n, g.asm.DivF64, nil)
	case ir.OpMod:
		// The abstract assembler has no integer/float remainder
		// primitive. Unreachable: the recorder aborts recording rather
		// than ever emitting this op (see recorder/arith.go's SymMod
		// handling), so a real trace can't reach this case — left as a
		// hard panic rather than a silently wrong lowering.
		panic("codegen: OpMod lowering not implemented")

	case ir.OpNeg:
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.NegF64(dst, src)
		g.store(id, dst)

	case ir.OpShl:
		src := g.reg(n.Op0)
		dst := g.dest(id)
		g.asm.ShlI64(dst, src, uint8(n.Imm.Int))
		g.store(id, dst)

	case ir.OpBitNot, ir.OpBitAnd:
		panic("codegen: bitwise op lowering not implemented")

	case ir.OpLt, ir.OpGt, ir.OpLte, ir.OpGte, ir.OpEq, ir.OpNeq:
		g.lowerCompare(id, n)

	case ir.OpGuardNum:
		g.lowerGuardNum(n)
	case ir.OpGuardClass:
		g.lowerGuardClass(n)
	case ir.OpGuardTrue:
		g.lowerGuardTruthiness(n, true)
	case ir.OpGuardFalse:
		g.lowerGuardTruthiness(n, false)
	case ir.OpGuardNotNull:
		g.lowerGuardNotNull(n)

	case ir.OpCallC:
		// Never emitted by the recorder today (no bytecode in this
		// module's subset constructs a heap object mid-trace); left
		// unimplemented rather than guessing at a calling convention
		// no caller exercises.
		panic("codegen: OpCallC lowering not implemented")

	default:
		panic("codegen: unhandled opcode " + n.Op.String())
	}
}

// lowerUnmaskPtr strips the NaN-boxing tag bits from a boxed object
// reference, leaving a raw pointer in dst.
func (g *generator) lowerUnmaskPtr(src, dst backend.Reg) {
	g.asm.AndImm64(dst, src, ^g.enc.PtrMask)
}

func (g *generator) lowerBinaryNum(id ir.ID, n *ir.Node, f64 func(dst, a, b backend.Reg), i64 func(dst, a, b backend.Reg)) {
	class := g.locs[n.Op0].Class
	a := g.regTo(n.Op0, g.scratchFor(class))
	b := g.regTo(n.Op1, g.scratch2For(class))
	dst := g.dest(id)
	if n.Type == ir.TInt && i64 != nil {
		i64(dst, a, b)
	} else {
		f64(dst, a, b)
	}
	g.store(id, dst)
}

func (g *generator) lowerCompare(id ir.ID, n *ir.Node) {
	class := g.locs[n.Op0].Class
	a := g.regTo(n.Op0, g.scratchFor(class))
	b := g.regTo(n.Op1, g.scratch2For(class))
	if g.buf.Get(n.Op0).Type == ir.TInt {
		g.asm.CompareI64(a, b)
	} else {
		g.asm.CompareF64(a, b)
	}
	cond := compareCond(n.Op)
	dst := g.dest(id)
	g.asm.SetCond(dst, cond)
	g.store(id, dst)
}

func compareCond(op ir.Opcode) backend.Cond {
	switch op {
	case ir.OpLt:
		return backend.CondLT
	case ir.OpGt:
		return backend.CondGT
	case ir.OpLte:
		return backend.CondLE
	case ir.OpGte:
		return backend.CondGE
	case ir.OpEq:
		return backend.CondEQ
	case ir.OpNeq:
		return backend.CondNE
	}
	panic("codegen: not a comparison opcode")
}

// lowerGuardNum tests the NaN-boxing tag bits: a boxed value is a
// number exactly when masking it with QNaNMask does not reproduce
// QNaNMask itself (spec §3's NaN-boxing scheme — anything that IS the
// full quiet-NaN tag pattern is a non-number sentinel or pointer).
func (g *generator) lowerGuardNum(n *ir.Node) {
	v := g.reg(n.Op0)
	g.asm.AndImm64(scratchGP, v, g.enc.QNaNMask)
	g.asm.CompareImm64(scratchGP, g.enc.QNaNMask)
	g.emitGuardTrampoline(backend.CondNE, n.Imm.SnapshotID)
}

// lowerGuardClass strips the boxed operand's tag bits, then compares
// the object header's class field against the recorded class pointer.
// It does not first check that the operand is an object reference.
func (g *generator) lowerGuardClass(n *ir.Node) {
	v := g.reg(n.Op0)
	g.lowerUnmaskPtr(v, scratchGP)
	g.asm.LoadMem(scratchGP, scratchGP, g.enc.ClassOffset)
	g.asm.CompareImm64(scratchGP, uint64(n.Imm.Ptr))
	g.emitGuardTrampoline(backend.CondEQ, n.Imm.SnapshotID)
}

// lowerGuardNotNull side-exits when the boxed operand equals the host's
// null sentinel.
func (g *generator) lowerGuardNotNull(n *ir.Node) {
	v := g.reg(n.Op0)
	g.asm.CompareImm64(v, g.enc.Null)
	g.emitGuardTrampoline(backend.CondNE, n.Imm.SnapshotID)
}

// lowerGuardTruthiness implements guard-true/guard-false. A raw bool
// operand compares against zero directly. A boxed operand is truthy iff
// it is neither the host's false sentinel nor its null sentinel, so both
// encodings need checking rather than matching one fixed pattern.
func (g *generator) lowerGuardTruthiness(n *ir.Node, wantTrue bool) {
	if g.buf.Get(n.Op0).Type == ir.TBool {
		v := g.reg(n.Op0)
		g.asm.CompareImm64(v, 0)
		cond := backend.CondNE
		if !wantTrue {
			cond = backend.CondEQ
		}
		g.emitGuardTrampoline(cond, n.Imm.SnapshotID)
		return
	}

	// Reload into scratchGP2 up front so the flag staged into scratchGP
	// below can't alias the operand before its second compare runs.
	v := g.regTo(n.Op0, scratchGP2)

	g.asm.CompareImm64(v, g.enc.False)
	g.asm.SetCond(scratchGP, backend.CondEQ)
	g.asm.CompareImm64(v, g.enc.Null) // last use of v
	g.asm.SetCond(scratchGP2, backend.CondEQ)
	g.asm.OrI64(scratchGP, scratchGP, scratchGP2) // 1 iff v is falsy

	cond := backend.CondEQ // guard-true passes when v is not falsy
	if !wantTrue {
		cond = backend.CondNE // guard-false passes when v is falsy
	}
	g.skipSideExitIf(cond, scratchGP, n.Imm.SnapshotID)
}

// emitGuardTrampoline materializes the guard's pass/fail outcome from
// the flags set by the immediately preceding Compare* call, then skips
// the inline side-exit call when the guard holds (spec §4.5):
// test-and-skip rather than test-and-jump-to-fail, so the fast path
// falls straight through with no taken branch on the overwhelmingly
// common case of a trace that keeps getting re-entered.
func (g *generator) emitGuardTrampoline(passCond backend.Cond, snapshotID int32) {
	g.asm.SetCond(scratchGP, passCond)
	g.skipSideExitIf(backend.CondNE, scratchGP, snapshotID)
}

// skipSideExitIf jumps over the inline side-exit call when flag's value
// satisfies cond against zero.
func (g *generator) skipSideExitIf(cond backend.Cond, flag backend.Reg, snapshotID int32) {
	pass := g.asm.NewLabel()
	g.asm.TestAndJump(flag, cond, pass)
	g.asm.CallSideExit(snapshotID, 0)
	g.asm.Bind(pass)
}
