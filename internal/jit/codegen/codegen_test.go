//go:build amd64

package codegen_test

import (
	"strings"
	"testing"

	"tracejit/internal/jit/backend/amd64"
	"tracejit/internal/jit/codegen"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/regalloc"
)

// allocate uses the same pool shape as the engine (regPool in
// engine.go): one allocatable GP register and six FP registers, sized
// so the allocator's pool never overlaps codegen's two reserved
// scratch registers per class.
func allocate(buf *ir.Buffer) regalloc.Result {
	ranges := regalloc.ComputeLiveRanges(buf)
	return regalloc.Allocate(buf, ranges, regalloc.Pool{GP: 1, FP: 6})
}

func TestGenerateCapturesLoopOffAtHeaderPosition(t *testing.T) {
	buf := ir.NewBuffer(8, 1, 1)
	buf.Emit(ir.Node{Op: ir.OpNop, Op0: ir.NoID, Op1: ir.NoID})
	header := buf.Emit(ir.Node{Op: ir.OpLoopHeader, Op0: ir.NoID, Op1: ir.NoID})
	buf.LoopHeader = header
	buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Num: 1}})
	buf.LoopBack = buf.Emit(ir.Node{Op: ir.OpLoopBack, Op0: ir.NoID, Op1: ir.NoID})

	compiled := codegen.Generate(buf, allocate(buf), codegen.Encoding{}, amd64.New())

	if compiled.LoopOff != 0 {
		t.Fatalf("LoopOff = %d, want 0 (no code precedes the header once the nop is skipped)", compiled.LoopOff)
	}
	if len(compiled.Code) == 0 {
		t.Fatal("Generate produced no code")
	}
}

func TestGenerateAlwaysEndsWithReturn(t *testing.T) {
	buf := ir.NewBuffer(8, 1, 1)
	buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Num: 1}})

	compiled := codegen.Generate(buf, allocate(buf), codegen.Encoding{}, amd64.New())

	ref := amd64.New()
	ref.Return()
	want := ref.Finish()

	if len(compiled.Code) < len(want) {
		t.Fatalf("compiled code too short to contain a trailing Return: %d bytes", len(compiled.Code))
	}
	got := compiled.Code[len(compiled.Code)-len(want):]
	if string(got) != string(want) {
		t.Fatalf("trailing bytes = % x, want % x (Return())", got, want)
	}
}

func TestGeneratePlumbsSpillSlotsThrough(t *testing.T) {
	buf := ir.NewBuffer(8, 1, 1)
	a := buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID})
	buf.AddSnapshot(0, 0, []ir.SnapshotEntry{{Slot: 0, Val: a}})

	alloc := allocate(buf)
	if alloc.SpillSlots == 0 {
		t.Fatal("test setup: expected the snapshot-referenced value to force a spill")
	}
	compiled := codegen.Generate(buf, alloc, codegen.Encoding{}, amd64.New())
	if compiled.SpillSlots != alloc.SpillSlots {
		t.Fatalf("compiled.SpillSlots = %d, want %d", compiled.SpillSlots, alloc.SpillSlots)
	}
}

func TestGeneratePanicsOnUnimplementedMod(t *testing.T) {
	buf := ir.NewBuffer(8, 1, 1)
	a := buf.Emit(ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID})
	buf.Emit(ir.Node{Op: ir.OpMod, Type: ir.TNum, Op0: a, Op1: a})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Generate did not panic on an unimplemented OpMod")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "OpMod") {
			t.Fatalf("panic value = %v, want a message mentioning OpMod", r)
		}
	}()
	codegen.Generate(buf, allocate(buf), codegen.Encoding{}, amd64.New())
}

func TestGenerateGuardNumEmitsTestAndSkipShape(t *testing.T) {
	buf := ir.NewBuffer(8, 1, 1)
	v := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID})
	snap := buf.AddSnapshot(5, 1, []ir.SnapshotEntry{{Slot: 0, Val: v}})
	buf.Emit(ir.Node{Op: ir.OpGuardNum, Type: ir.TVoid, Op0: v, Op1: ir.NoID, Imm: ir.Imm{SnapshotID: snap}, Flags: ir.FlagGuard})

	enc := codegen.Encoding{QNaNMask: 0x7FF8000000000000}
	compiled := codegen.Generate(buf, allocate(buf), enc, amd64.New())

	// A CallSideExit materializes snapshotID+1 into rax and returns
	// immediately (backend/amd64.CallSideExit); the trampoline must
	// contain that pattern somewhere ahead of the trailing Return.
	ref := amd64.New()
	ref.CallSideExit(snap, 0)
	want := ref.Finish()

	if !containsBytes(compiled.Code, want) {
		t.Fatalf("guard trampoline bytes not found in generated code: want % x within % x", want, compiled.Code)
	}
}

func TestGenerateLowersPromotedIntegerInductionChain(t *testing.T) {
	buf := ir.NewBuffer(16, 1, 1)
	entry := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID})
	unbox := buf.Emit(ir.Node{Op: ir.OpUnboxInt, Type: ir.TInt, Op0: entry, Op1: ir.NoID})
	step := buf.Emit(ir.Node{Op: ir.OpConstInt, Type: ir.TInt, Op0: ir.NoID, Op1: ir.NoID, Imm: ir.Imm{Int: 1}})
	add := buf.Emit(ir.Node{Op: ir.OpAdd, Type: ir.TInt, Op0: unbox, Op1: step})
	buf.Emit(ir.Node{Op: ir.OpBoxInt, Type: ir.TValue, Op0: add, Op1: ir.NoID})

	// A panic here (unhandled opcode, or a wrong lowering path) would
	// fail the test; the point is that OpUnboxInt/OpConstInt/OpBoxInt
	// and the TInt arm of lowerBinaryNum all have real cases now.
	compiled := codegen.Generate(buf, allocate(buf), codegen.Encoding{}, amd64.New())
	if len(compiled.Code) == 0 {
		t.Fatal("Generate produced no code for an integer induction chain")
	}
}

func TestGenerateComparesIntegerOperandsWithCompareI64NotCompareF64(t *testing.T) {
	buf := ir.NewBuffer(16, 1, 1)
	x := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID})
	y := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID})
	a := buf.Emit(ir.Node{Op: ir.OpUnboxInt, Type: ir.TInt, Op0: x, Op1: ir.NoID})
	b := buf.Emit(ir.Node{Op: ir.OpUnboxInt, Type: ir.TInt, Op0: y, Op1: ir.NoID})
	buf.Emit(ir.Node{Op: ir.OpLt, Type: ir.TBool, Op0: a, Op1: b})

	compiled := codegen.Generate(buf, allocate(buf), codegen.Encoding{}, amd64.New())

	// ucomisd's opcode bytes (0x66, 0x0F, 0x2E); a TInt-operand
	// comparison must never emit this, only the integer cmp path.
	ucomisd := []byte{0x66, 0x0F, 0x2E}
	if containsBytes(compiled.Code, ucomisd) {
		t.Fatal("a comparison between two OpUnboxInt operands lowered through CompareF64 (ucomisd), want CompareI64")
	}
}

func TestGenerateBinaryOpReloadsBothSpilledOperandsIntoDistinctScratches(t *testing.T) {
	buf := ir.NewBuffer(16, 1, 2)
	a := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID})
	b := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID})
	// Force both operands to spill regardless of pool size, so lowering
	// the add below must reload each from its own memory slot.
	buf.AddSnapshot(0, 0, []ir.SnapshotEntry{{Slot: 0, Val: a}, {Slot: 1, Val: b}})
	buf.Emit(ir.Node{Op: ir.OpAdd, Type: ir.TNum, Op0: a, Op1: b})

	alloc := allocate(buf)
	if alloc.SpillSlots != 2 {
		t.Fatalf("test setup: SpillSlots = %d, want 2 (both operands snapshot-forced to spill)", alloc.SpillSlots)
	}
	compiled := codegen.Generate(buf, alloc, codegen.Encoding{}, amd64.New())

	// The first spilled operand reloads into FP scratch 7, the second
	// into FP scratch 6; a single shared scratch would mean the second
	// LoadMem overwrites the first before AddF64 ever reads it.
	var aSlot, bSlot int32
	for _, r := range alloc.Ranges {
		switch r.ID {
		case a:
			aSlot = int32(r.Alloc.Index)
		case b:
			bSlot = int32(r.Alloc.Index)
		}
	}
	loadA := amd64.New()
	loadA.LoadMem(7, codegen.FrameBase, aSlot*8)
	loadB := amd64.New()
	loadB.LoadMem(6, codegen.FrameBase, bSlot*8)

	if !containsBytes(compiled.Code, loadA.Finish()) {
		t.Fatal("first operand was not reloaded into FP scratch 7")
	}
	if !containsBytes(compiled.Code, loadB.Finish()) {
		t.Fatal("second operand was not reloaded into FP scratch 6 (a shared scratch would clobber the first operand)")
	}
}

func TestGenerateGuardTrueOnBoxedValueDoesNotSideExitOnObjectReference(t *testing.T) {
	buf := ir.NewBuffer(8, 1, 1)
	v := buf.Emit(ir.Node{Op: ir.OpLoadStack, Type: ir.TValue, Op0: ir.NoID, Op1: ir.NoID})
	snap := buf.AddSnapshot(0, 0, []ir.SnapshotEntry{{Slot: 0, Val: v}})
	buf.Emit(ir.Node{Op: ir.OpGuardTrue, Type: ir.TVoid, Op0: v, Op1: ir.NoID, Imm: ir.Imm{SnapshotID: snap}, Flags: ir.FlagGuard})

	enc := codegen.Encoding{False: 0x1, Null: 0x2}
	compiled := codegen.Generate(buf, allocate(buf), enc, amd64.New())

	// Both sentinel comparisons must appear, against GP scratch 2 (the
	// register the boxed operand reloads into): guard_true on a boxed
	// value must reject exactly the false and null encodings, not just
	// one.
	falseCmp := amd64.New()
	falseCmp.CompareImm64(2, enc.False)
	nullCmp := amd64.New()
	nullCmp.CompareImm64(2, enc.Null)

	if !containsBytes(compiled.Code, falseCmp.Finish()) {
		t.Fatal("guard_true never compares the boxed operand against the host false encoding")
	}
	if !containsBytes(compiled.Code, nullCmp.Finish()) {
		t.Fatal("guard_true never compares the boxed operand against the host null encoding")
	}
}

func containsBytes(haystack, needle []byte) bool {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
