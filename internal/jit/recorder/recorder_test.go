package recorder_test

import (
	"testing"

	"tracejit/internal/jit/config"
	"tracejit/internal/jit/host/vmregisterhost"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/jerr"
	"tracejit/internal/jit/recorder"
	"tracejit/internal/vmregister"
)

// buildCounterChunk mirrors cmd/tracejit's induction-variable demo: a
// single loop-carried local incremented by a constant stride each pass.
func buildCounterChunk(n float64) (*vmregister.Chunk, *vmregister.SymbolTable, int) {
	syms := vmregister.NewSymbolTable()
	symLt := syms.Intern(vmregister.SymLt)
	symAdd := syms.Intern(vmregister.SymAdd)

	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(0), vmregister.BoxNumber(n), vmregister.BoxNumber(1)},
		CallSyms: map[int]uint16{},
		Name:     "counter",
	}
	code := []vmregister.Instruction{
		vmregister.MakeInstr(vmregister.OpConst, 0),
		vmregister.MakeInstr(vmregister.OpSetLocal, 0),
		vmregister.MakeInstr(vmregister.OpPop, 0),
	}
	loopStart := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpConst, 1))
	chunk.CallSyms[len(code)] = symLt
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	jumpIfFalseIdx := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpJumpIfFalse, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpConst, 2))
	chunk.CallSyms[len(code)] = symAdd
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	code = append(code, vmregister.MakeInstr(vmregister.OpSetLocal, 0), vmregister.MakeInstr(vmregister.OpPop, 0))

	backOffset := len(code) + 1 - loopStart
	code = append(code, vmregister.MakeInstr(vmregister.OpLoop, int32(backOffset)))
	exitPC := len(code)
	code[jumpIfFalseIdx] = vmregister.MakeInstr(vmregister.OpJumpIfFalse, int32(exitPC-jumpIfFalseIdx-1))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpReturn, 0))
	chunk.Code = code
	return chunk, syms, loopStart
}

// recordOneIteration drives fiber from the loop anchor through Record in
// lockstep with Step, the way internal/jit.Engine.Record does, and
// returns the finished recorder.
func recordOneIteration(t *testing.T, fiber *vmregister.Fiber, adapter *vmregisterhost.Adapter, frame vmregisterhost.FiberFrame, anchorPC int, cfg config.Config) *recorder.Recorder {
	t.Helper()
	rec := recorder.New(adapter, cfg)
	rec.Start(int32(anchorPC), frame)
	for !rec.Closed() {
		if ab := rec.Record(fiber, frame); ab != nil {
			t.Fatalf("recording aborted: %v", ab)
		}
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("step failed during recording: %v", err)
		}
	}
	return rec
}

func TestRecorderClosesLoopWithPhiForCarriedLocal(t *testing.T) {
	chunk, syms, loopStart := buildCounterChunk(3)
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)
	adapter := vmregisterhost.New(syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	for fiber.PC != loopStart {
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("stepping to anchor: %v", err)
		}
	}

	rec := recordOneIteration(t, fiber, adapter, frame, loopStart, config.DefaultConfig())
	buf := rec.Buffer()

	if buf.LoopHeader == ir.NoID || buf.LoopBack == ir.NoID {
		t.Fatal("recorder did not set both LoopHeader and LoopBack")
	}
	foundPhi := false
	for i := range buf.Nodes {
		if buf.Nodes[i].Op == ir.OpPhi {
			foundPhi = true
		}
	}
	if !foundPhi {
		t.Fatal("expected a phi for the loop-carried counter local")
	}
	if err := buf.Validate(); err != nil {
		t.Fatalf("recorded buffer failed validation: %v", err)
	}
}

func TestRecorderAbortsWhenLoopTargetsNonAnchor(t *testing.T) {
	// Two nested OpLoop targets aren't possible with this chunk builder,
	// so instead start recording one instruction into the loop body: the
	// eventual OpLoop still targets loopStart, but anchorPC is now
	// loopStart+1, which never matches.
	chunk, syms, loopStart := buildCounterChunk(3)
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)
	adapter := vmregisterhost.New(syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	for fiber.PC != loopStart+1 {
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("stepping to anchor: %v", err)
		}
	}

	rec := recorder.New(adapter, config.DefaultConfig())
	rec.Start(int32(loopStart+1), frame)
	var lastAbort *jerr.Abort
	for !rec.Closed() {
		if ab := rec.Record(fiber, frame); ab != nil {
			lastAbort = ab
			break
		}
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if lastAbort == nil {
		t.Fatal("expected the recorder to abort when OpLoop's target isn't the anchor")
	}
	if lastAbort.Reason != jerr.AbortBackwardBranchNotAnchor {
		t.Fatalf("abort reason = %v, want AbortBackwardBranchNotAnchor", lastAbort.Reason)
	}
}

func TestRecorderAbortsOnReturn(t *testing.T) {
	syms := vmregister.NewSymbolTable()
	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(1)},
		CallSyms: map[int]uint16{},
		Code: []vmregister.Instruction{
			vmregister.MakeInstr(vmregister.OpConst, 0),
			vmregister.MakeInstr(vmregister.OpReturn, 0),
		},
	}
	fiber := vmregister.NewFiber(chunk, 0, 0, syms)
	adapter := vmregisterhost.New(syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	rec := recorder.New(adapter, config.DefaultConfig())
	rec.Start(0, frame)
	if ab := rec.Record(fiber, frame); ab != nil {
		t.Fatalf("recording OpConst aborted unexpectedly: %v", ab)
	}
	if _, _, err := fiber.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	ab := rec.Record(fiber, frame)
	if ab == nil {
		t.Fatal("expected an abort recording OpReturn")
	}
	if ab.Reason != jerr.AbortReturnCrossesRoot {
		t.Fatalf("abort reason = %v, want AbortReturnCrossesRoot", ab.Reason)
	}
}

func TestRecordBinaryEmitsGuardNumForEachOperand(t *testing.T) {
	syms := vmregister.NewSymbolTable()
	symAdd := syms.Intern(vmregister.SymAdd)
	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(2), vmregister.BoxNumber(3)},
		CallSyms: map[int]uint16{},
	}
	code := []vmregister.Instruction{
		vmregister.MakeInstr(vmregister.OpConst, 0),
		vmregister.MakeInstr(vmregister.OpConst, 1),
	}
	chunk.CallSyms[len(code)] = symAdd
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	chunk.Code = code

	fiber := vmregister.NewFiber(chunk, 0, 0, syms)
	adapter := vmregisterhost.New(syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	rec := recorder.New(adapter, config.DefaultConfig())
	rec.Start(0, frame)
	for i := 0; i < len(code); i++ {
		if ab := rec.Record(fiber, frame); ab != nil {
			t.Fatalf("record failed at instruction %d: %v", i, ab)
		}
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}

	buf := rec.Buffer()
	guardCount := 0
	for i := range buf.Nodes {
		if buf.Nodes[i].Op == ir.OpGuardNum {
			guardCount++
		}
	}
	if guardCount != 2 {
		t.Fatalf("guardCount = %d, want 2 (receiver and argument each guarded)", guardCount)
	}
}

func TestRecordBinaryAbortsOnModRatherThanEmittingOpMod(t *testing.T) {
	syms := vmregister.NewSymbolTable()
	symMod := syms.Intern(vmregister.SymMod)
	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(7), vmregister.BoxNumber(2)},
		CallSyms: map[int]uint16{},
	}
	code := []vmregister.Instruction{
		vmregister.MakeInstr(vmregister.OpConst, 0),
		vmregister.MakeInstr(vmregister.OpConst, 1),
	}
	chunk.CallSyms[len(code)] = symMod
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	chunk.Code = code

	fiber := vmregister.NewFiber(chunk, 0, 0, syms)
	adapter := vmregisterhost.New(syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	rec := recorder.New(adapter, config.DefaultConfig())
	rec.Start(0, frame)
	var ab *jerr.Abort
	for i := 0; i < len(code); i++ {
		if a := rec.Record(fiber, frame); a != nil {
			ab = a
			break
		}
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if ab == nil {
		t.Fatal("expected recording % to abort rather than emit an OpMod codegen can't lower")
	}
	if ab.Reason != jerr.AbortUnsupportedReceiver {
		t.Fatalf("abort reason = %v, want AbortUnsupportedReceiver", ab.Reason)
	}

	buf := rec.Buffer()
	for i := range buf.Nodes {
		if buf.Nodes[i].Op == ir.OpMod {
			t.Fatal("an OpMod node was emitted despite the abort")
		}
	}
}

func TestRecorderAbortsPastInstructionCap(t *testing.T) {
	chunk, syms, loopStart := buildCounterChunk(50)
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)
	adapter := vmregisterhost.New(syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	for fiber.PC != loopStart {
		if _, _, err := fiber.Step(); err != nil {
			t.Fatalf("stepping to anchor: %v", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.MaxInstructionsPerTrace = 1

	rec := recorder.New(adapter, cfg)
	rec.Start(int32(loopStart), frame)
	ab := rec.Record(fiber, frame)
	if ab != nil {
		t.Fatalf("first instruction aborted unexpectedly: %v", ab)
	}
	if _, _, err := fiber.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	ab = rec.Record(fiber, frame)
	if ab == nil || ab.Reason != jerr.AbortInstructionLimitExceeded {
		t.Fatalf("abort = %v, want AbortInstructionLimitExceeded", ab)
	}
}
