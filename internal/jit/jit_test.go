//go:build amd64

package jit_test

import (
	"testing"

	"tracejit/internal/jit"
	"tracejit/internal/jit/config"
	"tracejit/internal/jit/host/vmregisterhost"
	"tracejit/internal/vmregister"
)

// buildCounterChunk mirrors cmd/tracejit's induction-variable demo: a
// single loop-carried local incremented by a constant stride each pass.
func buildCounterChunk(n, stride float64) (*vmregister.Chunk, *vmregister.SymbolTable) {
	syms := vmregister.NewSymbolTable()
	symLt := syms.Intern(vmregister.SymLt)
	symAdd := syms.Intern(vmregister.SymAdd)

	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(0), vmregister.BoxNumber(n), vmregister.BoxNumber(stride)},
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
	return chunk, syms
}

// buildNestedMulChunk mirrors cmd/tracejit's nested-multiplication demo:
// acc = acc * (i * 2), i += 1. Exercises reduceStrength's x*2 -> x+x
// rewrite on a float multiply that must NOT be treated as an integer
// shift just because its constant operand is a power of two.
func buildNestedMulChunk(n float64) (*vmregister.Chunk, *vmregister.SymbolTable) {
	syms := vmregister.NewSymbolTable()
	symLte := syms.Intern(vmregister.SymLte)
	symMul := syms.Intern(vmregister.SymMul)
	symAdd := syms.Intern(vmregister.SymAdd)

	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(1), vmregister.BoxNumber(n), vmregister.BoxNumber(2)},
		CallSyms: map[int]uint16{},
		Name:     "nested-mul",
	}
	code := []vmregister.Instruction{
		vmregister.MakeInstr(vmregister.OpConst, 0),
		vmregister.MakeInstr(vmregister.OpSetLocal, 0),
		vmregister.MakeInstr(vmregister.OpPop, 0),
		vmregister.MakeInstr(vmregister.OpConst, 0),
		vmregister.MakeInstr(vmregister.OpSetLocal, 1),
		vmregister.MakeInstr(vmregister.OpPop, 0),
	}
	loopStart := len(code)

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 1), vmregister.MakeInstr(vmregister.OpConst, 1))
	chunk.CallSyms[len(code)] = symLte
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	jumpIfFalseIdx := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpJumpIfFalse, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpGetLocal, 1), vmregister.MakeInstr(vmregister.OpConst, 2))
	chunk.CallSyms[len(code)] = symMul
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	chunk.CallSyms[len(code)] = symMul
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	code = append(code, vmregister.MakeInstr(vmregister.OpSetLocal, 0), vmregister.MakeInstr(vmregister.OpPop, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 1), vmregister.MakeInstr(vmregister.OpConst, 0))
	chunk.CallSyms[len(code)] = symAdd
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	code = append(code, vmregister.MakeInstr(vmregister.OpSetLocal, 1), vmregister.MakeInstr(vmregister.OpPop, 0))

	backOffset := len(code) + 1 - loopStart
	code = append(code, vmregister.MakeInstr(vmregister.OpLoop, int32(backOffset)))
	exitPC := len(code)
	code[jumpIfFalseIdx] = vmregister.MakeInstr(vmregister.OpJumpIfFalse, int32(exitPC-jumpIfFalseIdx-1))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpReturn, 0))
	chunk.Code = code
	return chunk, syms
}

// drive mirrors cmd/tracejit's own driver loop: give the engine first
// refusal at every backward branch, recording once it goes hot.
func drive(t *testing.T, fiber *vmregister.Fiber, engine *jit.Engine, frame vmregisterhost.FiberFrame) vmregister.Value {
	t.Helper()
	for {
		ran, err := engine.Execute(fiber)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if ran {
			continue
		}

		pc := fiber.PC
		wasLoop := fiber.Chunk.Code[pc].OpCode() == vmregister.OpLoop
		halted, result, err := fiber.Step()
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if halted {
			return result
		}
		if wasLoop {
			anchorPC := int32(fiber.PC)
			if engine.OnBackwardBranch(anchorPC) {
				if err := engine.Record(fiber, frame); err != nil {
					t.Logf("recording/compile did not complete at pc=%d: %v", anchorPC, err)
				}
			}
		}
	}
}

func TestEngineCompilesAndExecutesInductionLoop(t *testing.T) {
	const n = 200
	chunk, syms := buildCounterChunk(n, 1)

	interp := vmregister.NewFiber(chunk, 1, 0, syms)
	want, err := interp.Run()
	if err != nil {
		t.Fatalf("interpreted run failed: %v", err)
	}

	adapter := vmregisterhost.New(syms)
	engine := jit.New(adapter, config.DefaultConfig())
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	got := drive(t, fiber, engine, frame)
	if got != want {
		t.Fatalf("jit result = %v, want %v (interpreted)", vmregister.AsNumber(got), vmregister.AsNumber(want))
	}

	stats := engine.Stats()
	if stats.CompiledTraces == 0 {
		t.Fatal("expected at least one trace to compile once the loop went hot")
	}
	if stats.CachedTraces == 0 {
		t.Fatal("expected the compiled trace to remain in the cache")
	}
}

func TestEngineCompilesNestedMultiplicationWithoutCrashing(t *testing.T) {
	const n = 6
	chunk, syms := buildNestedMulChunk(n)

	interp := vmregister.NewFiber(chunk, 2, 0, syms)
	want, err := interp.Run()
	if err != nil {
		t.Fatalf("interpreted run failed: %v", err)
	}

	adapter := vmregisterhost.New(syms)
	cfg := config.DefaultConfig()
	cfg.HotThreshold = 2 // n is small; lower the bar so the loop actually gets compiled
	engine := jit.New(adapter, cfg)
	fiber := vmregister.NewFiber(chunk, 2, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	got := drive(t, fiber, engine, frame)
	if got != want {
		t.Fatalf("jit result = %v, want %v (interpreted)", vmregister.AsNumber(got), vmregister.AsNumber(want))
	}

	stats := engine.Stats()
	if stats.CompiledTraces == 0 {
		t.Fatal("expected the nested-multiplication loop to compile once hot")
	}
}

func TestEngineExecuteIsNoOpWithoutACachedTrace(t *testing.T) {
	chunk, syms := buildCounterChunk(10, 1)
	adapter := vmregisterhost.New(syms)
	engine := jit.New(adapter, config.DefaultConfig())
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)

	ran, err := engine.Execute(fiber)
	if err != nil {
		t.Fatalf("Execute returned an error with no cached trace: %v", err)
	}
	if ran {
		t.Fatal("Execute reported ran=true with no cached trace")
	}
}

func TestEngineDisabledNeverGoesHot(t *testing.T) {
	_, syms := buildCounterChunk(10, 1)
	adapter := vmregisterhost.New(syms)
	cfg := config.DefaultConfig()
	cfg.Enabled = false
	cfg.HotThreshold = 1
	engine := jit.New(adapter, cfg)

	if engine.OnBackwardBranch(int32(3)) {
		t.Fatal("OnBackwardBranch returned true while the engine is disabled")
	}
	if engine.Stats().CompiledTraces != 0 {
		t.Fatal("a disabled engine should never compile a trace")
	}
}

func TestEngineRecordingAbortLeavesInterpreterCorrect(t *testing.T) {
	const n = 200
	chunk, syms := buildCounterChunk(n, 1)

	interp := vmregister.NewFiber(chunk, 1, 0, syms)
	want, err := interp.Run()
	if err != nil {
		t.Fatalf("interpreted run failed: %v", err)
	}

	adapter := vmregisterhost.New(syms)
	cfg := config.DefaultConfig()
	cfg.MaxInstructionsPerTrace = 1 // one loop iteration needs more than this
	engine := jit.New(adapter, cfg)
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	got := drive(t, fiber, engine, frame)
	if got != want {
		t.Fatalf("result after a recording abort = %v, want %v", vmregister.AsNumber(got), vmregister.AsNumber(want))
	}
	if engine.Stats().CompiledTraces != 0 {
		t.Fatal("expected no trace to compile when every recording attempt aborts")
	}
	if engine.Stats().AbortedTraces == 0 {
		t.Fatal("expected at least one recorded abort")
	}
}
