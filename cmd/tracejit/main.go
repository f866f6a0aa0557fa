// cmd/tracejit runs a handful of small register-VM programs both
// interpreted and through the tracing JIT, side by side, so the
// recorder/optimizer/regalloc/codegen pipeline can be watched end to
// end without a test harness. Every program is hand-assembled the way
// internal/vmregister's own tests build chunks — this module has no
// front-end compiler, only the bytecode format and the JIT.
package main

import (
	"errors"
	"log"

	"tracejit/internal/jit"
	"tracejit/internal/jit/config"
	"tracejit/internal/jit/host"
	"tracejit/internal/jit/host/vmregisterhost"
	"tracejit/internal/jit/jerr"
	"tracejit/internal/vmregister"
)

func main() {
	log.SetFlags(0)

	demoSummation()
	demoInductionVariable()
	demoRangeIteration()
	demoNestedMultiplication()
	demoGuardDeopt()
	demoRecordingAbort()
}

// drive runs fiber to completion. When engine is non-nil it gives the
// JIT first refusal at every anchor PC (spec §2's "counts backward
// branches taken... starts recording once a threshold is crossed"):
// a compiled trace runs one loop iteration per Execute call, so the
// same anchor PC is revisited until a guard exit finally advances PC
// past the loop.
func drive(fiber *vmregister.Fiber, engine *jit.Engine, frame host.Frame) (vmregister.Value, error) {
	for {
		if engine != nil {
			ran, err := engine.Execute(fiber)
			if err != nil {
				return vmregister.NilValue(), err
			}
			if ran {
				continue
			}
		}

		pc := fiber.PC
		wasLoop := fiber.Chunk.Code[pc].OpCode() == vmregister.OpLoop

		halted, result, err := fiber.Step()
		if err != nil {
			return vmregister.NilValue(), err
		}
		if halted {
			return result, nil
		}

		if wasLoop && engine != nil {
			anchorPC := int32(fiber.PC)
			if engine.OnBackwardBranch(anchorPC) {
				if err := engine.Record(fiber, frame); err != nil {
					logCompileFailure(anchorPC, err)
				}
			}
		}
	}
}

func logCompileFailure(anchorPC int32, err error) {
	var ab *jerr.Abort
	if errors.As(err, &ab) {
		log.Printf("  recording aborted at pc=%d: %v", anchorPC, ab)
		return
	}
	log.Printf("  compile failed at pc=%d: %v", anchorPC, err)
}

func newEngine(syms *vmregister.SymbolTable, cfg config.Config) (*jit.Engine, host.Host) {
	adapter := vmregisterhost.New(syms)
	return jit.New(adapter, cfg), adapter
}

// ---- summation: sum += i for i in [0, n) ----

func buildSumChunk(n float64) (*vmregister.Chunk, *vmregister.SymbolTable) {
	syms := vmregister.NewSymbolTable()
	symLt := syms.Intern(vmregister.SymLt)
	symAdd := syms.Intern(vmregister.SymAdd)

	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(0), vmregister.BoxNumber(n), vmregister.BoxNumber(1)},
		CallSyms: map[int]uint16{},
		Name:     "sum",
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
	code = append(code,
		vmregister.MakeInstr(vmregister.OpGetLocal, 1),
		vmregister.MakeInstr(vmregister.OpConst, 1),
	)
	chunk.CallSyms[len(code)] = symLt
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	jumpIfFalseIdx := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpJumpIfFalse, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpGetLocal, 1))
	chunk.CallSyms[len(code)] = symAdd
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	code = append(code, vmregister.MakeInstr(vmregister.OpSetLocal, 0), vmregister.MakeInstr(vmregister.OpPop, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 1), vmregister.MakeInstr(vmregister.OpConst, 2))
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

func demoSummation() {
	const n = 200
	log.Printf("=== summation: sum(i) for i in [0,%d) ===", n)

	chunk, syms := buildSumChunk(n)
	interp := vmregister.NewFiber(chunk, 2, 0, syms)
	want, err := interp.Run()
	if err != nil {
		log.Fatalf("interpreted run failed: %v", err)
	}

	engine, _ := newEngine(syms, config.DefaultConfig())
	fiber := vmregister.NewFiber(chunk, 2, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}
	got, err := drive(fiber, engine, frame)
	if err != nil {
		log.Fatalf("JIT run failed: %v", err)
	}

	stats := engine.Stats()
	log.Printf("  interpreted=%v jit=%v (match=%v)", vmregister.AsNumber(want), vmregister.AsNumber(got), want == got)
	log.Printf("  traces compiled=%d aborted=%d cached=%d", stats.CompiledTraces, stats.AbortedTraces, stats.CachedTraces)
}

// ---- induction variable: pure counting loop, one loop-carried value ----

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

func demoInductionVariable() {
	const n = 200
	log.Printf("=== induction variable: i += 1 while i < %d, single loop-carried value ===", n)

	chunk, syms := buildCounterChunk(n, 1)
	interp := vmregister.NewFiber(chunk, 1, 0, syms)
	want, err := interp.Run()
	if err != nil {
		log.Fatalf("interpreted run failed: %v", err)
	}

	engine, _ := newEngine(syms, config.DefaultConfig())
	fiber := vmregister.NewFiber(chunk, 1, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}
	got, err := drive(fiber, engine, frame)
	if err != nil {
		log.Fatalf("JIT run failed: %v", err)
	}

	stats := engine.Stats()
	log.Printf("  interpreted=%v jit=%v (match=%v)", vmregister.AsNumber(want), vmregister.AsNumber(got), want == got)
	log.Printf("  traces compiled=%d aborted=%d cached=%d", stats.CompiledTraces, stats.AbortedTraces, stats.CachedTraces)
}

// ---- range iteration: sum += v for v in 0..<n via iterate/iteratorValue ----

func buildRangeSumChunk(n float64) (*vmregister.Chunk, *vmregister.SymbolTable) {
	syms := vmregister.NewSymbolTable()
	symIterate := syms.Intern(vmregister.SymIterate)
	symIteratorVal := syms.Intern(vmregister.SymIteratorVal)
	symAdd := syms.Intern(vmregister.SymAdd)

	rng := &vmregister.RangeObj{From: 0, To: n, IsInclusive: false}
	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(0), vmregister.NilValue(), vmregister.BoxRange(rng)},
		CallSyms: map[int]uint16{},
		Name:     "range-sum",
	}
	code := []vmregister.Instruction{
		vmregister.MakeInstr(vmregister.OpConst, 0), // sum = 0
		vmregister.MakeInstr(vmregister.OpSetLocal, 0),
		vmregister.MakeInstr(vmregister.OpPop, 0),
		vmregister.MakeInstr(vmregister.OpConst, 1), // iter = nil
		vmregister.MakeInstr(vmregister.OpSetLocal, 1),
		vmregister.MakeInstr(vmregister.OpPop, 0),
	}
	loopStart := len(code)

	code = append(code, vmregister.MakeInstr(vmregister.OpConst, 2), vmregister.MakeInstr(vmregister.OpGetLocal, 1))
	chunk.CallSyms[len(code)] = symIterate
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	code = append(code, vmregister.MakeInstr(vmregister.OpSetLocal, 1))
	jumpIfFalseIdx := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpJumpIfFalse, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpConst, 2), vmregister.MakeInstr(vmregister.OpGetLocal, 1))
	chunk.CallSyms[len(code)] = symIteratorVal
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0))
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

func demoRangeIteration() {
	const n = 120
	log.Printf("=== range iteration: sum(v) for v in 0..<%d via iterate/iteratorValue ===", n)

	chunk, syms := buildRangeSumChunk(n)
	interp := vmregister.NewFiber(chunk, 2, 0, syms)
	want, err := interp.Run()
	if err != nil {
		log.Fatalf("interpreted run failed: %v", err)
	}

	engine, _ := newEngine(syms, config.DefaultConfig())
	fiber := vmregister.NewFiber(chunk, 2, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}
	got, err := drive(fiber, engine, frame)
	if err != nil {
		log.Fatalf("JIT run failed: %v", err)
	}

	stats := engine.Stats()
	log.Printf("  interpreted=%v jit=%v (match=%v)", vmregister.AsNumber(want), vmregister.AsNumber(got), want == got)
	log.Printf("  traces compiled=%d aborted=%d cached=%d", stats.CompiledTraces, stats.AbortedTraces, stats.CachedTraces)
}

// ---- nested multiplication: acc = acc * (i * 2), two chained calls per iteration ----

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
		vmregister.MakeInstr(vmregister.OpConst, 0), // acc = 1
		vmregister.MakeInstr(vmregister.OpSetLocal, 0),
		vmregister.MakeInstr(vmregister.OpPop, 0),
		vmregister.MakeInstr(vmregister.OpConst, 0), // i = 1
		vmregister.MakeInstr(vmregister.OpSetLocal, 1),
		vmregister.MakeInstr(vmregister.OpPop, 0),
	}
	loopStart := len(code)

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 1), vmregister.MakeInstr(vmregister.OpConst, 1))
	chunk.CallSyms[len(code)] = symLte
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	jumpIfFalseIdx := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpJumpIfFalse, 0))

	// t = i * 2; acc = acc * t
	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpGetLocal, 1), vmregister.MakeInstr(vmregister.OpConst, 2))
	chunk.CallSyms[len(code)] = symMul
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	chunk.CallSyms[len(code)] = symMul
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	code = append(code, vmregister.MakeInstr(vmregister.OpSetLocal, 0), vmregister.MakeInstr(vmregister.OpPop, 0))

	// i = i + 1
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

func demoNestedMultiplication() {
	const n = 6
	log.Printf("=== nested multiplication: acc *= (i * 2) for i in [1,%d] ===", n)

	chunk, syms := buildNestedMulChunk(n)
	interp := vmregister.NewFiber(chunk, 2, 0, syms)
	want, err := interp.Run()
	if err != nil {
		log.Fatalf("interpreted run failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.HotThreshold = 2 // n is small; lower the bar so the loop actually gets compiled
	engine, _ := newEngine(syms, cfg)
	fiber := vmregister.NewFiber(chunk, 2, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}
	got, err := drive(fiber, engine, frame)
	if err != nil {
		log.Fatalf("JIT run failed: %v", err)
	}

	stats := engine.Stats()
	log.Printf("  interpreted=%v jit=%v (match=%v)", vmregister.AsNumber(want), vmregister.AsNumber(got), want == got)
	log.Printf("  traces compiled=%d aborted=%d cached=%d", stats.CompiledTraces, stats.AbortedTraces, stats.CachedTraces)
}

// ---- guard deoptimization: mutate a live global mid-run, forcing a side exit ----

func buildGuardChunk(n float64) (*vmregister.Chunk, *vmregister.SymbolTable) {
	syms := vmregister.NewSymbolTable()
	symLt := syms.Intern(vmregister.SymLt)
	symAdd := syms.Intern(vmregister.SymAdd)

	chunk := &vmregister.Chunk{
		Consts:   []vmregister.Value{vmregister.BoxNumber(0), vmregister.BoxNumber(1)},
		CallSyms: map[int]uint16{},
		Name:     "guarded-counter",
	}
	code := []vmregister.Instruction{
		vmregister.MakeInstr(vmregister.OpConst, 0), // i = 0
		vmregister.MakeInstr(vmregister.OpSetLocal, 0),
		vmregister.MakeInstr(vmregister.OpPop, 0),
	}
	loopStart := len(code)

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpGetGlobal, 0))
	chunk.CallSyms[len(code)] = symLt
	code = append(code, vmregister.MakeInstr(vmregister.OpInvoke1, 0))
	jumpIfFalseIdx := len(code)
	code = append(code, vmregister.MakeInstr(vmregister.OpJumpIfFalse, 0))

	code = append(code, vmregister.MakeInstr(vmregister.OpGetLocal, 0), vmregister.MakeInstr(vmregister.OpConst, 1))
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

// demoGuardDeopt compiles a loop that compares against a global bound,
// runs it long enough to install a trace, then swaps the global for a
// non-number underneath the running trace. The next Execute call's
// OpGuardNum on the reloaded global fails, side-exits back into the
// interpreter with the loop-carried counter restored from the spill
// area, and the interpreter's own slow path then hits the same
// unsupported-receiver error a plain interpretation would (spec §4.5).
func demoGuardDeopt() {
	log.Println("=== guard deoptimization: retype a global underneath a running trace ===")

	chunk, syms := buildGuardChunk(30)
	cfg := config.DefaultConfig()
	cfg.HotThreshold = 5 // compile well before the loop's own 30 iterations run out
	engine, _ := newEngine(syms, cfg)
	fiber := vmregister.NewFiber(chunk, 1, 1, syms)
	fiber.Globals[0] = vmregister.BoxNumber(30)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}

	iterations := 0
	var result vmregister.Value
	var runErr error
	for {
		ran, err := engine.Execute(fiber)
		if err != nil {
			runErr = err
			break
		}
		if ran {
			iterations++
			if iterations == 10 {
				log.Printf("  swapping global bound for a boolean after %d compiled iterations", iterations)
				fiber.Globals[0] = vmregister.BoxBool(true)
			}
			continue
		}

		pc := fiber.PC
		wasLoop := fiber.Chunk.Code[pc].OpCode() == vmregister.OpLoop
		halted, res, err := fiber.Step()
		if err != nil {
			runErr = err
			break
		}
		if halted {
			result = res
			break
		}
		if wasLoop {
			anchorPC := int32(fiber.PC)
			if engine.OnBackwardBranch(anchorPC) {
				if err := engine.Record(fiber, frame); err != nil {
					logCompileFailure(anchorPC, err)
				}
			}
		}
	}

	stats := engine.Stats()
	if runErr != nil {
		log.Printf("  deoptimized back to the interpreter and hit: %v", runErr)
	} else {
		log.Printf("  finished without a retype, i=%v", vmregister.AsNumber(result))
	}
	log.Printf("  traces compiled=%d aborted=%d cached=%d exits=%d", stats.CompiledTraces, stats.AbortedTraces, stats.CachedTraces, exitCountFor(engine, fiber))
}

func exitCountFor(engine *jit.Engine, fiber *vmregister.Fiber) uint64 {
	if t := engine.Lookup(int32(fiber.PC)); t != nil {
		return t.ExitCount
	}
	return 0
}

// ---- recording abort: a trace body too long for the instruction cap ----

func demoRecordingAbort() {
	log.Println("=== recording abort: instruction cap trips mid-trace, interpreter finishes anyway ===")

	chunk, syms := buildSumChunk(200)
	cfg := config.DefaultConfig()
	cfg.MaxInstructionsPerTrace = 3 // one loop iteration here needs far more than this
	engine, _ := newEngine(syms, cfg)

	fiber := vmregister.NewFiber(chunk, 2, 0, syms)
	frame := vmregisterhost.FiberFrame{Fiber: fiber}
	result, err := drive(fiber, engine, frame)
	if err != nil {
		log.Fatalf("interpreted fallback failed: %v", err)
	}

	stats := engine.Stats()
	log.Printf("  interpreter completed despite the abort: sum=%v", vmregister.AsNumber(result))
	log.Printf("  traces compiled=%d aborted=%d cached=%d", stats.CompiledTraces, stats.AbortedTraces, stats.CachedTraces)
}
