// Package jit wires the trace recorder, optimizer, register allocator,
// code generator, executable memory manager, and trace cache into the
// single entry point a host VM drives: bump a hot count on every
// backward branch, record and compile once a loop crosses the
// threshold, and run compiled traces in place of the interpreter loop
// thereafter (spec §2, §5).
package jit

import (
	"unsafe"

	"tracejit/internal/jit/backend/amd64"
	"tracejit/internal/jit/codegen"
	"tracejit/internal/jit/config"
	"tracejit/internal/jit/execmem"
	"tracejit/internal/jit/host"
	"tracejit/internal/jit/ir"
	"tracejit/internal/jit/jerr"
	"tracejit/internal/jit/nativecall"
	"tracejit/internal/jit/optimize"
	"tracejit/internal/jit/recorder"
	"tracejit/internal/jit/regalloc"
	"tracejit/internal/jit/trace"
	"tracejit/internal/vmregister"
)

// regPool is the fixed GP/FP split around the amd64 backend's reserved
// registers (spec §4.3: "the first two are reserved as codegen
// temporaries... the remaining are allocatable"). Of the seven usable
// GP registers (rsp is never available), six are reserved — rax
// (wide-immediate scratch), rdx and rbx (codegen's two scratch
// registers, staging two spilled memory operands at once), rbp
// (FrameBase), rsi (stack-base pointer), rdi (globals-base pointer) —
// leaving one (rcx) for the allocator. Of the eight XMM registers, xmm6
// and xmm7 are codegen's two FP scratch registers, leaving six.
var regPool = regalloc.Pool{GP: 1, FP: 6}

// Engine is the top-level JIT: per-anchor-PC hot counts, a recorder
// reused across compilations, and the trace cache compiled code is
// installed into.
type Engine struct {
	cfg    config.Config
	host   host.Host
	enc    codegen.Encoding
	cache  *trace.Cache
	rec    *recorder.Recorder
	hotPC  map[int32]uint32
	traces uint64
	aborts uint64
}

// New builds an Engine bound to h, the host VM adapter (spec §6). h
// must remain valid for the Engine's lifetime.
func New(h host.Host, cfg config.Config) *Engine {
	return &Engine{
		cfg:  cfg,
		host: h,
		enc: codegen.Encoding{
			QNaNMask:    h.QNaNMask(),
			PtrMask:     h.PtrMask(),
			True:        uint64(h.TrueValue()),
			False:       uint64(h.FalseValue()),
			Null:        uint64(h.NullValue()),
			HeaderSize:  int32(h.HeaderSize()),
			ClassOffset: int32(h.ClassOffset()),
		},
		cache: trace.NewCache(cfg.TraceCacheCapacity),
		rec:   recorder.New(h, cfg),
		hotPC: make(map[int32]uint32),
	}
}

// Stats reports cumulative compile counts, exposed for the demo command
// and tests rather than logged directly (this module never pulls in a
// logging library of its own — see the ambient-stack notes in
// DESIGN.md).
type Stats struct {
	CompiledTraces uint64
	AbortedTraces  uint64
	CachedTraces   int
}

func (e *Engine) Stats() Stats {
	return Stats{CompiledTraces: e.traces, AbortedTraces: e.aborts, CachedTraces: e.cache.Len()}
}

// Lookup returns the trace anchored at pc, if one has been compiled.
func (e *Engine) Lookup(pc int32) *trace.CompiledTrace { return e.cache.Lookup(pc) }

// OnBackwardBranch is called by the interpreter every time a OpLoop
// instruction fires, targeting anchorPC. It bumps the hot count and
// starts recording once HotThreshold is crossed and no trace is cached
// yet there already (spec §2's "counts backward branches taken").
// Returns true if the caller should now attempt to compile (via
// Record) rather than keep interpreting.
func (e *Engine) OnBackwardBranch(anchorPC int32) bool {
	if !e.cfg.Enabled {
		return false
	}
	if e.cache.Lookup(anchorPC) != nil {
		return false
	}
	e.hotPC[anchorPC]++
	return e.hotPC[anchorPC] >= e.cfg.HotThreshold
}

// Record drives fiber one bytecode instruction at a time from its
// current PC (which must equal anchorPC), recording IR in lockstep,
// until the loop closes or the recorder aborts. On success it runs the
// full optimize/allocate/emit pipeline and installs the result into the
// cache. Recording aborts and compile failures are both non-fatal: the
// interpreter's slow path is always still correct, so callers should
// simply keep interpreting on any error (spec §7).
func (e *Engine) Record(fiber *vmregister.Fiber, frame host.Frame) error {
	anchorPC := int32(fiber.PC)
	e.rec.Start(anchorPC, frame)

	for !e.rec.Closed() {
		if ab := e.rec.Record(fiber, frame); ab != nil {
			e.aborts++
			return ab
		}
		if _, _, err := fiber.Step(); err != nil {
			e.aborts++
			return err
		}
	}

	return e.compile(anchorPC, e.rec.Buffer())
}

func (e *Engine) compile(anchorPC int32, buf *ir.Buffer) error {
	optimize.Run(buf)

	ranges := regalloc.ComputeLiveRanges(buf)
	alloc := regalloc.Allocate(buf, ranges, regPool)

	asm := amd64.New()
	compiled := codegen.Generate(buf, alloc, e.enc, asm)

	region, err := execmem.Alloc(len(compiled.Code))
	if err != nil {
		e.aborts++
		return jerr.NewCompileFailure(jerr.StageExecMemory, err)
	}
	entry, err := region.Finalize(compiled.Code)
	if err != nil {
		e.aborts++
		return jerr.NewCompileFailure(jerr.StageExecMemory, err)
	}

	t := trace.New(anchorPC, buf, alloc, compiled.LoopOff, compiled.SpillSlots, region, entry)
	e.cache.Insert(t)
	e.traces++
	delete(e.hotPC, anchorPC)
	return nil
}

// Execute runs the trace anchored at fiber.PC, if one is cached,
// returning true if it ran (regardless of whether a guard exited early)
// and false if the caller should fall back to interpreting. On a guard
// exit the deoptimizer has already written fiber.Stack/fiber.PC to the
// interpreter's resume point before Execute returns.
func (e *Engine) Execute(fiber *vmregister.Fiber) (bool, error) {
	t := e.cache.Lookup(int32(fiber.PC))
	if t == nil {
		return false, nil
	}
	t.ExecCount++

	spill := make([]uint64, t.SpillSlots)
	spillPtr := unsafe.Pointer(nil)
	if len(spill) > 0 {
		spillPtr = unsafe.Pointer(&spill[0])
	}
	stackPtr := unsafe.Pointer(nil)
	if len(fiber.Stack) > 0 {
		stackPtr = unsafe.Pointer(&fiber.Stack[0])
	}
	globalsPtr := unsafe.Pointer(nil)
	if len(fiber.Globals) > 0 {
		globalsPtr = unsafe.Pointer(&fiber.Globals[0])
	}

	exitCode := nativecall.Call(t.Entry, spillPtr, stackPtr, globalsPtr)
	if exitCode == 0 {
		return true, nil
	}

	t.ExitCount++
	snapIdx := int(exitCode - 1)
	if snapIdx < 0 || snapIdx >= len(t.Snapshots) {
		return true, jerr.NewInvariantViolation("side exit index out of range")
	}
	snap := t.Snapshots[snapIdx]

	exit := trace.ExitState{Spill: spill}
	resumePC := trace.Reconstruct(snap, exit, func(slot int32, v uint64) {
		fiber.Stack[slot] = vmregister.Value(v)
	})
	fiber.StackTop = int(snap.StackDepth)
	fiber.PC = int(resumePC)

	return true, nil
}
