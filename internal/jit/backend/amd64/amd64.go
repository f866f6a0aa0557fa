//go:build amd64

// Package amd64 is the concrete backend.Assembler for x86-64: it emits
// raw machine code bytes directly, the same low-level approach as
// other_examples/launix-de-memcp__jit_amd64.go and
// jit_emit_amd64.go, generalized from that interpreter's boxed-Scmer
// value model to this module's single-word NaN-boxed Value and
// generalized from ad hoc byte literals to a small helper set (REX
// prefix, ModRM, SIB) so codegen doesn't hand-assemble instructions
// itself.
//
// General-purpose values live in the standard integer registers;
// floating-point doubles live in the low 8 XMM registers. A trace is
// its own tiny function under the nativecall.Call convention: rax on
// return is 0 for a normal fall-through and a 1-based snapshot index on
// a side exit, so CallSideExit needs no call at all — it materializes
// the exit code and returns straight out of the trace (spec §4.5), and
// the Go caller (internal/jit.Engine.Execute) does the deoptimization
// work the original's trampoline function did in native code.
package amd64

import (
	"encoding/binary"
	"math"

	"tracejit/internal/jit/backend"
)

// register encodes both the GP and XMM numbering; codegen only ever
// asks for indices 0-7 to stay within the one-byte ModRM/SIB encoding
// without a REX.R/X/B extension bit.
const numRegs = 8

// Assembler is a straight-line byte buffer emitter with a label/fixup
// table, mirroring other_examples/launix-de-memcp__jit_writer.go's
// JITWriter but sized dynamically instead of into a live mmap page —
// codegen assembles into this buffer first, then execmem copies the
// finished bytes into executable memory in one shot.
type Assembler struct {
	code   []byte
	labels []int32 // -1 until bound
	fixups []fixup
}

type fixup struct {
	pos      int32
	label    backend.Label
	size     uint8
	relative bool
}

// New constructs an empty Assembler ready to lower one trace.
func New() *Assembler {
	return &Assembler{}
}

func (a *Assembler) NewLabel() backend.Label {
	a.labels = append(a.labels, -1)
	return backend.Label(len(a.labels) - 1)
}

func (a *Assembler) Bind(l backend.Label) {
	a.labels[l] = int32(len(a.code))
}

func (a *Assembler) emit(b ...byte) { a.code = append(a.code, b...) }

func (a *Assembler) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.emit(buf[:]...)
}

func (a *Assembler) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.emit(buf[:]...)
}

// rex builds a REX prefix: W selects 64-bit operand size, R/X/B extend
// the reg/index/rm fields. Registers 0-7 never need R/X/B here.
func rex(w bool) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	return b
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

func (a *Assembler) addFixup(l backend.Label, size uint8, relative bool) {
	a.fixups = append(a.fixups, fixup{pos: int32(len(a.code)), label: l, size: size, relative: relative})
}

// --- backend.Assembler ---

func (a *Assembler) MovRegReg(class backend.ClassHint, dst, src backend.Reg) {
	if class == backend.ClassFP {
		// movsd xmm(dst), xmm(src)
		a.emit(0xF2, 0x0F, 0x10)
		a.emit(modrm(3, byte(dst), byte(src)))
		return
	}
	a.emit(rex(true), 0x89)
	a.emit(modrm(3, byte(src), byte(dst)))
}

func (a *Assembler) MovImm64(dst backend.Reg, imm uint64) {
	// movabs reg, imm64
	a.emit(rex(true), 0xB8+byte(dst)&7)
	a.emitU64(imm)
}

func (a *Assembler) MovImmF64(dst backend.Reg, imm float64) {
	bits := f64bits(imm)
	// Route the immediate through a scratch GP register (rax) since
	// x86-64 has no move-immediate-to-XMM form, then movq it across.
	a.emit(rex(true), 0xB8) // movabs rax, bits
	a.emitU64(bits)
	// movq xmm(dst), rax
	a.emit(0x66, rex(true), 0x0F, 0x6E)
	a.emit(modrm(3, byte(dst), 0 /*rax*/))
}

func (a *Assembler) LoadMem(dst, base backend.Reg, disp int32) {
	a.emit(rex(true), 0x8B)
	a.emit(modrm(2, byte(dst), byte(base)))
	a.emitU32(uint32(disp))
}

func (a *Assembler) StoreMem(base backend.Reg, disp int32, src backend.Reg) {
	a.emit(rex(true), 0x89)
	a.emit(modrm(2, byte(src), byte(base)))
	a.emitU32(uint32(disp))
}

func (a *Assembler) AddF64(dst, x, y backend.Reg) {
	a.xmmMove(dst, x)
	a.emit(0xF2, 0x0F, 0x58) // addsd
	a.emit(modrm(3, byte(dst), byte(y)))
}

func (a *Assembler) SubF64(dst, x, y backend.Reg) {
	a.xmmMove(dst, x)
	a.emit(0xF2, 0x0F, 0x5C) // subsd
	a.emit(modrm(3, byte(dst), byte(y)))
}

func (a *Assembler) MulF64(dst, x, y backend.Reg) {
	a.xmmMove(dst, x)
	a.emit(0xF2, 0x0F, 0x59) // mulsd
	a.emit(modrm(3, byte(dst), byte(y)))
}

func (a *Assembler) DivF64(dst, x, y backend.Reg) {
	a.xmmMove(dst, x)
	a.emit(0xF2, 0x0F, 0x5E) // divsd
	a.emit(modrm(3, byte(dst), byte(y)))
}

func (a *Assembler) NegF64(dst, src backend.Reg) {
	if dst == src {
		// Zeroing dst would also zero the operand, so flip the sign bit
		// through wideImmScratch instead: movq rax, dst; btc rax, 63;
		// movq dst, rax.
		a.BoxNum(wideImmScratch, dst)
		a.emit(rex(true), 0x0F, 0xBA, modrm(3, 7, byte(wideImmScratch)), 63) // btc
		a.UnboxNum(dst, wideImmScratch)
		return
	}
	// xorpd against a sign-bit mask would need a constant pool entry;
	// with dst != src, subsd from a zeroed dst negates src (except that
	// 0 - (+0) gives +0 rather than -0).
	a.emit(0x66, 0x0F, 0xEF) // pxor dst, dst
	a.emit(modrm(3, byte(dst), byte(dst)))
	a.emit(0xF2, 0x0F, 0x5C) // subsd dst, src
	a.emit(modrm(3, byte(dst), byte(src)))
}

func (a *Assembler) xmmMove(dst, src backend.Reg) {
	if dst == src {
		return
	}
	a.emit(0xF2, 0x0F, 0x10)
	a.emit(modrm(3, byte(dst), byte(src)))
}

func (a *Assembler) AddI64(dst, x, y backend.Reg) {
	if dst != x {
		a.MovRegReg(backend.ClassGP, dst, x)
	}
	a.emit(rex(true), 0x01)
	a.emit(modrm(3, byte(y), byte(dst)))
}

func (a *Assembler) SubI64(dst, x, y backend.Reg) {
	if dst != x {
		a.MovRegReg(backend.ClassGP, dst, x)
	}
	a.emit(rex(true), 0x29)
	a.emit(modrm(3, byte(y), byte(dst)))
}

func (a *Assembler) OrI64(dst, x, y backend.Reg) {
	if dst != x {
		a.MovRegReg(backend.ClassGP, dst, x)
	}
	a.emit(rex(true), 0x09)
	a.emit(modrm(3, byte(y), byte(dst)))
}

func (a *Assembler) ShlI64(dst, src backend.Reg, shift uint8) {
	if dst != src {
		a.MovRegReg(backend.ClassGP, dst, src)
	}
	a.emit(rex(true), 0xC1)
	a.emit(modrm(3, 4, byte(dst)))
	a.emit(shift)
}

func (a *Assembler) AndImm64(dst, src backend.Reg, imm uint64) {
	if imm <= 0x7FFFFFFF {
		if dst != src {
			a.MovRegReg(backend.ClassGP, dst, src)
		}
		a.emit(rex(true), 0x81)
		a.emit(modrm(3, 4, byte(dst)))
		a.emitU32(uint32(imm))
		return
	}
	// Every NaN-boxing mask this module uses (QNaNMask, PtrMask) needs
	// the full 64 bits. When dst != src, materialize it directly into
	// dst, then AND with src. When dst == src (codegen masks a spilled
	// operand that was reloaded into the same scratch it masks into),
	// materialize it into wideImmScratch instead so src is not lost.
	if dst == src {
		a.emit(rex(true), 0xB8+byte(wideImmScratch)) // movabs rax, imm
		a.emitU64(imm)
		a.emit(rex(true), 0x21) // and dst, rax
		a.emit(modrm(3, byte(wideImmScratch), byte(dst)))
		return
	}
	a.emit(rex(true), 0xB8+byte(dst)&7) // movabs dst, imm
	a.emitU64(imm)
	a.emit(rex(true), 0x21) // and dst, src
	a.emit(modrm(3, byte(src), byte(dst)))
}

func (a *Assembler) CompareF64(x, y backend.Reg) {
	a.emit(0x66, 0x0F, 0x2E) // ucomisd
	a.emit(modrm(3, byte(x), byte(y)))
}

// wideImmScratch (rax) is reserved by convention: never handed out by
// the allocator (the engine excludes register 0 from its GP pool) so
// MovImmF64, CompareImm64 and AndImm64 (when dst == src) can
// materialize a 64-bit immediate through it, and NegF64 (when dst ==
// src) can flip a sign bit in it, without clobbering a live value.
const wideImmScratch backend.Reg = 0

func (a *Assembler) CompareImm64(reg backend.Reg, imm uint64) {
	if imm <= 0x7FFFFFFF {
		a.emit(rex(true), 0x81)
		a.emit(modrm(3, 7, byte(reg)))
		a.emitU32(uint32(imm))
		return
	}
	a.emit(rex(true), 0xB8+byte(wideImmScratch))
	a.emitU64(imm)
	a.emit(rex(true), 0x39) // cmp reg, wideImmScratch
	a.emit(modrm(3, byte(wideImmScratch), byte(reg)))
}

func (a *Assembler) CompareI64(x, y backend.Reg) {
	a.emit(rex(true), 0x39)
	a.emit(modrm(3, byte(y), byte(x)))
}

func (a *Assembler) SetCond(dst backend.Reg, cond backend.Cond) {
	op := byte(0x94) // sete
	switch cond {
	case backend.CondEQ:
		op = 0x94
	case backend.CondNE:
		op = 0x95
	case backend.CondLT:
		op = 0x9C
	case backend.CondLE:
		op = 0x9E
	case backend.CondGT:
		op = 0x9F
	case backend.CondGE:
		op = 0x9D
	}
	a.emit(0x0F, op)
	a.emit(modrm(3, 0, byte(dst))) // setcc r/m8
	// movzx dst, dst_byte
	a.emit(rex(true), 0x0F, 0xB6)
	a.emit(modrm(3, byte(dst), byte(dst)))
}

func (a *Assembler) TestAndJump(reg backend.Reg, cond backend.Cond, l backend.Label) {
	a.emit(rex(true), 0x85) // test reg, reg
	a.emit(modrm(3, byte(reg), byte(reg)))
	op := byte(0x84) // je
	if cond == backend.CondNE {
		op = 0x85 // jne
	}
	a.emit(0x0F, op)
	a.addFixup(l, 4, true)
	a.emitU32(0)
}

func (a *Assembler) Jump(l backend.Label) {
	a.emit(0xE9)
	a.addFixup(l, 4, true)
	a.emitU32(0)
}

// BoxNum re-derives a NaN-boxed word from a raw double by round
// tripping it through a GP register — the encoding scheme's numbers
// are already valid IEEE-754 doubles once canonicalized (spec §3's
// vmregister.BoxNumber requirement is enforced by the recorder's
// interpreter fallback, not by codegen, since every number this trace
// ever unboxed already passed through it once).
func (a *Assembler) BoxNum(dst, src backend.Reg) {
	// movq dst(gp), src(xmm)
	a.emit(0x66, rex(true), 0x0F, 0x7E)
	a.emit(modrm(3, byte(src), byte(dst)))
}

func (a *Assembler) UnboxNum(dst, src backend.Reg) {
	// movq dst(xmm), src(gp)
	a.emit(0x66, rex(true), 0x0F, 0x6E)
	a.emit(modrm(3, byte(dst), byte(src)))
}

// ConvertNumToInt truncates toward zero, matching Go's own float64-to-
// int64 conversion semantics that the recorder's constant folding relies
// on elsewhere in this module.
func (a *Assembler) ConvertNumToInt(dst, src backend.Reg) {
	// cvttsd2si dst(gp), src(xmm)
	a.emit(0xF2, rex(true), 0x0F, 0x2C)
	a.emit(modrm(3, byte(dst), byte(src)))
}

func (a *Assembler) ConvertIntToNum(dst, src backend.Reg) {
	// cvtsi2sd dst(xmm), src(gp)
	a.emit(0xF2, rex(true), 0x0F, 0x2A)
	a.emit(modrm(3, byte(dst), byte(src)))
}

func (a *Assembler) BoxBool(dst, src backend.Reg, trueVal, falseVal uint64) {
	// test src,src ; je Lfalse ; mov dst,trueVal ; jmp Lend
	// Lfalse: mov dst,falseVal
	// Lend:
	a.emit(rex(true), 0x85)
	a.emit(modrm(3, byte(src), byte(src)))

	jePos := len(a.code)
	a.emit(0x0F, 0x84)
	a.emitU32(0)

	a.emit(rex(true), 0xB8+byte(dst)&7)
	a.emitU64(trueVal)

	jmpPos := len(a.code)
	a.emit(0xE9)
	a.emitU32(0)

	falseTarget := int32(len(a.code))
	a.emit(rex(true), 0xB8+byte(dst)&7)
	a.emitU64(falseVal)
	endTarget := int32(len(a.code))

	binary.LittleEndian.PutUint32(a.code[jePos+2:jePos+6], uint32(falseTarget-int32(jePos+6)))
	binary.LittleEndian.PutUint32(a.code[jmpPos+1:jmpPos+5], uint32(endTarget-int32(jmpPos+5)))
}

// CallSideExit ends the trace immediately with a 1-based snapshot index
// in rax (0 is reserved for "fell through the loop-back with no exit").
// resumePC is not encoded here — the Go side already has it from
// trace.CompiledTrace.Snapshots[snapshotID].ResumePC once it decodes
// which snapshot fired, so duplicating it into the instruction stream
// would just be dead data.
func (a *Assembler) CallSideExit(snapshotID int32, resumePC int32) {
	_ = resumePC
	a.emit(rex(true), 0xB8) // movabs rax, snapshotID+1
	a.emitU64(uint64(snapshotID + 1))
	a.emit(0xC3) // ret
}

// Return zeroes rax (the "no side exit, loop-back reached" code) and
// returns to the caller.
func (a *Assembler) Return() {
	a.emit(rex(true), 0x31) // xor rax, rax
	a.emit(modrm(3, 0, 0))
	a.emit(0xC3)
}

// Offset returns the current length of the emitted-so-far buffer.
func (a *Assembler) Offset() int { return len(a.code) }

func (a *Assembler) Finish() []byte {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		var patch uint32
		if f.relative {
			patch = uint32(target - (f.pos + int32(f.size)))
		} else {
			patch = uint32(target)
		}
		binary.LittleEndian.PutUint32(a.code[f.pos:f.pos+4], patch)
	}
	return a.code
}

func f64bits(f float64) uint64 {
	return math.Float64bits(f)
}
