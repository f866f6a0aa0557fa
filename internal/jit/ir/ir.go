// Package ir is the trace IR data model (spec §3): a fixed-capacity
// buffer of SSA nodes, a parallel snapshot table, and the bitset/id
// bookkeeping the optimizer and register allocator share.
//
// Grounded on original_source/src/jit/wren_jit_ir.h (fixed-size node
// record, buffer capped at a compile-time maximum) and
// wren_jit_snapshot.h (snapshot as a (resumePC, stackDepth, entry-range)
// triple into a shared entry pool).
package ir

// ID is an SSA value id: its node's index in the Buffer. NoID marks an
// absent operand.
type ID int32

const NoID ID = -1

// Opcode enumerates every IR node kind the recorder can emit and the
// optimizer/codegen can consume.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpLoopHeader
	OpLoopBack

	OpLoadStack
	OpStoreStack
	OpLoadField
	OpStoreField
	OpLoadGlobal
	OpStoreGlobal

	OpConstNum
	OpConstInt
	OpConstBool
	OpConstNull
	OpConstPtr

	OpBoxNum
	OpUnboxNum
	OpBoxInt
	OpUnboxInt
	OpBoxObj
	OpUnboxObj
	OpBoxBool

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpBitNot
	OpBitAnd
	OpShl

	OpLt
	OpGt
	OpLte
	OpGte
	OpEq
	OpNeq

	OpPhi

	OpGuardNum
	OpGuardClass
	OpGuardTrue
	OpGuardFalse
	OpGuardNotNull

	OpCallC // constructs a fixed-arity heap object from its <=2 operands
)

var opNames = [...]string{
	OpNop: "nop", OpLoopHeader: "loop_header", OpLoopBack: "loop_back",
	OpLoadStack: "load_stack", OpStoreStack: "store_stack",
	OpLoadField: "load_field", OpStoreField: "store_field",
	OpLoadGlobal: "load_global", OpStoreGlobal: "store_global",
	OpConstNum: "const_num", OpConstInt: "const_int",
	OpConstBool: "const_bool", OpConstNull: "const_null", OpConstPtr: "const_ptr",
	OpBoxNum: "box_num", OpUnboxNum: "unbox_num",
	OpBoxInt: "box_int", OpUnboxInt: "unbox_int",
	OpBoxObj: "box_obj", OpUnboxObj: "unbox_obj", OpBoxBool: "box_bool",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpMod: "mod",
	OpNeg: "neg", OpBitNot: "bitnot", OpBitAnd: "bitand", OpShl: "shl",
	OpLt: "lt", OpGt: "gt", OpLte: "lte", OpGte: "gte", OpEq: "eq", OpNeq: "neq",
	OpPhi: "phi",
	OpGuardNum: "guard_num", OpGuardClass: "guard_class",
	OpGuardTrue: "guard_true", OpGuardFalse: "guard_false", OpGuardNotNull: "guard_not_null",
	OpCallC: "call_c",
}

func (op Opcode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "unknown"
}

// IsGuard reports whether op is one of the guard-* kinds.
func (op Opcode) IsGuard() bool {
	switch op {
	case OpGuardNum, OpGuardClass, OpGuardTrue, OpGuardFalse, OpGuardNotNull:
		return true
	}
	return false
}

// GuardKind indexes the fixed-size per-kind bitsets used by redundant
// guard elimination (spec §4.2 passes 3 and 12). Kept separate from
// Opcode so callers don't need a sparse map.
type GuardKind uint8

const (
	GuardKindNum GuardKind = iota
	GuardKindClass
	GuardKindTrue
	GuardKindFalse
	GuardKindNotNull
	NumGuardKinds
)

func (op Opcode) GuardKind() (GuardKind, bool) {
	switch op {
	case OpGuardNum:
		return GuardKindNum, true
	case OpGuardClass:
		return GuardKindClass, true
	case OpGuardTrue:
		return GuardKindTrue, true
	case OpGuardFalse:
		return GuardKindFalse, true
	case OpGuardNotNull:
		return GuardKindNotNull, true
	}
	return 0, false
}

// HasSideEffect reports whether op must retain program order relative to
// other side-effecting nodes (spec §5's ordering guarantee) and must
// never be hoisted or GVN'd away.
func (op Opcode) HasSideEffect() bool {
	switch op {
	case OpStoreStack, OpStoreField, OpStoreGlobal, OpCallC,
		OpLoopHeader, OpLoopBack:
		return true
	}
	return op.IsGuard()
}

// Type is an IR value's result type (spec §3).
type Type uint8

const (
	TVoid Type = iota
	TNum       // unboxed double
	TBool      // raw (unboxed) bool
	TValue     // boxed NaN-tagged word
	TPtr       // raw object pointer
	TInt       // unboxed 64-bit integer
)

func (t Type) String() string {
	switch t {
	case TVoid:
		return "void"
	case TNum:
		return "num"
	case TBool:
		return "bool"
	case TValue:
		return "value"
	case TPtr:
		return "ptr"
	case TInt:
		return "int"
	}
	return "?"
}

// SlotField packs the (slot, field) immediate variant spec §3 lists for
// nodes that need two small integers instead of one 64-bit payload.
type SlotField struct {
	Slot  int32
	Field int32
}

// Imm is the tagged immediate payload. Only one field is meaningful per
// node, selected by its opcode.
type Imm struct {
	Num        float64
	Int        int64
	Bool       bool
	Ptr        uintptr
	SnapshotID int32
	SlotField  SlotField
}

// Flags is the per-node bitfield (spec §3).
type Flags uint8

const (
	FlagDead Flags = 1 << iota
	FlagInvariant
	FlagHoisted
	FlagGuard
	// FlagIV marks a phi proven to be an integer induction variable by
	// the optimizer's IV-inference pass (spec §9, open question b):
	// its loop-back operand is a constant-step add chain rooted at its
	// own entry operand. Restricted to this narrow shape rather than
	// general strength reduction over arbitrary loop-carried values.
	FlagIV
)

// Node is a single fixed-size IR record. Its SSA id is implicit: the
// node's index in the owning Buffer.
type Node struct {
	Op    Opcode
	Type  Type
	Op0   ID
	Op1   ID
	Imm   Imm
	Flags Flags
}

func (n *Node) Dead() bool      { return n.Flags&FlagDead != 0 }
func (n *Node) Invariant() bool { return n.Flags&FlagInvariant != 0 }
func (n *Node) Hoisted() bool   { return n.Flags&FlagHoisted != 0 }

func (n *Node) SetDead()      { n.Flags |= FlagDead }
func (n *Node) SetInvariant() { n.Flags |= FlagInvariant }
func (n *Node) SetHoisted()   { n.Flags |= FlagHoisted }

func (n *Node) IV() bool    { return n.Flags&FlagIV != 0 }
func (n *Node) SetIV()      { n.Flags |= FlagIV }

// Operands returns the node's non-NONE operand ids, in order.
func (n *Node) Operands() []ID {
	var out []ID
	if n.Op0 != NoID {
		out = append(out, n.Op0)
	}
	if n.Op1 != NoID {
		out = append(out, n.Op1)
	}
	return out
}
