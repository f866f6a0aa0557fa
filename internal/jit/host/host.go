// Package host declares the external interfaces the JIT core requires
// from the host VM (spec §6, "To the host VM — inputs"). The core never
// imports the VM package directly; it programs against this boundary so
// the recorder, optimizer, and codegen stay agnostic to any particular
// interpreter implementation.
package host

// Value is the host's opaque 64-bit NaN-boxed word. The core treats it
// abstractly except where §6 grants concrete access (numeric payload,
// boolean/null sentinels, object-pointer bits, header layout).
type Value uint64

// ClassPtr is an opaque class identity used only for pointer equality in
// guard-class checks.
type ClassPtr uintptr

// Host is everything the recorder and code generator need from the
// interpreter, its value encoding, and its object model.
type Host interface {
	// IsNumber reports whether v decodes as a double (spec §6:
	// "(value & qnan) != qnan").
	IsNumber(v Value) bool
	NumberOf(v Value) float64

	IsTruthy(v Value) bool

	// ClassOf returns the class pointer stored in v's object header, or
	// 0 if v is not an object.
	ClassOf(v Value) ClassPtr
	RangeClass() ClassPtr

	// RangeInfo extracts a range object's from/to/inclusive fields
	// (spec §4.1.1). Only valid when ClassOf(v) == RangeClass().
	RangeInfo(v Value) (from, to float64, inclusive bool)

	// SymbolName resolves a method-symbol id to its spelling (spec §6's
	// method-symbol table).
	SymbolName(id uint16) string

	// HeaderSize and ClassOffset describe the object-header layout
	// (spec §6): field i lives at header+i*8 from the object pointer,
	// and the class pointer lives at ClassOffset within the header.
	HeaderSize() int
	ClassOffset() int

	// Encoding constants codegen needs to reproduce the NaN-boxing
	// scheme without reaching into the VM package (spec §3, §4.4).
	QNaNMask() uint64
	PtrMask() uint64
	TrueValue() Value
	FalseValue() Value
	NullValue() Value
}

// Frame is a read-only view onto the interpreter's current call frame,
// used by the recorder to observe concrete runtime values for guard
// biasing (spec §4.1: "the recorder observes both the opcode and
// concrete runtime values").
type Frame interface {
	// Peek returns the value `depth` slots below the current logical
	// stack top (0 = top of stack).
	Peek(depth int) Value
	// SlotValue returns the current value stored at an interpreter
	// stack slot (a local variable's storage location).
	SlotValue(slot int32) Value
	// StackDepth is the current logical stack top, used to size
	// snapshots (spec §3).
	StackDepth() int32
}
