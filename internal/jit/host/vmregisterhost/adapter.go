// Package vmregisterhost adapts internal/vmregister to the host.Host
// interface (spec §6). This is the only package allowed to import both
// internal/jit/host and internal/vmregister.
package vmregisterhost

import (
	"unsafe"

	"tracejit/internal/jit/host"
	"tracejit/internal/vmregister"
)

type Adapter struct {
	Symbols *vmregister.SymbolTable
}

func New(symbols *vmregister.SymbolTable) *Adapter {
	return &Adapter{Symbols: symbols}
}

func toVM(v host.Value) vmregister.Value { return vmregister.Value(v) }

func (a *Adapter) IsNumber(v host.Value) bool    { return vmregister.IsNumber(toVM(v)) }
func (a *Adapter) NumberOf(v host.Value) float64 { return vmregister.AsNumber(toVM(v)) }
func (a *Adapter) IsTruthy(v host.Value) bool    { return vmregister.IsTruthy(toVM(v)) }

func (a *Adapter) ClassOf(v host.Value) host.ClassPtr {
	cls := vmregister.ClassOf(toVM(v))
	if cls == nil {
		return 0
	}
	return host.ClassPtr(uintptr(unsafe.Pointer(cls)))
}

func (a *Adapter) RangeClass() host.ClassPtr {
	return host.ClassPtr(uintptr(unsafe.Pointer(vmregister.RangeClass)))
}

func (a *Adapter) RangeInfo(v host.Value) (from, to float64, inclusive bool) {
	r := vmregister.AsRange(toVM(v))
	return r.From, r.To, r.IsInclusive
}

func (a *Adapter) SymbolName(id uint16) string { return a.Symbols.Name(id) }

func (a *Adapter) HeaderSize() int  { return vmregister.HeaderSize }
func (a *Adapter) ClassOffset() int { return vmregister.ClassOffset }

func (a *Adapter) QNaNMask() uint64        { return vmregister.QNAN_MASK }
func (a *Adapter) PtrMask() uint64         { return vmregister.PTR_MASK }
func (a *Adapter) TrueValue() host.Value   { return host.Value(vmregister.TAG_TRUE) }
func (a *Adapter) FalseValue() host.Value  { return host.Value(vmregister.TAG_FALSE) }
func (a *Adapter) NullValue() host.Value   { return host.Value(vmregister.TAG_NIL) }

// FiberFrame adapts a running vmregister.Fiber to host.Frame so the
// recorder can peek concrete stack values for guard biasing without
// importing vmregister directly.
type FiberFrame struct {
	Fiber *vmregister.Fiber
}

func (f FiberFrame) Peek(depth int) host.Value {
	return host.Value(f.Fiber.Stack[f.Fiber.StackTop-1-depth])
}

func (f FiberFrame) SlotValue(slot int32) host.Value {
	return host.Value(f.Fiber.Stack[slot])
}

func (f FiberFrame) StackDepth() int32 {
	return int32(f.Fiber.StackTop)
}
