package optimize

import "tracejit/internal/jit/ir"

// analyzeEscapes is spec §4.2 pass 10's two halves. Part (a) marks a
// heap-constructing node (call_c) that never escapes the trace — every
// use is a field load/store or a guard, and no snapshot captures it, so
// no side exit can ever expose it to the interpreter as a real object.
// Object allocation is not reachable from the current recorder (no
// bytecode in this VM's subset constructs a new instance mid-trace), so
// this half is a no-op until that bytecode exists; kept in the pipeline
// because spec §3's op set already reserves call_c for it. Part (b),
// forwardFieldLoads, has no such gap: OpLoadField/OpStoreField are both
// emitted by the recorder today (recorder.go's OpGetField/OpSetField
// cases), so store-load forwarding fires on every trace that touches an
// object field more than once.
func analyzeEscapes(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpCallC {
			continue
		}
		if b.UsedInSnapshot(id) {
			continue
		}
		if allUsesAreFieldAccess(b, id) {
			n.SetHoisted() // no dedicated escape flag; Hoisted is otherwise unused on call_c nodes, and codegen never reaches this branch today.
		}
	}
	forwardFieldLoads(b)
}

// forwardFieldLoads replaces a load_field with the value a preceding
// store_field to the same (object, field) already holds, once nothing
// between them could have changed it.
func forwardFieldLoads(b *ir.Buffer) {
	for i := range b.Nodes {
		id := ir.ID(i)
		n := b.Get(id)
		if n.Dead() || n.Op != ir.OpLoadField {
			continue
		}
		if v, ok := nearestStoredValue(b, id, n.Op0, n.Imm.SlotField.Field); ok {
			collapseToOperand(b, id, v)
		}
	}
}

// nearestStoredValue scans backward from just before id for the closest
// store_field writing the same (object, field) pair. It gives up at the
// first call_c (which might mutate the object through an alias this
// pass can't see) and at any other write to the same object, even to a
// different field, since two stores through the same live pointer
// aren't provably to disjoint memory without a field-disjointness proof
// this pass doesn't attempt.
func nearestStoredValue(b *ir.Buffer, before, obj ir.ID, field int32) (ir.ID, bool) {
	for i := int(before) - 1; i >= 0; i-- {
		n := b.Get(ir.ID(i))
		if n.Dead() {
			continue
		}
		if n.Op == ir.OpCallC {
			return ir.NoID, false
		}
		if n.Op == ir.OpStoreField && n.Op0 == obj {
			if n.Imm.SlotField.Field == field {
				return n.Op1, true
			}
			return ir.NoID, false
		}
	}
	return ir.NoID, false
}

func allUsesAreFieldAccess(b *ir.Buffer, id ir.ID) bool {
	found := false
	for i := range b.Nodes {
		n := &b.Nodes[i]
		if n.Dead() {
			continue
		}
		if n.Op0 == id || n.Op1 == id {
			found = true
			switch n.Op {
			case ir.OpLoadField, ir.OpStoreField, ir.OpGuardClass, ir.OpGuardNotNull:
			default:
				return false
			}
		}
	}
	return found
}
