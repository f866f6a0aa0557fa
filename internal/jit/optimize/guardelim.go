package optimize

import "tracejit/internal/jit/ir"

// eliminateRedundantGuards drops a guard when an earlier guard of the
// same kind already proved the same fact about the same SSA id (spec
// §4.2, §9: "Bitsets over id arrays... reset once per pass rather than
// rebuilt per guard kind"). One bitset per guard kind, all reset when
// the walk reaches the loop header, so a guard before the header never
// makes one after it redundant; class guards are only matched against
// earlier class guards from the header on, for the same reason.
func eliminateRedundantGuards(b *ir.Buffer) {
	var seen [ir.NumGuardKinds]ir.Bitset
	for k := range seen {
		seen[k] = ir.NewBitset(len(b.Nodes))
	}

	start := 0
	for i := range b.Nodes {
		id := ir.ID(i)
		if id == b.LoopHeader {
			for k := range seen {
				seen[k].Reset()
			}
			start = i
		}
		n := b.Get(id)
		if n.Dead() || !n.Op.IsGuard() {
			continue
		}
		kind, ok := n.Op.GuardKind()
		if !ok {
			continue
		}
		if kind == ir.GuardKindClass {
			// Distinguish by (operand, class pointer): two guard_class
			// nodes on the same id but different classes are not
			// redundant with each other.
			if seenClassGuard(b, n.Op0, uintptr(n.Imm.Ptr), start, i) {
				b.Kill(id)
			}
			continue
		}
		if seen[kind].Has(n.Op0) {
			b.Kill(id)
			continue
		}
		seen[kind].Set(n.Op0)
	}
}

// seenClassGuard scans nodes in [from, upto) for an earlier live
// guard_class on the same operand and class pointer.
func seenClassGuard(b *ir.Buffer, operand ir.ID, class uintptr, from, upto int) bool {
	for i := from; i < upto; i++ {
		n := &b.Nodes[i]
		if n.Dead() || n.Op != ir.OpGuardClass {
			continue
		}
		if n.Op0 == operand && uintptr(n.Imm.Ptr) == class {
			return true
		}
	}
	return false
}
