// Package regalloc computes SSA value live ranges over a trace IR
// buffer and assigns them to physical registers or spill slots with a
// linear-scan allocator (spec §4.3). Grounded on
// original_source/src/jit/wren_jit_regalloc.c's single forward pass to
// build ranges followed by one active-set sweep to assign them, and on
// the two-class (general purpose / floating point) split spec §4.3
// requires.
package regalloc

import "tracejit/internal/jit/ir"

// ComputeLiveRanges walks the buffer once to find each live SSA value's
// def index and last use index. A value's range is extended to its
// defining node's index at minimum (a value with zero uses still needs
// a slot until DCE would have removed it — regalloc runs after DCE, so
// this only matters for values kept alive solely by a snapshot).
// Snapshot-only uses extend a value's End to the LAST side exit that can
// consume it (spec §9, open question a), using Snapshot.LastExit rather
// than the snapshot's own definition point.
func ComputeLiveRanges(b *ir.Buffer) []ir.LiveRange {
	ends := make([]int, len(b.Nodes))
	for i := range ends {
		ends[i] = i
	}

	for i := range b.Nodes {
		n := &b.Nodes[i]
		if n.Dead() {
			continue
		}
		extend(ends, n.Op0, i)
		extend(ends, n.Op1, i)
	}

	for sid, snap := range b.Snapshots {
		exitAt := int(snap.LastExit)
		for _, e := range b.SnapshotEntries(int32(sid)) {
			extend(ends, e.Val, exitAt)
		}
	}

	var ranges []ir.LiveRange
	for i := range b.Nodes {
		n := &b.Nodes[i]
		if n.Dead() || n.Op == ir.OpNop {
			continue
		}
		if !hasResult(n) {
			continue
		}
		ranges = append(ranges, ir.LiveRange{
			ID:    ir.ID(i),
			Start: i,
			End:   ends[i],
			Class: classFor(n.Type),
		})
	}
	return ranges
}

func extend(ends []int, id ir.ID, at int) {
	if id == ir.NoID {
		return
	}
	if at > ends[id] {
		ends[id] = at
	}
}

// hasResult reports whether a node produces an SSA value worth
// allocating a location for. Void-typed control/guard/store nodes don't
// (guards test a condition but don't themselves produce one; loop
// markers and stores are pure side effects).
func hasResult(n *ir.Node) bool {
	if n.Type == ir.TVoid {
		return false
	}
	switch n.Op {
	case ir.OpLoopHeader, ir.OpLoopBack, ir.OpStoreStack, ir.OpStoreField, ir.OpStoreGlobal:
		return false
	}
	return true
}

func classFor(t ir.Type) ir.RegClass {
	if t == ir.TNum {
		return ir.ClassFP
	}
	return ir.ClassGP
}
