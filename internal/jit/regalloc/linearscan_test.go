package regalloc

import (
	"testing"

	"tracejit/internal/jit/ir"
)

func numNode(op0, op1 ir.ID) ir.Node {
	return ir.Node{Op: ir.OpAdd, Type: ir.TNum, Op0: op0, Op1: op1}
}

func constNode() ir.Node {
	return ir.Node{Op: ir.OpConstNum, Type: ir.TNum, Op0: ir.NoID, Op1: ir.NoID}
}

func TestComputeLiveRangesExtendsToLastUse(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	a := buf.Emit(constNode())         // 0
	b := buf.Emit(constNode())         // 1
	sum := buf.Emit(numNode(a, b))     // 2, uses a and b
	_ = buf.Emit(numNode(sum, sum))    // 3, last use of sum

	ranges := ComputeLiveRanges(buf)
	byID := map[ir.ID]ir.LiveRange{}
	for _, r := range ranges {
		byID[r.ID] = r
	}

	if got := byID[a].End; got != int(sum) {
		t.Fatalf("a.End = %d, want %d (its use in sum)", got, sum)
	}
	if got := byID[sum].End; got != 3 {
		t.Fatalf("sum.End = %d, want 3 (its last use)", got)
	}
	if byID[sum].Class != ir.ClassFP {
		t.Fatalf("sum.Class = %v, want ClassFP for TNum", byID[sum].Class)
	}
}

func TestComputeLiveRangesSkipsVoidAndStores(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	v := buf.Emit(constNode())
	buf.Emit(ir.Node{Op: ir.OpStoreStack, Type: ir.TVoid, Op0: v, Op1: ir.NoID})
	buf.Emit(ir.Node{Op: ir.OpLoopHeader, Type: ir.TVoid, Op0: ir.NoID, Op1: ir.NoID})

	ranges := ComputeLiveRanges(buf)
	for _, r := range ranges {
		if r.ID != v {
			t.Fatalf("unexpected range for void-typed node %d", r.ID)
		}
	}
	if len(ranges) != 1 {
		t.Fatalf("got %d ranges, want 1 (only the value-producing const)", len(ranges))
	}
}

func TestComputeLiveRangesSnapshotExtendsToLastExit(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	v := buf.Emit(constNode())
	_ = buf.Emit(constNode())

	id := buf.AddSnapshot(10, 1, []ir.SnapshotEntry{{Slot: 0, Val: v}})
	buf.Snapshots[id].LastExit = 5

	ranges := ComputeLiveRanges(buf)
	for _, r := range ranges {
		if r.ID == v && r.End != 5 {
			t.Fatalf("snapshot-referenced value End = %d, want 5 (LastExit)", r.End)
		}
	}
}

func TestAllocateSpillsSnapshotReferencedValues(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	v := buf.Emit(numNode(ir.NoID, ir.NoID))
	buf.AddSnapshot(0, 0, []ir.SnapshotEntry{{Slot: 0, Val: v}})

	ranges := []ir.LiveRange{{ID: v, Start: 0, End: 5, Class: ir.ClassFP}}
	res := Allocate(buf, ranges, Pool{GP: 4, FP: 4})

	if res.Ranges[0].Alloc.Kind != ir.AllocSpill {
		t.Fatalf("snapshot-referenced value got %v, want AllocSpill even though registers are free", res.Ranges[0].Alloc.Kind)
	}
	if res.SpillSlots != 1 {
		t.Fatalf("SpillSlots = %d, want 1", res.SpillSlots)
	}
}

func TestAllocateAssignsRegistersWhenAvailable(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	ranges := []ir.LiveRange{
		{ID: 0, Start: 0, End: 2, Class: ir.ClassGP},
		{ID: 1, Start: 1, End: 3, Class: ir.ClassGP},
	}
	res := Allocate(buf, ranges, Pool{GP: 2, FP: 2})

	for _, r := range res.Ranges {
		if r.Alloc.Kind != ir.AllocReg {
			t.Fatalf("id %d got %v, want AllocReg (pool has room for both)", r.ID, r.Alloc.Kind)
		}
	}
	if res.SpillSlots != 0 {
		t.Fatalf("SpillSlots = %d, want 0", res.SpillSlots)
	}
}

func TestAllocateSpillsOnPoolExhaustion(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	// Three overlapping GP ranges, one physical register: two must spill.
	ranges := []ir.LiveRange{
		{ID: 0, Start: 0, End: 10, Class: ir.ClassGP},
		{ID: 1, Start: 1, End: 9, Class: ir.ClassGP},
		{ID: 2, Start: 2, End: 8, Class: ir.ClassGP},
	}
	res := Allocate(buf, ranges, Pool{GP: 1, FP: 1})

	regCount, spillCount := 0, 0
	for _, r := range res.Ranges {
		switch r.Alloc.Kind {
		case ir.AllocReg:
			regCount++
		case ir.AllocSpill:
			spillCount++
		}
	}
	if regCount != 1 {
		t.Fatalf("regCount = %d, want 1 (single-register pool)", regCount)
	}
	if spillCount != 2 {
		t.Fatalf("spillCount = %d, want 2", spillCount)
	}
	if res.SpillSlots != 2 {
		t.Fatalf("SpillSlots = %d, want 2", res.SpillSlots)
	}
}

func TestAllocateCoalescesPhiOperands(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	entry := buf.Emit(constNode())              // 0: preheader value
	back := buf.Emit(numNode(entry, entry))     // 1: back-edge value
	phi := buf.Emit(ir.Node{Op: ir.OpPhi, Type: ir.TNum, Op0: entry, Op1: back})

	ranges := []ir.LiveRange{
		{ID: entry, Start: 0, End: 1, Class: ir.ClassFP},
		{ID: back, Start: 1, End: 2, Class: ir.ClassFP},
		{ID: phi, Start: 2, End: 3, Class: ir.ClassFP},
	}
	res := Allocate(buf, ranges, Pool{GP: 4, FP: 4})

	byID := map[ir.ID]ir.LiveRange{}
	for _, r := range res.Ranges {
		byID[r.ID] = r
	}
	if byID[back].Alloc != byID[entry].Alloc {
		t.Fatalf("back-edge operand alloc %v != entry operand alloc %v", byID[back].Alloc, byID[entry].Alloc)
	}
	if byID[phi].Alloc != byID[entry].Alloc {
		t.Fatalf("phi alloc %v != entry operand alloc %v", byID[phi].Alloc, byID[entry].Alloc)
	}
}

func TestAllocateNeverHandsOutGPRegisterZero(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	ranges := []ir.LiveRange{
		{ID: 0, Start: 0, End: 5, Class: ir.ClassGP},
		{ID: 1, Start: 0, End: 5, Class: ir.ClassGP},
	}
	res := Allocate(buf, ranges, Pool{GP: 2, FP: 2})

	for _, r := range res.Ranges {
		if r.Alloc.Kind == ir.AllocReg && r.Alloc.Class == ir.ClassGP && r.Alloc.Index == 0 {
			t.Fatalf("id %d was assigned GP register 0, which the amd64 backend reserves as its wide-immediate scratch", r.ID)
		}
	}
}

func TestSequenceOffsetsGPButNotFP(t *testing.T) {
	gp := sequence(ir.ClassGP, 3)
	for _, r := range gp {
		if r == 0 {
			t.Fatalf("sequence(ClassGP, 3) = %v, must never include register 0", gp)
		}
	}
	fp := sequence(ir.ClassFP, 3)
	found := false
	for _, r := range fp {
		if r == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("sequence(ClassFP, 3) = %v, want register 0 included (FP has no such reservation)", fp)
	}
}

func TestAllocateCoalescePhiIgnoresDeadPhi(t *testing.T) {
	buf := ir.NewBuffer(16, 4, 4)
	entry := buf.Emit(constNode())
	back := buf.Emit(numNode(entry, entry))
	buf.Emit(ir.Node{Op: ir.OpPhi, Type: ir.TNum, Op0: entry, Op1: back})
	buf.Kill(2)

	ranges := []ir.LiveRange{
		{ID: entry, Start: 0, End: 1, Class: ir.ClassFP},
		{ID: back, Start: 1, End: 2, Class: ir.ClassFP},
	}
	// Must not panic when the phi itself has no live range.
	Allocate(buf, ranges, Pool{GP: 4, FP: 4})
}
