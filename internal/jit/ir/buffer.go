package ir

// SnapshotEntry maps one interpreter stack slot to the SSA id whose
// current value repopulates it on deoptimization (spec §3).
type SnapshotEntry struct {
	Slot int32
	Val  ID
}

// Snapshot captures where and how deep the interpreter must resume if a
// guard fails (spec §3). Entries is a (start, length) window into the
// Buffer's shared entry pool rather than an owned slice, so passes can
// share entries between snapshots that observe the same live state
// without copying.
type Snapshot struct {
	ResumePC   int32
	StackDepth int32
	Start      int32
	Length     int32

	// LastExit is the highest side-exit index that consumes this
	// snapshot, used to extend referenced SSA ids' live ranges to their
	// true last use rather than "any exit" (spec §9, open question a).
	LastExit int32
}

// Buffer is the recorder's output and the optimizer/allocator/codegen's
// shared working set: a dense node array, one loop-header index, at
// most one loop-back index, and the snapshot machinery.
type Buffer struct {
	Nodes []Node

	LoopHeader ID
	LoopBack   ID

	Snapshots     []Snapshot
	SnapshotPool  []SnapshotEntry

	MaxNodes            int
	MaxSnapshots        int
	MaxEntriesPerSnap   int
}

func NewBuffer(maxNodes, maxSnapshots, maxEntriesPerSnapshot int) *Buffer {
	return &Buffer{
		Nodes:             make([]Node, 0, maxNodes),
		LoopHeader:        NoID,
		LoopBack:          NoID,
		MaxNodes:          maxNodes,
		MaxSnapshots:      maxSnapshots,
		MaxEntriesPerSnap: maxEntriesPerSnapshot,
	}
}

// Emit appends a node and returns its SSA id, or NoID if the buffer is
// full (the recorder must abort the trace in that case).
func (b *Buffer) Emit(n Node) ID {
	if len(b.Nodes) >= b.MaxNodes {
		return NoID
	}
	id := ID(len(b.Nodes))
	b.Nodes = append(b.Nodes, n)
	return id
}

func (b *Buffer) Get(id ID) *Node { return &b.Nodes[id] }

func (b *Buffer) Len() int { return len(b.Nodes) }

// Full reports whether the buffer has reached its node cap.
func (b *Buffer) Full() bool { return len(b.Nodes) >= b.MaxNodes }

// AddSnapshot records a new snapshot with the given entries, returning
// its id, or -1 if either cap is exceeded.
func (b *Buffer) AddSnapshot(resumePC, stackDepth int32, entries []SnapshotEntry) int32 {
	if len(b.Snapshots) >= b.MaxSnapshots || len(entries) > b.MaxEntriesPerSnap {
		return -1
	}
	start := int32(len(b.SnapshotPool))
	b.SnapshotPool = append(b.SnapshotPool, entries...)
	id := int32(len(b.Snapshots))
	b.Snapshots = append(b.Snapshots, Snapshot{
		ResumePC:   resumePC,
		StackDepth: stackDepth,
		Start:      start,
		Length:     int32(len(entries)),
	})
	return id
}

// SnapshotEntries returns the entries belonging to snapshot id.
func (b *Buffer) SnapshotEntries(id int32) []SnapshotEntry {
	s := b.Snapshots[id]
	return b.SnapshotPool[s.Start : s.Start+s.Length]
}

// ReplaceUse rewrites every use of from to to, across both the node
// array and the snapshot-entry pool (spec §4.2's "helper replaces every
// use of one SSA id with another").
func (b *Buffer) ReplaceUse(from, to ID) {
	for i := range b.Nodes {
		n := &b.Nodes[i]
		if n.Op0 == from {
			n.Op0 = to
		}
		if n.Op1 == from {
			n.Op1 = to
		}
	}
	for i := range b.SnapshotPool {
		if b.SnapshotPool[i].Val == from {
			b.SnapshotPool[i].Val = to
		}
	}
}

// Kill rewrites a node to a no-op and marks it dead (spec §4.2's "helper
// kills a node by rewriting it to a no-op and setting the dead flag").
func (b *Buffer) Kill(id ID) {
	n := &b.Nodes[id]
	n.Op = OpNop
	n.Type = TVoid
	n.Op0 = NoID
	n.Op1 = NoID
	n.SetDead()
}

// UseCount counts references to id across nodes and snapshot entries.
func (b *Buffer) UseCount(id ID) int {
	count := 0
	for i := range b.Nodes {
		n := &b.Nodes[i]
		if n.Dead() {
			continue
		}
		if n.Op0 == id {
			count++
		}
		if n.Op1 == id {
			count++
		}
	}
	for i := range b.SnapshotPool {
		if b.SnapshotPool[i].Val == id {
			count++
		}
	}
	return count
}

// NoteExit records that the guard at exitID uses snapshotID, extending
// the snapshot's LastExit if this is the highest-indexed exit seen so
// far (spec §9, open question a: a snapshot's referenced ids must stay
// live through the LAST side-exit that can consume it, not just the
// first).
func (b *Buffer) NoteExit(snapshotID int32, exitID ID) {
	if snapshotID < 0 || int(snapshotID) >= len(b.Snapshots) {
		return
	}
	if int32(exitID) > b.Snapshots[snapshotID].LastExit {
		b.Snapshots[snapshotID].LastExit = int32(exitID)
	}
}

// UsedInSnapshot reports whether id is referenced by any snapshot entry.
func (b *Buffer) UsedInSnapshot(id ID) bool {
	for i := range b.SnapshotPool {
		if b.SnapshotPool[i].Val == id {
			return true
		}
	}
	return false
}
