package ir

import "fmt"

// Validate checks the invariants spec §3/§8 require of any IR buffer
// produced by the recorder or mutated by the optimizer. Intended for
// debug builds and tests (spec §7: invariant violations "fail fast in
// debug builds"); grounded on original_source/test/test_ir.c, which
// exercises the same checks as free-standing assertions.
func (b *Buffer) Validate() error {
	sawHeader := false
	sawBack := false

	for i := range b.Nodes {
		n := &b.Nodes[i]
		id := ID(i)
		if n.Dead() {
			continue
		}

		switch n.Op {
		case OpLoopHeader:
			if sawHeader {
				return fmt.Errorf("ir: more than one loop-header node")
			}
			sawHeader = true
		case OpLoopBack:
			if sawBack {
				return fmt.Errorf("ir: more than one loop-back node")
			}
			sawBack = true
		}

		if err := b.validateOperand(id, n.Op0, n.Op == OpPhi, 0); err != nil {
			return err
		}
		if err := b.validateOperand(id, n.Op1, n.Op == OpPhi, 1); err != nil {
			return err
		}
	}

	for sid := range b.Snapshots {
		for _, e := range b.SnapshotEntries(int32(sid)) {
			if int(e.Val) < 0 || int(e.Val) >= len(b.Nodes) {
				return fmt.Errorf("ir: snapshot %d entry references out-of-range id %d", sid, e.Val)
			}
			if b.Nodes[e.Val].Dead() {
				return fmt.Errorf("ir: snapshot %d entry references dead id %d", sid, e.Val)
			}
		}
	}

	return nil
}

// validateOperand enforces "operand ids strictly less than the node's
// own id", relaxed for a PHI's second (back-edge) operand which may be
// defined after the loop header (spec §3, §9).
func (b *Buffer) validateOperand(id, operand ID, isPhi bool, operandIndex int) error {
	if operand == NoID {
		return nil
	}
	if int(operand) < 0 || int(operand) >= len(b.Nodes) {
		return fmt.Errorf("ir: node %d references out-of-range operand %d", id, operand)
	}
	if isPhi && operandIndex == 1 {
		return nil // back-edge operand: defined between header and loop-back
	}
	if operand >= id {
		return fmt.Errorf("ir: node %d references operand %d (not < own id)", id, operand)
	}
	return nil
}
