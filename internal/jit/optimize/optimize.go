// Package optimize runs the fixed pipeline of IR-to-IR passes over a
// recorded trace before register allocation (spec §4.2). Every pass
// operates in place on an *ir.Buffer, using Kill/ReplaceUse to retire
// nodes rather than resizing the buffer, matching the "no more than a
// handful of linear sweeps" style of
// original_source/src/jit/wren_jit_opt_*.c.
package optimize

import "tracejit/internal/jit/ir"

// Run executes the full 14-pass pipeline in the fixed order spec §4.2
// specifies. Each pass is idempotent and safe to run on an
// already-optimized buffer, which the two DCE sweeps and the two
// proof-based guard elimination phases rely on.
func Run(b *ir.Buffer) {
	promoteLoopVariables(b)
	eliminateBoxUnboxRoundTrips(b)
	eliminateRedundantGuards(b)
	foldConstants(b)
	globalValueNumber(b)
	hoistInvariants(b)
	hoistGuards(b)
	reduceStrength(b)
	dedupBoundsChecks(b)
	analyzeEscapes(b)
	eliminateDeadCode(b)
	eliminateGuardsByProofA(b)
	eliminateGuardsByProofB(b)
	inferIntegerInductionVariables(b)
	eliminateDeadCode(b)
}
