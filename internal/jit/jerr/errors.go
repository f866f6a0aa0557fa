// Package jerr is the JIT's error taxonomy (spec §7): recording aborts
// are expected control flow and carry a reason code rather than an
// error value; compile failures and invariant violations are modeled
// as typed errors so callers can distinguish "trace not installed" from
// a bug.
package jerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// AbortReason enumerates why the recorder stopped without closing a
// trace. Not an error type: the interpreter's slow path continues
// unchanged (spec §7, "Recording aborts are expected control flow").
type AbortReason int

const (
	AbortUnsupportedOpcode AbortReason = iota
	AbortUnsupportedReceiver
	AbortCallDepthExceeded
	AbortInstructionLimitExceeded
	AbortStackUnderflow
	AbortBackwardBranchNotAnchor
	AbortReturnCrossesRoot
	AbortWideningDeclined
)

func (r AbortReason) String() string {
	switch r {
	case AbortUnsupportedOpcode:
		return "unsupported opcode"
	case AbortUnsupportedReceiver:
		return "unsupported receiver type"
	case AbortCallDepthExceeded:
		return "call depth exceeded"
	case AbortInstructionLimitExceeded:
		return "instruction limit exceeded"
	case AbortStackUnderflow:
		return "stack underflow during recording"
	case AbortBackwardBranchNotAnchor:
		return "backward branch target is not the anchor"
	case AbortReturnCrossesRoot:
		return "return crosses trace root"
	case AbortWideningDeclined:
		return "widening inliner declined"
	default:
		return "unknown abort reason"
	}
}

// Abort is returned by the recorder to signal a clean, expected stop.
type Abort struct {
	Reason AbortReason
	Detail string
}

func (a *Abort) Error() string {
	if a.Detail == "" {
		return a.Reason.String()
	}
	return fmt.Sprintf("%s: %s", a.Reason, a.Detail)
}

func NewAbort(reason AbortReason, detail string) *Abort {
	return &Abort{Reason: reason, Detail: detail}
}

// CompileStage identifies which phase of compilation failed (spec §7).
type CompileStage int

const (
	StageOptimizer CompileStage = iota
	StageRegAlloc
	StageBackend
	StageExecMemory
)

func (s CompileStage) String() string {
	switch s {
	case StageOptimizer:
		return "optimizer"
	case StageRegAlloc:
		return "register allocator"
	case StageBackend:
		return "code generation backend"
	case StageExecMemory:
		return "executable memory allocation"
	default:
		return "unknown stage"
	}
}

// CompileFailure wraps the underlying cause with the stage it occurred
// in. Policy per spec §7: abandon the trace, free partial resources,
// increment the aborted-trace counter, never install a trace.
type CompileFailure struct {
	Stage CompileStage
	cause error
}

func NewCompileFailure(stage CompileStage, cause error) *CompileFailure {
	return &CompileFailure{Stage: stage, cause: errors.WithStack(cause)}
}

func (f *CompileFailure) Error() string {
	return fmt.Sprintf("jit: compile failed at %s: %v", f.Stage, f.cause)
}

func (f *CompileFailure) Unwrap() error { return f.cause }

// Cause returns the deepest wrapped error (github.com/pkg/errors style),
// useful for tests that want to assert on the root cause rather than the
// stage wrapper.
func Cause(err error) error { return errors.Cause(err) }

// InvariantViolation marks a bug (SSA id out of range, snapshot entry
// out of range, register pool underflow, ...). Debug builds should
// panic on these; release builds treat them like a CompileFailure
// (spec §7).
type InvariantViolation struct {
	What string
}

func (v *InvariantViolation) Error() string {
	return "jit: invariant violation: " + v.What
}

func NewInvariantViolation(what string) *InvariantViolation {
	return &InvariantViolation{What: what}
}
