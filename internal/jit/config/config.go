// Package config holds the enumerated JIT tunables from spec §6, turned
// into an overridable struct instead of the teacher's baked-in named
// constants (TIER1_THRESHOLD, HOT_LOOP_THRESHOLD, ...).
package config

// Config enumerates every tunable spec §6 names.
type Config struct {
	// HotThreshold is the number of backward-branch taken counts at an
	// anchor PC before recording begins.
	HotThreshold uint32

	// Enabled is the master switch; when false, recording and
	// execution are inert.
	Enabled bool

	// TraceCacheCapacity is the initial cache size; must be a power of
	// two.
	TraceCacheCapacity int

	MaxInstructionsPerTrace      int
	MaxCallDepthDuringRecording  int
	MaxLiveRanges                int
	MaxSnapshots                 int
	MaxSnapshotEntriesPerSnapshot int
	PreHeaderReservedNodes       int
}

// DefaultConfig mirrors the teacher's hardcoded thresholds.
func DefaultConfig() Config {
	return Config{
		HotThreshold:                  50,
		Enabled:                       true,
		TraceCacheCapacity:            1024,
		MaxInstructionsPerTrace:       1000,
		MaxCallDepthDuringRecording:   8,
		MaxLiveRanges:                 MaxIRNodes,
		MaxSnapshots:                  256,
		MaxSnapshotEntriesPerSnapshot: 64,
		PreHeaderReservedNodes:        16,
	}
}

// MaxIRNodes is the fixed IR buffer capacity from spec §3 ("capped at a
// fixed maximum (~4,096)").
const MaxIRNodes = 4096
