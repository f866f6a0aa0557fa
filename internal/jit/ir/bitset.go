package ir

// Bitset is a fixed-size bit array indexed by SSA id (spec §9: "Bitsets
// over id arrays ... a compact encoding of sets of SSA ids with
// constant-time membership"). Grounded on
// original_source/src/jit/wren_jit_opt_guardelim.c's fixed bitset that
// is cleared in one pass at the loop header rather than rebuilt.
type Bitset struct {
	words []uint64
}

func NewBitset(capacity int) Bitset {
	return Bitset{words: make([]uint64, (capacity+63)/64)}
}

func (b *Bitset) Set(id ID)   { b.words[id/64] |= 1 << uint(id%64) }
func (b *Bitset) Clear(id ID) { b.words[id/64] &^= 1 << uint(id%64) }
func (b *Bitset) Has(id ID) bool {
	return b.words[id/64]&(1<<uint(id%64)) != 0
}

// Reset zeroes every word in one pass.
func (b *Bitset) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}
