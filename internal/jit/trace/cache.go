package trace

// Cache is an open-addressed hash table keyed by anchor PC, grounded on
// original_source/src/jit/wren_jit.h's flat JitTrace[trace_capacity]
// array (a fixed-size C table the original never grows). This module
// grows it instead: linear probing with tombstone-free deletion (traces
// are only ever evicted by replacing the slot, never removed outright),
// doubling and rehashing once the load factor crosses 0.7 so a
// long-running process doesn't degrade into linear scans as more loops
// go hot.
type Cache struct {
	slots []slot
	count int
}

type slot struct {
	used  bool
	trace *CompiledTrace
}

const growLoadFactor = 0.7

// NewCache builds a cache with the given initial capacity, rounded up
// to a power of two.
func NewCache(capacity int) *Cache {
	return &Cache{slots: make([]slot, nextPow2(capacity))}
}

// Lookup returns the trace anchored at pc, or nil if none is cached.
func (c *Cache) Lookup(pc int32) *CompiledTrace {
	if len(c.slots) == 0 {
		return nil
	}
	mask := uint32(len(c.slots) - 1)
	i := hash32(uint32(pc)) & mask
	for probes := 0; probes < len(c.slots); probes++ {
		s := &c.slots[i]
		if !s.used {
			return nil
		}
		if s.trace.AnchorPC == pc {
			return s.trace
		}
		i = (i + 1) & mask
	}
	return nil
}

// Insert installs t, keyed by t.AnchorPC, growing the table first if
// this insertion would push the load factor past 0.7. Replaces and
// releases any existing trace at the same anchor.
func (c *Cache) Insert(t *CompiledTrace) {
	if float64(c.count+1) > growLoadFactor*float64(len(c.slots)) {
		c.grow()
	}
	c.insert(t)
}

func (c *Cache) insert(t *CompiledTrace) {
	mask := uint32(len(c.slots) - 1)
	i := hash32(uint32(t.AnchorPC)) & mask
	for {
		s := &c.slots[i]
		if !s.used {
			*s = slot{used: true, trace: t}
			c.count++
			return
		}
		if s.trace.AnchorPC == t.AnchorPC {
			old := s.trace
			s.trace = t
			if old != nil {
				old.Release()
			}
			return
		}
		i = (i + 1) & mask
	}
}

func (c *Cache) grow() {
	old := c.slots
	c.slots = make([]slot, len(old)*2)
	c.count = 0
	for _, s := range old {
		if s.used {
			c.insert(s.trace)
		}
	}
}

// Len reports the number of traces currently cached.
func (c *Cache) Len() int { return c.count }

func hash32(x uint32) uint32 {
	// murmur3 finalizer; cheap, well-distributed avalanche for a
	// PC-shaped key space that otherwise clusters at small multiples of
	// the instruction size.
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	return x
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
