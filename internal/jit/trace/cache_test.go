package trace

import "testing"

func newTestTrace(pc int32) *CompiledTrace {
	return &CompiledTrace{AnchorPC: pc}
}

func TestCacheLookupMiss(t *testing.T) {
	c := NewCache(4)
	if c.Lookup(1) != nil {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCacheInsertAndLookup(t *testing.T) {
	c := NewCache(4)
	tr := newTestTrace(42)
	c.Insert(tr)
	if got := c.Lookup(42); got != tr {
		t.Fatalf("Lookup(42) = %v, want %v", got, tr)
	}
	if c.Lookup(43) != nil {
		t.Fatal("expected miss for unrelated key")
	}
}

func TestCacheReplaceSameAnchor(t *testing.T) {
	c := NewCache(4)
	first := newTestTrace(7)
	second := newTestTrace(7)
	c.Insert(first)
	c.Insert(second)
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after replacing same anchor", c.Len())
	}
	if got := c.Lookup(7); got != second {
		t.Fatal("expected second insertion to win")
	}
}

func TestCacheGrowsPastLoadFactor(t *testing.T) {
	c := NewCache(4)
	for i := int32(0); i < 20; i++ {
		c.Insert(newTestTrace(i))
	}
	if c.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", c.Len())
	}
	for i := int32(0); i < 20; i++ {
		if c.Lookup(i) == nil {
			t.Fatalf("lost trace for anchor %d after growth", i)
		}
	}
}
