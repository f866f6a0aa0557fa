package execmem

import "testing"

func TestAllocRejectsZero(t *testing.T) {
	if _, err := Alloc(0); err == nil {
		t.Fatal("expected error for zero-size allocation")
	}
}

func TestFinalizeRejectsOversizeCode(t *testing.T) {
	r, err := Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer r.Free()

	huge := make([]byte, pageSize*4)
	if _, err := r.Finalize(huge); err == nil {
		t.Fatal("expected error when code exceeds reserved region")
	}
}

func TestFinalizeInstallsCode(t *testing.T) {
	r, err := Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	defer r.Free()

	code := []byte{0xC3} // ret
	addr, err := r.Finalize(code)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected nonzero entry address")
	}
	if !r.exec {
		t.Fatal("expected region marked executable after Finalize")
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	r, err := Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := r.Free(); err != nil {
		t.Fatalf("first Free: %v", err)
	}
	if err := r.Free(); err != nil {
		t.Fatalf("second Free: %v", err)
	}
}
