// Package execmem manages W^X executable memory for compiled traces
// (spec §4.5's "installed as executable memory"). Grounded on
// original_source/src/jit/wren_jit_memory.c's allocate-RW /
// write-then-flip-to-RX lifecycle, ported from raw mmap/mprotect calls
// to golang.org/x/sys/unix.
package execmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pageSize is assumed rather than queried at init: every Linux target
// this module ships on uses 4 KiB pages, and rounding a request up to
// too small a page size only wastes a little map space, never corrupts
// anything.
const pageSize = 4096

// Region is one mmap'd slab holding a single compiled trace's machine
// code. It is either writable (mid-install) or executable (installed),
// never both at once.
type Region struct {
	data []byte
	exec bool
}

// Alloc reserves a page-rounded mapping of at least size bytes and
// commits it read-write. Reservation and commit are kept as two
// distinct mmap/mprotect calls, following the original memory
// manager's reserve-then-commit split, rather than mapping
// read-write-executable in one shot (several platforms now refuse that
// combination outright under strict W^X). The caller must call
// Finalize before jumping into the region and Free once the trace is
// evicted from the cache.
func Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("execmem: zero-size allocation")
	}
	rounded := roundUp(size, pageSize)

	data, err := unix.Mmap(-1, 0, rounded, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "execmem: reserve mmap")
	}
	if err := unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		unix.Munmap(data)
		return nil, errors.Wrap(err, "execmem: commit mprotect")
	}
	return &Region{data: data}, nil
}

// Bytes returns the writable backing slice. Valid only before Finalize.
func (r *Region) Bytes() []byte { return r.data }

// Finalize copies code into the region and flips it from RW to RX
// (spec §4.5: compiled code must never be simultaneously writable and
// executable). The teacher's original jitMemBeginWrite/jitMemEndWrite
// pair collapses to one mprotect call here since this module targets
// Linux, which has no Apple Silicon-style toggled write-protection bit.
func (r *Region) Finalize(code []byte) (uintptr, error) {
	if len(code) > len(r.data) {
		return 0, errors.New("execmem: code exceeds reserved region")
	}
	n := copy(r.data, code)
	for i := n; i < len(r.data); i++ {
		r.data[i] = 0xCC // int3, so an overrun lands on a trap instead of garbage
	}
	if err := unix.Mprotect(r.data, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return 0, errors.Wrap(err, "execmem: mprotect RX")
	}
	r.exec = true
	return entryAddr(r.data), nil
}

// Free releases the mapping. It is the caller's responsibility to make
// sure no fiber is executing inside r before calling Free.
func (r *Region) Free() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return errors.Wrap(err, "execmem: munmap")
	}
	return nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
