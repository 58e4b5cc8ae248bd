// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package hostalloc provides the "host allocator" collaborator the
// interposer wraps: a deterministic simulated allocator (it records each
// live address in a Go map, so it does allocate), standing in for the real platform malloc/free. It
// exists so the whole sampling pipeline is runnable and testable without
// cgo.
package hostalloc

import (
	"sync"

	prngchacha "github.com/sixafter/prng-chacha"
)

// Null is the sentinel "no allocation" address, matching the host
// allocator's NULL-on-failure convention.
const Null uintptr = 0

// Arena is a simulated host allocator. It mints monotonically increasing,
// 16-byte-aligned fake addresses (so addrset's p>>4 indexing spreads them
// the way real allocator addresses would) and tracks live allocations in a
// map guarded by a mutex — the same shape as a real allocator's metadata,
// just without a real backing store.
type Arena struct {
	mu   sync.Mutex
	next uintptr
	live map[uintptr]uintptr // addr -> size

	// failAfter, if nonzero, makes the (failAfter)'th Allocate call
	// (1-indexed) and every later one return Null, simulating host
	// exhaustion. Zero means never fail.
	failAfter uint64
	calls     uint64
}

// NewArena returns an empty Arena starting addresses at base (rounded up
// to 16-byte alignment). A nonzero base lets tests construct multiple
// arenas whose address ranges do not overlap.
func NewArena(base uintptr) *Arena {
	if base == 0 {
		base = 0x10000
	}
	return &Arena{
		next: align16(base),
		live: make(map[uintptr]uintptr),
	}
}

func align16(v uintptr) uintptr {
	return (v + 15) &^ 15
}

// FailAfter configures the arena to return Null starting from the nth
// Allocate call (1-indexed), simulating host exhaustion. n == 0 disables
// failure injection.
func (a *Arena) FailAfter(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
}

// Allocate mints a new fake address for size bytes, or returns Null if
// failure injection is armed for this call.
func (a *Arena) Allocate(size uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.failAfter != 0 && a.calls >= a.failAfter {
		return Null
	}

	addr := a.next
	a.next = align16(addr + size + 1)
	a.live[addr] = size
	return addr
}

// Release forgets addr. Releasing an address that was never allocated (or
// already released) is a silent no-op, matching a real free()'s behavior
// under double-free being undefined but the simulated arena choosing to
// tolerate it rather than crash test workloads.
func (a *Arena) Release(addr uintptr) {
	if addr == Null {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, addr)
}

// LiveCount reports how many addresses are currently allocated. Exposed
// for tests that check "no double counting" style invariants.
func (a *Arena) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// seedFromPRNG draws a uint64 from the ChaCha-based PRNG to mint a
// randomized starting base address, used by NewRandomizedArena below. This
// is unconstrained address minting for test fixtures, distinct from, and
// not a replacement for, the sampler's own xorshift64* generator, which
// must follow an exact bit-level recurrence.
func seedFromPRNG() uint64 {
	r, err := prngchacha.NewReader()
	if err != nil {
		// The PRNG's own entropy source failing is exceptional and not
		// part of this package's contract to recover from; fall back to
		// a fixed base rather than propagating a constructor error for
		// what is, in the end, only a test convenience.
		return 0xA5A5A5A5
	}
	var buf [8]byte
	if _, err := r.Read(buf[:]); err != nil {
		return 0xA5A5A5A5
	}
	var v uint64
	for _, b := range buf {
		v = (v << 8) | uint64(b)
	}
	return v
}

// NewRandomizedArena returns an Arena whose base address is drawn from the
// ChaCha PRNG instead of a caller-supplied constant, masked down to a
// plausible heap-sized range so addresses still look like real pointers
// rather than spanning the whole uintptr space.
func NewRandomizedArena() *Arena {
	base := seedFromPRNG() & 0x0000_7fff_ffff_0000
	return NewArena(uintptr(base))
}
