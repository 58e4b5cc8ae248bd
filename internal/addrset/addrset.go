// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package addrset implements a fixed-capacity, bounded-probe,
// open-addressed set of live addresses. It is the "selected-address set"
// of the sampler: a bounded-memory, allocation-free, coarsely concurrent
// map from address to the boolean fact "selected by Poisson", used only to
// correlate a later release with an earlier sampled allocation.
package addrset

import (
	"sync"

	"github.com/allocsampler/allocsampler/internal/numeric"
)

// DefaultCapacity is the default number of slots, chosen as a power of two
// per the indexing scheme (p>>4 mod capacity).
const DefaultCapacity = 1 << 20 // 1,048,576 slots

// DefaultMaxProbe bounds the linear probe length, capping worst-case
// latency and guaranteeing the operation never blocks indefinitely.
const DefaultMaxProbe = 100

// empty is the sentinel slot value meaning "unoccupied". Address 0 is never
// a valid allocation address (it is reserved for "no allocation" / nil), so
// it is safe to reuse as the empty sentinel.
const empty uintptr = 0

// Set is a fixed-capacity open-addressed set of addresses, protected by a
// single mutex. All operations are O(1) expected and bounded by maxProbe in
// the worst case; saturation degrades correlation (via silent no-ops), not
// correctness of the decision stream that produced the entries.
type Set struct {
	mu       sync.Mutex
	slots    []uintptr
	capacity uintptr
	maxProbe int
}

// New returns a Set with the given capacity and max probe length. Capacity
// is rounded up to the next power of two if it is not already one, so the
// modulo in index() can be a mask.
func New(capacity int, maxProbe int) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxProbe <= 0 {
		maxProbe = DefaultMaxProbe
	}
	capacity = numeric.NextPowerOfTwo(numeric.Max(capacity, 1))

	return &Set{
		slots:    make([]uintptr, capacity),
		capacity: uintptr(capacity),
		maxProbe: maxProbe,
	}
}

func (s *Set) index(addr uintptr) uintptr {
	return (addr >> 4) & (s.capacity - 1)
}

// Insert records addr as a live, Poisson-selected address. It walks the
// probe chain starting at index(addr), placing addr at the first empty
// slot, or returning immediately (idempotently) if addr is already present.
// If the probe chain is exhausted without finding an empty slot or addr
// itself, Insert silently no-ops: a saturated set degrades release
// correlation, never the sampling decision itself.
func (s *Set) Insert(addr uintptr) {
	if addr == empty {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.index(addr)
	for i := 0; i < s.maxProbe; i++ {
		idx := (start + uintptr(i)) & (s.capacity - 1)
		v := s.slots[idx]
		if v == empty {
			s.slots[idx] = addr
			return
		}
		if v == addr {
			return
		}
	}
	// Probe chain exhausted: saturation. Silent no-op per spec.
}

// ProbeAndRemove walks the probe chain starting at index(addr). If it finds
// addr, it clears the slot and returns true. If it encounters an empty slot
// first, it stops and returns false (addr was never recorded, or was
// recorded then lost to saturation).
func (s *Set) ProbeAndRemove(addr uintptr) bool {
	if addr == empty {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.index(addr)
	for i := 0; i < s.maxProbe; i++ {
		idx := (start + uintptr(i)) & (s.capacity - 1)
		v := s.slots[idx]
		if v == empty {
			return false
		}
		if v == addr {
			s.slots[idx] = empty
			return true
		}
	}
	return false
}

// Capacity returns the number of slots.
func (s *Set) Capacity() int {
	return int(s.capacity)
}

// MaxProbe returns the configured probe bound.
func (s *Set) MaxProbe() int {
	return s.maxProbe
}
