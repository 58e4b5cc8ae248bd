// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package sampling

// DefaultHashMask selects 1-in-256 addresses: the low 8 bits of the hashed
// address must all be zero.
const DefaultHashMask uintptr = 0xFF

// HashSampler implements the stateless address-hash scheme: every address
// whose hash matches Mask is "selected", and the classification is a pure
// function of the address, so the same address always classifies the same
// way with no lookup table required. A HashSampler still owns one mutable
// field per thread (the running byte accumulator), so like PoissonSampler
// it must be owned by a single goroutine.
type HashSampler struct {
	// Mask is the bitmask applied to the hashed address; a selection
	// fires iff the masked bits are all zero.
	Mask uintptr

	// runningBytes accumulates bytes since the last fire. It only ever
	// grows between fires and resets to zero on a fire.
	runningBytes uint64
}

// NewHashSampler returns a HashSampler using mask (or DefaultHashMask if
// mask is zero).
func NewHashSampler(mask uintptr) *HashSampler {
	if mask == 0 {
		mask = DefaultHashMask
	}
	return &HashSampler{Mask: mask}
}

// AddBytes adds n to the running byte accumulator. As with PoissonSampler,
// the interposer calls this before Sample for every allocation regardless
// of active scheme.
func (h *HashSampler) AddBytes(n uint64) {
	h.runningBytes += n
}

// hashAddr applies the three-pass xorshift used to decide selection. It is
// a pure function of addr: calling it twice with the same value always
// yields the same result.
func hashAddr(addr uintptr) uintptr {
	x := addr
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	return x
}

// Selected reports whether addr hashes to a selected value, without
// touching the running byte accumulator. It is the pure decision function
// used both by Sample (for allocations) and directly by the interposer at
// release time to recompute the same decision with no state at all.
func (h *HashSampler) Selected(addr uintptr) bool {
	return hashAddr(addr)&h.Mask == 0
}

// Sample decides whether addr fires. On a hit it returns the accumulated
// byte weight since the last hit and resets the accumulator to zero; on a
// miss it returns zero and leaves the accumulator untouched.
func (h *HashSampler) Sample(addr uintptr) uint64 {
	if !h.Selected(addr) {
		return 0
	}
	weight := h.runningBytes
	h.runningBytes = 0
	return weight
}

// RunningBytes returns the current accumulator value. Exposed for the
// monotonicity invariant check (strictly increasing between fires, zero
// immediately after a fire).
func (h *HashSampler) RunningBytes() uint64 {
	return h.runningBytes
}
