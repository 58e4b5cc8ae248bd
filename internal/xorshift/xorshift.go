// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package xorshift implements the per-thread xorshift64* generator and the
// geometric-by-bytes draw that the Poisson sampler builds on.
package xorshift

import "math"

// fallbackSeed is used when the composed seed mixes down to zero, which
// would otherwise leave the generator stuck at zero forever.
const fallbackSeed uint64 = 0x9E3779B97F4A7C15

// uniformFloor is the smallest uniform sample value accepted by Geometric;
// it prevents ln(0) from producing +Inf when the top 53 bits happen to be
// all zero.
const uniformFloor = 1e-12

// State is a single thread's (goroutine's) xorshift64* generator state. It
// must not be shared across goroutines. The zero value is not ready for
// use; call Seed or rely on lazy seeding via Ensure.
type State struct {
	x      uint64
	seeded bool
}

// Seed installs x as the generator state, substituting fallbackSeed if x is
// zero so the xorshift recurrence (which has a fixed point at zero) never
// gets stuck.
func (s *State) Seed(x uint64) {
	if x == 0 {
		x = fallbackSeed
	}
	s.x = x
	s.seeded = true
}

// Ensure seeds the generator from seed if it has not already been seeded.
// It is a no-op on subsequent calls, matching the "one-shot" rng_seeded
// latch of the source state machine.
func (s *State) Ensure(seed func() uint64) {
	if s.seeded {
		return
	}
	s.Seed(seed())
}

// Next returns the next xorshift64* output and advances the state.
func (s *State) Next() uint64 {
	x := s.x
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	s.x = x
	return x * 0x2545F4914F6CDD1D
}

// Uniform returns a sample in (0, 1], taking the top 53 bits of a xorshift64*
// output and scaling to a float64, clamping to uniformFloor at the low end.
func (s *State) Uniform() float64 {
	top53 := s.Next() >> 11
	u := float64(top53) / (1 << 53)
	if u <= 0 {
		return uniformFloor
	}
	return u
}

// Geometric returns floor(-ln(u) * mean) as a signed byte skip distance,
// where u is drawn from Uniform. The distribution is memoryless: this is
// what makes the Poisson-by-bytes scheme's "expected M bytes between fires"
// contract hold regardless of how much byte budget has already elapsed.
func (s *State) Geometric(mean int64) int64 {
	u := s.Uniform()
	return int64(math.Floor(-math.Log(u) * float64(mean)))
}
