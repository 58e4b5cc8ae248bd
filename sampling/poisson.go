// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package sampling implements the two sampling decision engines the
// interposer consults: a byte-weighted Poisson sampler and a stateless
// address-hash sampler.
package sampling

import "github.com/allocsampler/allocsampler/internal/xorshift"

// PoissonSampler implements byte-weighted sampling, per thread. Given a
// stream of allocations of sizes s1, s2, ..., it selects each allocation
// with probability approximately s_i/Mean, so the expected total reported
// weight equals the expected total allocated bytes. One PoissonSampler must
// be owned exclusively by a single goroutine; it is not safe for concurrent
// use.
type PoissonSampler struct {
	rng xorshift.State

	// bytesUntilNext is the signed byte accumulator. It rises between
	// fires (as the caller adds allocation sizes before calling Sample)
	// and falls by geometric draws when a fire occurs.
	bytesUntilNext int64

	initialized bool

	// Mean is the Poisson mean M, in bytes: the expected number of bytes
	// between successive fires.
	Mean int64
}

// NewPoissonSampler returns a PoissonSampler with the given mean and a
// generator seeded from seedFn at construction.
func NewPoissonSampler(mean int64, seedFn func() uint64) *PoissonSampler {
	p := &PoissonSampler{Mean: mean}
	p.rng.Ensure(seedFn)
	return p
}

// AddBytes adds n to the running byte accumulator. The interposer calls
// this before Sample for every allocation, regardless of which scheme is
// active, so that switching schemes mid-run never corrupts the counters:
// add first, then decide.
func (p *PoissonSampler) AddBytes(n int64) {
	p.bytesUntilNext += n
}

// Sample consults the current accumulator and returns the reported byte
// weight for this allocation: zero if no fire is due, or a positive
// multiple of Mean crediting every geometric "hit" that landed within the
// bytes added since the last fire.
func (p *PoissonSampler) Sample() int64 {
	if !p.initialized {
		p.bytesUntilNext -= p.rng.Geometric(p.Mean)
		p.initialized = true
		if p.bytesUntilNext >= 0 {
			return 0
		}
	}

	if p.bytesUntilNext < 0 {
		return 0
	}

	nsamples := p.bytesUntilNext / p.Mean
	remaining := p.bytesUntilNext % p.Mean

	for remaining >= 0 {
		remaining -= p.rng.Geometric(p.Mean)
		nsamples++
	}

	p.bytesUntilNext = remaining
	return nsamples * p.Mean
}

// BytesUntilNext returns the current signed byte accumulator. It is exposed
// for the invariant check "bytesUntilNext == sum(sizes) - sum(reported
// weights)".
func (p *PoissonSampler) BytesUntilNext() int64 {
	return p.bytesUntilNext
}
