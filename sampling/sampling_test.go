// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package sampling

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedSeed(seed uint64) func() uint64 {
	return func() uint64 { return seed }
}

func TestPoissonUnbiasedOverWorkload(t *testing.T) {
	is := assert.New(t)

	const mean = 1024
	const blockSize = 1024
	const blocks = 2000

	p := NewPoissonSampler(mean, fixedSeed(777))

	var totalBytes, totalWeight int64
	for i := 0; i < blocks; i++ {
		p.AddBytes(blockSize)
		totalBytes += blockSize
		totalWeight += p.Sample()
	}

	// The estimator is unbiased in expectation, not on every run; allow a
	// generous tolerance for a single deterministic trial.
	is.InDelta(float64(totalBytes), float64(totalWeight), float64(totalBytes)*0.15)
}

func TestPoissonInvariantBytesUntilNext(t *testing.T) {
	is := assert.New(t)

	p := NewPoissonSampler(4096, fixedSeed(42))

	var sumSizes, sumWeights int64
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		size := int64(r.Intn(4000) + 1)
		p.AddBytes(size)
		sumSizes += size
		sumWeights += p.Sample()

		is.Equal(sumSizes-sumWeights, p.BytesUntilNext())
	}
}

func TestPoissonSmallMeanTerminates(t *testing.T) {
	is := assert.New(t)

	p := NewPoissonSampler(1, fixedSeed(99))
	p.AddBytes(10000)

	is.NotPanics(func() {
		p.Sample()
	})
}

func TestPoissonZeroSizeAllocationStillDecides(t *testing.T) {
	is := assert.New(t)

	p := NewPoissonSampler(4096, fixedSeed(5))
	p.AddBytes(0)
	// Must not panic; weight may be zero or (rarely) nonzero from prior
	// accumulation. Either is valid.
	is.NotPanics(func() {
		p.Sample()
	})
}

func TestHashSamplerIsDeterministic(t *testing.T) {
	is := assert.New(t)

	h := NewHashSampler(DefaultHashMask)
	addr := uintptr(0x7f00000000f0)

	first := h.Selected(addr)
	for i := 0; i < 100; i++ {
		is.Equal(first, h.Selected(addr))
	}
}

func TestHashSamplerFireResetsAccumulator(t *testing.T) {
	is := assert.New(t)

	// Mask 0 always fires (hash&0==0 unconditionally), isolating the
	// accumulator behavior from the hash distribution. The struct is built
	// directly because NewHashSampler substitutes DefaultHashMask for 0.
	h := &HashSampler{Mask: 0}
	addr := uintptr(0x1000)

	h.AddBytes(128)
	weight := h.Sample(addr)
	is.Equal(uint64(128), weight)
	is.Equal(uint64(0), h.RunningBytes())

	h.AddBytes(64)
	is.Equal(uint64(64), h.RunningBytes())
}

func TestHashSamplerMonotonicBetweenFires(t *testing.T) {
	is := assert.New(t)

	h := NewHashSampler(0x0)
	h.AddBytes(10)
	is.Equal(uint64(10), h.RunningBytes())
	h.AddBytes(20)
	is.Equal(uint64(30), h.RunningBytes())
}

func TestHashSamplerConvergesToExpectedFraction(t *testing.T) {
	is := assert.New(t)

	h := NewHashSampler(DefaultHashMask) // low 8 bits: 1-in-256
	const n = 500000
	selected := 0
	for i := 0; i < n; i++ {
		// Well-distributed low bits: step by a large odd stride.
		addr := uintptr(i) * 0x1000001
		if h.Selected(addr) {
			selected++
		}
	}

	got := float64(selected) / float64(n)
	is.InDelta(1.0/256.0, got, 0.002)
}
