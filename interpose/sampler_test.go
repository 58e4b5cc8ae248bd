// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package interpose

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/allocsampler/allocsampler/emit"
	"github.com/allocsampler/allocsampler/hostalloc"
	"github.com/allocsampler/allocsampler/internal/addrset"
	"github.com/allocsampler/allocsampler/samplerconfig"
	"github.com/stretchr/testify/assert"
)

func newTestSampler(scheme samplerconfig.Scheme, mean int64) (*Sampler, *hostalloc.Arena, *bytes.Buffer) {
	arena := hostalloc.NewArena(0x10000)
	var buf bytes.Buffer
	w := emit.NewWriter(&buf)
	cfg := samplerconfig.Config{Scheme: scheme, PoissonMeanBytes: mean}
	s := New(func() (Allocator, error) { return arena, nil }, cfg, w)
	return s, arena, &buf
}

func lines(buf *bytes.Buffer) []string {
	s := strings.TrimRight(buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Scenario 1: None, passthrough.
func TestScenarioNonePassthrough(t *testing.T) {
	is := assert.New(t)

	s, _, buf := newTestSampler(samplerconfig.SchemeNone, 4096)

	a1 := s.Allocate(100)
	a2 := s.Allocate(200)
	s.Release(a1)
	s.Release(a2)
	is.NoError(s.emitter.Flush())

	ls := lines(buf)
	is.Len(ls, 4)
	is.Contains(ls[0], "MALLOC,")
	is.Contains(ls[0], ", 100")
	is.Contains(ls[1], ", 200")
	is.Contains(ls[2], "FREE,")
	is.Contains(ls[3], "FREE,")
}

// Scenario 2: Poisson, small workload.
func TestScenarioPoissonSmallWorkload(t *testing.T) {
	is := assert.New(t)

	s, _, buf := newTestSampler(samplerconfig.SchemePoisson, 1024)

	const blocks = 2000
	addrs := make([]uintptr, blocks)
	for i := 0; i < blocks; i++ {
		addrs[i] = s.Allocate(1024)
	}
	for _, a := range addrs {
		s.Release(a)
	}
	is.NoError(s.emitter.Flush())

	ls := lines(buf)
	var totalWeight int64
	mallocs := 0
	for _, l := range ls {
		if strings.HasPrefix(l, "MALLOC") {
			mallocs++
			parts := strings.Split(l, ", ")
			w, err := strconv.ParseInt(parts[4], 10, 64)
			is.NoError(err)
			totalWeight += w
		}
	}

	is.InDelta(blocks, mallocs, float64(blocks)*0.2)
	is.InDelta(float64(blocks*1024), float64(totalWeight), float64(blocks*1024)*0.2)
}

// Scenario 3: Hash, determinism.
func TestScenarioHashDeterminism(t *testing.T) {
	is := assert.New(t)

	// A deterministic host double that always returns the same address.
	fixed := &fixedAddrAllocator{addr: 0x7f00000000f0}
	var buf bytes.Buffer
	w := emit.NewWriter(&buf)
	cfg := samplerconfig.Config{Scheme: samplerconfig.SchemeStatelessHash}
	s := New(func() (Allocator, error) { return fixed, nil }, cfg, w)

	a1 := s.Allocate(64)
	a2 := s.Allocate(64)
	is.Equal(a1, a2)
	is.NoError(s.emitter.Flush())

	ls := lines(&buf)
	mallocCount := 0
	for _, l := range ls {
		if strings.HasPrefix(l, "MALLOC") {
			mallocCount++
		}
	}
	// Both calls see the identical address, so the hash decision is
	// identical: either both fire or neither does.
	is.True(mallocCount == 0 || mallocCount == 2)
}

type fixedAddrAllocator struct {
	addr uintptr
}

func (f *fixedAddrAllocator) Allocate(size uintptr) uintptr { return f.addr }
func (f *fixedAddrAllocator) Release(addr uintptr)          {}

// Scenario 4: Combined, cross-check independence (loose statistical check).
func TestScenarioCombinedMarginalsRoughlyIndependent(t *testing.T) {
	is := assert.New(t)

	s, _, buf := newTestSampler(samplerconfig.SchemeCombined, 4096)

	const n = 50000
	r := newLCG(12345)
	for i := 0; i < n; i++ {
		size := uintptr(r.next()%4080 + 16)
		s.Allocate(size)
	}
	is.NoError(s.emitter.Flush())

	var poisCount, hashCount, bothCount, total int
	for _, l := range lines(buf) {
		if !strings.HasPrefix(l, "MALLOC") {
			continue
		}
		total++
		parts := strings.Split(l, ", ")
		is.Len(parts, 8)
		pTracked := parts[4] == "1"
		hTracked := parts[6] == "1"
		if pTracked {
			poisCount++
		}
		if hTracked {
			hashCount++
		}
		if pTracked && hTracked {
			bothCount++
		}
	}

	pFrac := float64(poisCount) / float64(total)
	hFrac := float64(hashCount) / float64(total)
	bothFrac := float64(bothCount) / float64(total)
	expected := pFrac * hFrac

	// Relative tolerance band; both marginals are rare events so absolute
	// differences are small regardless.
	is.InDelta(expected, bothFrac, expected*0.5+0.002)
}

type lcg struct{ state uint64 }

func newLCG(seed uint64) *lcg { return &lcg{state: seed} }
func (l *lcg) next() uint64 {
	l.state = l.state*6364136223846793005 + 1442695040888963407
	return l.state >> 33
}

// Scenario 5: Re-entrancy safety.
func TestScenarioReentrancySafety(t *testing.T) {
	is := assert.New(t)

	arena := hostalloc.NewArena(0x20000)
	cfg := samplerconfig.Config{Scheme: samplerconfig.SchemePoisson, PoissonMeanBytes: 64}

	var buf bytes.Buffer
	var s *Sampler
	reentrant := &reentrantEmitterArena{Arena: arena}
	s = New(func() (Allocator, error) { return reentrant, nil }, cfg, emit.NewWriter(&buf))
	reentrant.sampler = s

	is.NotPanics(func() {
		for i := 0; i < 500; i++ {
			addr := s.Allocate(64)
			s.Release(addr)
		}
	})
}

// reentrantEmitterArena simulates a host allocator that itself calls back
// into the sampler (e.g. an instrumented allocator sharing the sampler's
// own page). The wrapper must detect this as re-entrant and not recurse
// indefinitely or double-sample.
type reentrantEmitterArena struct {
	*hostalloc.Arena
	sampler *Sampler
	depth   int
}

func (r *reentrantEmitterArena) Allocate(size uintptr) uintptr {
	r.depth++
	defer func() { r.depth-- }()
	if r.depth == 1 {
		// Simulate the "emitter that itself allocates" scenario: this
		// nested call must be forwarded transparently, not sampled again.
		_ = r.sampler.Allocate(8)
	}
	return r.Arena.Allocate(size)
}

// Scenario 6: Set saturation.
func TestScenarioSetSaturation(t *testing.T) {
	is := assert.New(t)

	s, _, buf := newTestSampler(samplerconfig.SchemePoisson, 1)
	// A small Poisson set (64 slots, probe bound 4) so that the tracked
	// addresses below overflow it.
	s.poissonSet = addrset.New(64, 4)

	// Force many distinct addresses to be Poisson-tracked by using a tiny
	// mean so nearly every allocation fires.
	const n = 5000
	addrs := make([]uintptr, 0, n)
	for i := 0; i < n; i++ {
		addrs = append(addrs, s.Allocate(8))
	}

	mallocLines := 0
	for _, l := range lines(buf) {
		if strings.HasPrefix(l, "MALLOC") {
			mallocLines++
		}
	}

	for _, a := range addrs {
		s.Release(a)
	}
	is.NoError(s.emitter.Flush())

	freeLines := 0
	for _, l := range lines(buf) {
		if strings.HasPrefix(l, "FREE") {
			freeLines++
		}
	}

	is.LessOrEqual(freeLines, mallocLines)
}

func TestAllocateReturnsHostAddressUnchanged(t *testing.T) {
	is := assert.New(t)

	s, arena, _ := newTestSampler(samplerconfig.SchemeNone, 4096)
	addr := s.Allocate(32)
	is.True(arena.LiveCount() == 1)
	// NewArena(0x10000) mints 0x10000 as its first address.
	is.Equal(uintptr(0x10000), addr)
}

func TestHostAllocationFailurePropagatesNull(t *testing.T) {
	is := assert.New(t)

	arena := hostalloc.NewArena(0x30000)
	arena.FailAfter(1)
	cfg := samplerconfig.Config{Scheme: samplerconfig.SchemeNone}
	var buf bytes.Buffer
	s := New(func() (Allocator, error) { return arena, nil }, cfg, emit.NewWriter(&buf))

	addr := s.Allocate(16)
	is.Equal(uintptr(0), addr)
	is.NoError(s.emitter.Flush())
	is.Empty(lines(&buf))
}

func TestReleaseOfNullAddressIsNoop(t *testing.T) {
	is := assert.New(t)

	s, _, buf := newTestSampler(samplerconfig.SchemeNone, 4096)
	s.Release(0)
	is.NoError(s.emitter.Flush())
	is.Empty(lines(buf))
}

func TestConcurrentAllocateAndReleaseAcrossGoroutines(t *testing.T) {
	is := assert.New(t)

	s, _, _ := newTestSampler(samplerconfig.SchemeCombined, 2048)

	const goroutines = 16
	const perGoroutine = 200
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				addr := s.Allocate(uintptr(16 + i%256))
				s.Release(addr)
			}
		}()
	}
	wg.Wait()
	is.NoError(s.emitter.Flush())
}

func TestZeroSizeAllocationDoesNotPanic(t *testing.T) {
	is := assert.New(t)

	s, _, _ := newTestSampler(samplerconfig.SchemePoisson, 4096)
	is.NotPanics(func() {
		addr := s.Allocate(0)
		s.Release(addr)
	})
}

func TestHostResolutionFailurePanics(t *testing.T) {
	is := assert.New(t)

	cfg := samplerconfig.Config{Scheme: samplerconfig.SchemeNone}
	s := New(func() (Allocator, error) { return nil, assertErr{} }, cfg, emit.Default())

	is.Panics(func() {
		s.Allocate(8)
	})
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestFinalizeFlushesAndWritesTimingSummary(t *testing.T) {
	is := assert.New(t)

	arena := hostalloc.NewArena(0x50000)
	statsPath := filepath.Join(t.TempDir(), "stats.txt")
	cfg := samplerconfig.Config{
		Scheme:           samplerconfig.SchemeCombined,
		PoissonMeanBytes: 1024,
		StatsFile:        statsPath,
		TimingEnabled:    true,
	}
	var buf bytes.Buffer
	s := New(func() (Allocator, error) { return arena, nil }, cfg, emit.NewWriter(&buf))

	addr := s.Allocate(64)
	s.Release(addr)

	is.NoError(s.Finalize())

	data, err := os.ReadFile(statsPath)
	is.NoError(err)
	is.Contains(string(data), "scheme=")
}

func TestReservedSchemesBehaveAsNone(t *testing.T) {
	is := assert.New(t)

	for _, scheme := range []samplerconfig.Scheme{samplerconfig.SchemeHybrid, samplerconfig.SchemePageHash} {
		arena := hostalloc.NewArena(0x40000)
		var buf bytes.Buffer
		cfg := samplerconfig.Config{Scheme: scheme}
		s := New(func() (Allocator, error) { return arena, nil }, cfg, emit.NewWriter(&buf))

		addr := s.Allocate(100)
		is.NoError(s.emitter.Flush())
		ls := lines(&buf)
		is.Len(ls, 1)
		is.Contains(ls[0], ", 100")
		_ = addr
	}
}
