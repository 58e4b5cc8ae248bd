// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package interpose implements the sampler's hot-path wrapper around a
// host allocator: re-entrancy suppression, one-time resolution of the
// underlying allocator, per-goroutine sampler state, and emission of
// sampled events without itself recursing into the wrapped allocator.
package interpose

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allocsampler/allocsampler/emit"
	"github.com/allocsampler/allocsampler/internal/addrset"
	"github.com/allocsampler/allocsampler/internal/gls"
	"github.com/allocsampler/allocsampler/report"
	"github.com/allocsampler/allocsampler/samplerconfig"
	"github.com/allocsampler/allocsampler/sampling"
	"github.com/allocsampler/allocsampler/timing"
)

// Allocator is the host allocator collaborator the Sampler decorates. It
// mirrors the shape of a C allocate/release pair: Allocate returns 0 (the
// Null address) on failure instead of an error, matching a "host returned
// null" failure mode.
type Allocator interface {
	Allocate(size uintptr) uintptr
	Release(addr uintptr)
}

// threadState is per-goroutine sampler state standing in for the per-OS-
// thread state a native implementation would keep. It is owned exclusively
// by the goroutine that constructed it and must never be touched from
// another goroutine.
type threadState struct {
	poisson   *sampling.PoissonSampler
	hash      *sampling.HashSampler
	inWrapper bool
}

// Sampler is the interposer: it exposes Allocate/Release with the same
// shape as the host allocator, consulting the configured sampling
// scheme(s) and emitting records for selected events.
type Sampler struct {
	resolveHost func() (Allocator, error)

	initDone uint32 // atomic: 1 once host is resolved
	initMu   sync.Mutex
	host     Allocator

	cfg samplerconfig.Config

	poissonSet *addrset.Set
	hashSet    *addrset.Set

	hashLiveCount int64

	emitter *emit.Writer
	timing  *timing.Recorder
	tsByGR  *gls.Registry[threadState]
}

// New returns a Sampler. resolveHost is called exactly once, lazily, on
// the first Allocate or Release call — a one-time resolution of the
// underlying allocator symbol. If resolveHost returns an error, the
// Sampler panics on first use: symbol resolution failure is fatal and has
// no fallback.
func New(resolveHost func() (Allocator, error), cfg samplerconfig.Config, w *emit.Writer) *Sampler {
	if w == nil {
		w = emit.Default()
	}

	s := &Sampler{
		resolveHost: resolveHost,
		cfg:         cfg,
		poissonSet:  addrset.New(addrset.DefaultCapacity, addrset.DefaultMaxProbe),
		hashSet:     addrset.New(addrset.DefaultCapacity, addrset.DefaultMaxProbe),
		emitter:     w,
		timing:      timing.NewRecorder(cfg.TimingEnabled, []timing.Scheme{"poisson", "hash"}),
	}
	s.tsByGR = gls.NewRegistry(func() *threadState {
		ts := &threadState{
			poisson: sampling.NewPoissonSampler(cfg.PoissonMeanBytes, newSeed),
			hash:    sampling.NewHashSampler(sampling.DefaultHashMask),
		}
		return ts
	})
	return s
}

// newSeed mixes a few cheap, non-secret sources to seed a thread's
// xorshift64* generator: goroutine id, current time, and a package-level
// math/rand draw stand in for thread-local address and thread identifier,
// which Go exposes no equivalent of.
func newSeed() uint64 {
	gid := uint64(gls.ID())
	now := uint64(time.Now().UnixNano())
	r := uint64(rand.Int63())
	return gid ^ now ^ r
}

// ensureInit resolves the host allocator if it has not been resolved yet,
// using a double-checked-latch: test the atomic flag, lock, test again,
// resolve, publish.
func (s *Sampler) ensureInit() {
	if atomic.LoadUint32(&s.initDone) == 1 {
		return
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initDone == 1 {
		return
	}

	host, err := s.resolveHost()
	if err != nil {
		panic(fmt.Sprintf("interpose: host allocator resolution failed: %v", err))
	}
	s.host = host
	atomic.StoreUint32(&s.initDone, 1)
}

// Timing returns the Sampler's timing recorder (disabled no-op if timing
// was not enabled in the configuration).
func (s *Sampler) Timing() *timing.Recorder {
	return s.timing
}

// Allocate mints a new allocation of size bytes, forwarding to the host
// allocator and, for a statistically chosen subset of calls, emitting an
// allocation record.
func (s *Sampler) Allocate(size uintptr) uintptr {
	ts := s.tsByGR.Get()

	if ts.inWrapper {
		// Re-entrancy: the sampler's own emission path (or a pathological
		// host allocator) called back into Allocate. Forward transparently
		// with no sampling side effects.
		s.ensureInit()
		return s.host.Allocate(size)
	}

	s.ensureInit()

	ts.inWrapper = true
	addr := s.host.Allocate(size)
	sec, nsec := emit.Timestamp(time.Now())
	if addr == 0 {
		// Host allocation failure: propagate null unchanged, emit nothing.
		// Accumulators are still updated below; the occasional spurious
		// future sample is a deliberate tradeoff against an extra branch
		// on the hot path.
		ts.inWrapper = false
	}

	isize := int64(size)
	ts.poisson.AddBytes(isize)
	ts.hash.AddBytes(uint64(size))

	if addr == 0 {
		return 0
	}

	switch {
	case s.cfg.Scheme == samplerconfig.SchemePoisson:
		start := timing.MonotonicNanos()
		weight := ts.poisson.Sample()
		s.timing.Record("poisson", timing.PhaseAllocate, timing.MonotonicNanos()-start, weight > 0)
		if weight > 0 {
			s.poissonSet.Insert(addr)
			s.emitter.WriteMallocScheme(sec, nsec, addr, isize, weight)
		}

	case s.cfg.Scheme == samplerconfig.SchemeStatelessHash:
		start := timing.MonotonicNanos()
		weight := ts.hash.Sample(addr)
		s.timing.Record("hash", timing.PhaseAllocate, timing.MonotonicNanos()-start, weight > 0)
		if weight > 0 {
			s.emitter.WriteMallocScheme(sec, nsec, addr, isize, int64(weight))
		}

	case s.cfg.Scheme == samplerconfig.SchemeCombined:
		pStart := timing.MonotonicNanos()
		poisWeight := ts.poisson.Sample()
		s.timing.Record("poisson", timing.PhaseAllocate, timing.MonotonicNanos()-pStart, poisWeight > 0)
		poisTracked := poisWeight > 0
		if poisTracked {
			s.poissonSet.Insert(addr)
		}

		hStart := timing.MonotonicNanos()
		hashWeight := ts.hash.Sample(addr)
		s.timing.Record("hash", timing.PhaseAllocate, timing.MonotonicNanos()-hStart, hashWeight > 0)
		hashTracked := hashWeight > 0
		if hashTracked {
			s.hashSet.Insert(addr)
			atomic.AddInt64(&s.hashLiveCount, 1)
		}

		s.emitter.WriteMallocCombined(sec, nsec, addr, isize, poisTracked, poisWeight, hashTracked, int64(hashWeight))

	default:
		// SchemeNone, SchemeHybrid, SchemePageHash: pass through.
		s.emitter.WriteMallocNone(sec, nsec, addr, isize)
	}

	ts.inWrapper = false
	return addr
}

// Release forwards addr to the host allocator and, depending on the
// configured scheme, emits a release record correlated with whether this
// address was previously sampled.
func (s *Sampler) Release(addr uintptr) {
	if addr == 0 {
		return
	}

	ts := s.tsByGR.Get()

	if ts.inWrapper {
		s.ensureInit()
		s.host.Release(addr)
		return
	}

	s.ensureInit()
	ts.inWrapper = true
	defer func() { ts.inWrapper = false }()

	sec, nsec := emit.Timestamp(time.Now())

	switch {
	case s.cfg.Scheme == samplerconfig.SchemePoisson:
		tracked := s.poissonSet.ProbeAndRemove(addr)
		if tracked {
			s.emitter.WriteFree(sec, nsec, addr)
		}

	case s.cfg.Scheme == samplerconfig.SchemeStatelessHash:
		if ts.hash.Selected(addr) {
			s.emitter.WriteFree(sec, nsec, addr)
		}

	case s.cfg.Scheme == samplerconfig.SchemeCombined:
		poisTracked := s.poissonSet.ProbeAndRemove(addr)
		hashTracked := ts.hash.Selected(addr)
		if hashTracked {
			// The hash set has no bearing on the decision (recomputed
			// above, stateless by design); it only tracks which
			// hash-selected addresses are still outstanding, for
			// telemetry (Sampler.HashTrackedLive).
			if s.hashSet.ProbeAndRemove(addr) {
				atomic.AddInt64(&s.hashLiveCount, -1)
			}
		}
		s.emitter.WriteFreeCombined(sec, nsec, addr, poisTracked, hashTracked)

	default:
		s.emitter.WriteFree(sec, nsec, addr)
	}

	s.host.Release(addr)
}

// HashTrackedLive reports how many hash-selected addresses are currently
// believed outstanding, in combined mode. It is a best-effort telemetry
// figure (subject to the same saturation loss as the Poisson set), not
// part of any sampling decision.
func (s *Sampler) HashTrackedLive() int {
	return int(atomic.LoadInt64(&s.hashLiveCount))
}

// Finalize flushes any buffered records and, if timing was enabled,
// writes the accumulated timing summary to its configured destination.
// Callers should invoke Finalize once, at process shutdown.
func (s *Sampler) Finalize() error {
	if err := s.emitter.Flush(); err != nil {
		return err
	}
	return report.WriteSummary(s.cfg, s.timing)
}
