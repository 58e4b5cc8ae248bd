// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package timing implements the optional cycle-counter instrumentation:
// per-scheme, per-phase call/cycle/min/max/fired counters, and an
// end-of-run summary. Go has no portable serialized hardware cycle counter
// reachable without assembly or cgo, so the "cycle" unit here is
// monotonic nanoseconds, sourced from the platform's clock_gettime where
// available.
package timing

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/allocsampler/allocsampler/internal/numeric"
)

// Phase distinguishes the allocate and release paths, which are timed and
// reported separately.
type Phase int

const (
	PhaseAllocate Phase = iota
	PhaseRelease
)

func (p Phase) String() string {
	if p == PhaseAllocate {
		return "allocate"
	}
	return "release"
}

// Scheme names the sampler a counter set belongs to, kept as a plain
// string here (rather than importing samplerconfig.Scheme) so this package
// has no dependency on sampler configuration.
type Scheme string

// counters holds one scheme/phase's atomic statistics.
type counters struct {
	calls       int64
	totalCycles int64
	minCycles   int64
	maxCycles   int64
	samples     int64
}

// key identifies one (scheme, phase) counter set.
type key struct {
	scheme Scheme
	phase  Phase
}

// Recorder accumulates per-scheme, per-phase timing statistics. It is safe
// for concurrent use: every field update goes through sync/atomic, and the
// map of counter sets is built once at construction (never mutated after),
// so no lock is needed for the lookup itself.
type Recorder struct {
	enabled bool
	sets    map[key]*counters
}

// NewRecorder returns a Recorder pre-populated with one counters struct per
// (scheme, phase) pair in schemes. If enabled is false, Record is a no-op
// (the single branch the hot path pays when timing is disabled).
func NewRecorder(enabled bool, schemes []Scheme) *Recorder {
	r := &Recorder{enabled: enabled, sets: make(map[key]*counters, len(schemes)*2)}
	for _, s := range schemes {
		r.sets[key{s, PhaseAllocate}] = &counters{minCycles: math.MaxInt64}
		r.sets[key{s, PhaseRelease}] = &counters{minCycles: math.MaxInt64}
	}
	return r
}

// Enabled reports whether this recorder accumulates statistics.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// clockBase anchors Now to the standard library's monotonic clock reading.
var clockBase = time.Now()

// Now returns a monotonic instant, in nanoseconds since package
// initialization, suitable for bracketing a sampler call.
func Now() int64 {
	return int64(time.Since(clockBase))
}

// MonotonicNanos returns a platform-appropriate monotonic nanosecond
// reading (CLOCK_MONOTONIC via golang.org/x/sys/unix where available),
// used to bracket a sampler call for Record.
func MonotonicNanos() int64 {
	return monotonicNanos()
}

// Record folds one sampler-call observation into the (scheme, phase)
// counter set. cycles is typically MonotonicNanos() taken before the call
// subtracted from MonotonicNanos() taken after. fired indicates whether the sampler actually
// selected this allocation/release.
func (r *Recorder) Record(scheme Scheme, phase Phase, cycles int64, fired bool) {
	if !r.Enabled() {
		return
	}
	c, ok := r.sets[key{scheme, phase}]
	if !ok {
		return
	}

	atomic.AddInt64(&c.calls, 1)
	atomic.AddInt64(&c.totalCycles, cycles)
	if fired {
		atomic.AddInt64(&c.samples, 1)
	}
	casMin(&c.minCycles, cycles)
	casMax(&c.maxCycles, cycles)
}

// casMin updates *addr to min(*addr, v) via a compare-and-swap retry loop.
// A race here can at most mis-report by one sample, which is acceptable for
// a diagnostic counter.
func casMin(addr *int64, v int64) {
	for {
		old := atomic.LoadInt64(addr)
		if v >= old {
			return
		}
		if atomic.CompareAndSwapInt64(addr, old, v) {
			return
		}
	}
}

func casMax(addr *int64, v int64) {
	for {
		old := atomic.LoadInt64(addr)
		if v <= old {
			return
		}
		if atomic.CompareAndSwapInt64(addr, old, v) {
			return
		}
	}
}

// Stats is a snapshot of one (scheme, phase) counter set.
type Stats struct {
	Scheme      Scheme
	Phase       Phase
	Calls       int64
	TotalCycles int64
	MinCycles   int64
	MaxCycles   int64
	Samples     int64
}

// AverageCycles returns TotalCycles/Calls, or 0 if there were no calls.
func (s Stats) AverageCycles() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.TotalCycles) / float64(s.Calls)
}

// Snapshot returns a stable copy of all counter sets, in no particular
// order.
func (r *Recorder) Snapshot() []Stats {
	if r == nil {
		return nil
	}
	out := make([]Stats, 0, len(r.sets))
	for k, c := range r.sets {
		min := atomic.LoadInt64(&c.minCycles)
		if atomic.LoadInt64(&c.calls) == 0 {
			min = 0
		}
		out = append(out, Stats{
			Scheme:      k.scheme,
			Phase:       k.phase,
			Calls:       atomic.LoadInt64(&c.calls),
			TotalCycles: atomic.LoadInt64(&c.totalCycles),
			MinCycles:   min,
			MaxCycles:   atomic.LoadInt64(&c.maxCycles),
			Samples:     atomic.LoadInt64(&c.samples),
		})
	}
	return out
}

// Compare reports which of a and b had the lower average cycles per call
// and by what factor, for a two-scheme head-to-head comparison. It returns
// a zero Scheme and ratio 0 if either counter set saw no calls.
func Compare(a, b Stats) (faster Scheme, times float64) {
	avgA, avgB := a.AverageCycles(), b.AverageCycles()
	lower := numeric.Min(avgA, avgB)
	if lower <= 0 {
		return "", 0
	}
	higher := numeric.Max(avgA, avgB)
	if avgA <= avgB {
		return a.Scheme, higher / lower
	}
	return b.Scheme, higher / lower
}

// Summary writes a per-scheme, per-phase averages table and a head-to-head
// comparison to w, in the style of an end-of-process diagnostic dump. It is
// formatting only; Summary itself performs no timing.
func (r *Recorder) Summary(w io.Writer) {
	if r == nil {
		return
	}
	snap := r.Snapshot()
	for _, s := range snap {
		fmt.Fprintf(w, "scheme=%s phase=%s calls=%d avg_ns=%.1f min_ns=%d max_ns=%d fired=%d\n",
			s.Scheme, s.Phase, s.Calls, s.AverageCycles(), s.MinCycles, s.MaxCycles, s.Samples)
	}

	byScheme := make(map[Scheme]Stats)
	for _, s := range snap {
		if s.Phase == PhaseAllocate && s.Calls > 0 {
			byScheme[s.Scheme] = s
		}
	}
	poisson, hasPoisson := byScheme["poisson"]
	hash, hasHash := byScheme["hash"]
	if hasPoisson && hasHash {
		faster, times := Compare(poisson, hash)
		if faster != "" {
			fmt.Fprintf(w, "comparison: %s averaged %.2fx fewer cycles per allocate call\n", faster, times)
		}
	}
}
