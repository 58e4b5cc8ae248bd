// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package samplerconfig reads the sampler's configuration from the
// environment at init, with a functional-option layer for programmatic
// overrides.
package samplerconfig

import (
	"os"
	"strconv"
)

// Scheme selects which sampler(s) the interposer consults.
type Scheme int

const (
	// SchemeNone disables sampling: every allocation and release is
	// logged with its raw size.
	SchemeNone Scheme = iota
	// SchemeStatelessHash selects the address-hash sampler.
	SchemeStatelessHash
	// SchemePoisson selects the Poisson-by-bytes sampler.
	SchemePoisson
	// SchemeCombined runs both samplers in parallel over the same
	// event stream, for A/B comparison.
	SchemeCombined
	// SchemeHybrid is a reserved variant: accepted as a configuration
	// value but dispatched identically to SchemeNone.
	SchemeHybrid
	// SchemePageHash is a reserved variant: accepted as a configuration
	// value but dispatched identically to SchemeNone.
	SchemePageHash
)

// String returns the environment-variable spelling of the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "NONE"
	case SchemeStatelessHash:
		return "STATELESS_HASH"
	case SchemePoisson:
		return "POISSON"
	case SchemeCombined:
		return "COMBINED"
	case SchemeHybrid:
		return "HYBRID"
	case SchemePageHash:
		return "PAGE_HASH"
	default:
		return "UNKNOWN"
	}
}

// IsReserved reports whether the scheme is a declared-but-unimplemented
// variant (HYBRID, PAGE_HASH): accepted by configuration, but the
// interposer treats it as SchemeNone for emission semantics.
func (s Scheme) IsReserved() bool {
	return s == SchemeHybrid || s == SchemePageHash
}

func parseScheme(s string) (Scheme, bool) {
	switch s {
	case "", "NONE":
		return SchemeNone, true
	case "STATELESS_HASH":
		return SchemeStatelessHash, true
	case "POISSON":
		return SchemePoisson, true
	case "COMBINED":
		return SchemeCombined, true
	case "HYBRID":
		return SchemeHybrid, true
	case "PAGE_HASH":
		return SchemePageHash, true
	default:
		return SchemeNone, false
	}
}

// Environment variable names read at init.
const (
	EnvScheme      = "SAMPLER_SCHEME"
	EnvPoissonMean = "SAMPLER_POISSON_MEAN_BYTES"
	EnvStatsFile   = "SAMPLER_STATS_FILE"
	EnvTiming      = "SAMPLER_TIMING"
)

// DefaultPoissonMeanBytes is used when SAMPLER_POISSON_MEAN_BYTES is unset
// or invalid.
const DefaultPoissonMeanBytes int64 = 4096

// Config holds the sampler's runtime configuration, read once from the
// environment and optionally overridden by functional Options. It is
// immutable after construction.
type Config struct {
	Scheme           Scheme
	PoissonMeanBytes int64
	StatsFile        string
	TimingEnabled    bool
}

// Option configures a Config during Load.
type Option func(*Config)

// WithScheme overrides the sampling scheme.
func WithScheme(s Scheme) Option {
	return func(c *Config) { c.Scheme = s }
}

// WithPoissonMeanBytes overrides the Poisson mean.
func WithPoissonMeanBytes(mean int64) Option {
	return func(c *Config) { c.PoissonMeanBytes = mean }
}

// WithStatsFile overrides the stats-file destination hint.
func WithStatsFile(path string) Option {
	return func(c *Config) { c.StatsFile = path }
}

// WithTiming overrides whether cycle-counter instrumentation is enabled.
func WithTiming(enabled bool) Option {
	return func(c *Config) { c.TimingEnabled = enabled }
}

// Load reads the environment and applies opts on top, with later options
// taking precedence over earlier ones and all options taking precedence
// over environment defaults.
func Load(opts ...Option) Config {
	cfg := Config{
		Scheme:           SchemeNone,
		PoissonMeanBytes: DefaultPoissonMeanBytes,
		StatsFile:        os.Getenv(EnvStatsFile),
		TimingEnabled:    false,
	}

	if raw, ok := os.LookupEnv(EnvScheme); ok {
		if scheme, valid := parseScheme(raw); valid {
			cfg.Scheme = scheme
		}
	}

	if raw, ok := os.LookupEnv(EnvPoissonMean); ok {
		if mean, err := strconv.ParseInt(raw, 10, 64); err == nil && mean > 0 {
			cfg.PoissonMeanBytes = mean
		}
	}

	if raw, ok := os.LookupEnv(EnvTiming); ok {
		cfg.TimingEnabled = raw == "1"
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}
