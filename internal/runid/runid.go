// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package runid generates short, URL-safe, collision-resistant run
// identifiers used to tag one sampler run's entries in an appended
// timing-summary file. It is the allocation-free-after-warmup ID
// generator pattern, trimmed to the ASCII alphabet a run identifier
// always uses (no multibyte alphabet support is needed here).
package runid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"sync"
)

// DefaultGenerator is a global, shared instance of a run ID generator. It
// is safe for concurrent use.
var DefaultGenerator Generator

// New returns a new run ID using DefaultLength.
func New() (string, error) {
	return NewWithLength(DefaultLength)
}

// NewWithLength returns a new run ID of the specified length.
func NewWithLength(length int) (string, error) {
	return DefaultGenerator.New(length)
}

// Must returns a new run ID using DefaultLength, panicking on error. It
// simplifies initialization of package-level run tags.
func Must() string {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

func init() {
	var err error
	DefaultGenerator, err = NewGenerator(WithAlphabet(DefaultAlphabet))
	if err != nil {
		panic(fmt.Sprintf("runid: failed to initialize DefaultGenerator: %v", err))
	}
}

var (
	ErrDuplicateCharacters = errors.New("duplicate characters in alphabet")
	ErrExceededMaxAttempts = errors.New("exceeded maximum attempts")
	ErrInvalidLength       = errors.New("invalid length")
	ErrInvalidAlphabet     = errors.New("invalid alphabet")
	ErrNonASCIIAlphabet    = errors.New("alphabet contains non-ASCII characters")
	ErrAlphabetTooShort    = errors.New("alphabet length is less than 2")
	ErrAlphabetTooLong     = errors.New("alphabet length exceeds 256")
	ErrNilRandReader       = errors.New("nil random reader")
)

const (
	// DefaultAlphabet is URL-safe and log-safe: no characters that need
	// escaping in a CSV-ish emitted record or a filename.
	DefaultAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// DefaultLength is the default run ID length.
	DefaultLength = 12

	maxAttemptsMultiplier = 10

	MinAlphabetLength = 2
	MaxAlphabetLength = 256
)

// Option configures a Generator.
type Option func(*ConfigOptions)

// WithAlphabet sets a custom alphabet for the Generator.
func WithAlphabet(alphabet string) Option {
	return func(c *ConfigOptions) { c.Alphabet = alphabet }
}

// WithRandReader sets a custom random reader for the Generator.
func WithRandReader(reader io.Reader) Option {
	return func(c *ConfigOptions) { c.RandReader = reader }
}

// ConfigOptions holds the configurable options for the Generator, used
// with the functional-options pattern.
type ConfigOptions struct {
	RandReader io.Reader
	Alphabet   string
}

// runtimeConfig holds the generator's immutable-after-construction state.
type runtimeConfig struct {
	randReader       io.Reader
	alphabet         []byte
	mask             uint
	bitsNeeded       uint
	bytesNeeded      uint
	bufferSize       int
	bufferMultiplier int
	alphabetLen      uint16
	isPowerOfTwo     bool
}

// Generator generates run IDs.
type Generator interface {
	New(length int) (string, error)
}

type generator struct {
	config          *runtimeConfig
	randomBytesPool *sync.Pool
	idPool          *sync.Pool
}

// NewGenerator creates a new Generator with buffer pooling enabled.
func NewGenerator(options ...Option) (Generator, error) {
	configOpts := &ConfigOptions{
		Alphabet:   DefaultAlphabet,
		RandReader: rand.Reader,
	}
	for _, opt := range options {
		opt(configOpts)
	}
	if configOpts.RandReader == nil {
		return nil, ErrNilRandReader
	}

	cfg, err := buildRuntimeConfig(configOpts)
	if err != nil {
		return nil, err
	}

	randomBytesPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.bufferSize*cfg.bufferMultiplier)
			return &buf
		},
	}
	idPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, cfg.bufferSize*cfg.bufferMultiplier)
			return &buf
		},
	}

	return &generator{config: cfg, randomBytesPool: randomBytesPool, idPool: idPool}, nil
}

func buildRuntimeConfig(opts *ConfigOptions) (*runtimeConfig, error) {
	if len(opts.Alphabet) == 0 {
		return nil, ErrInvalidAlphabet
	}

	alphabet := []byte(opts.Alphabet)
	for _, b := range alphabet {
		if b > 0x7F {
			return nil, ErrNonASCIIAlphabet
		}
	}

	seen := make(map[byte]bool, len(alphabet))
	for _, b := range alphabet {
		if seen[b] {
			return nil, ErrDuplicateCharacters
		}
		seen[b] = true
	}

	if len(alphabet) > MaxAlphabetLength {
		return nil, ErrAlphabetTooLong
	}
	if len(alphabet) < MinAlphabetLength {
		return nil, ErrAlphabetTooShort
	}

	bitsNeeded := uint(bits.Len(uint(len(alphabet) - 1)))
	if bitsNeeded == 0 {
		return nil, ErrInvalidAlphabet
	}
	mask := uint((1 << bitsNeeded) - 1)
	bytesNeeded := (bitsNeeded + 7) / 8
	isPowerOfTwo := (len(alphabet) & (len(alphabet) - 1)) == 0

	bufferMultiplier := int(math.Ceil(math.Log2(float64(DefaultLength) + 2.0)))
	bufferSize := bufferMultiplier * int(bytesNeeded) * 2

	return &runtimeConfig{
		randReader:       opts.RandReader,
		alphabet:         alphabet,
		mask:             mask,
		bitsNeeded:       bitsNeeded,
		bytesNeeded:      bytesNeeded,
		bufferSize:       bufferSize,
		bufferMultiplier: bufferMultiplier,
		alphabetLen:      uint16(len(alphabet)),
		isPowerOfTwo:     isPowerOfTwo,
	}, nil
}

func (g *generator) processRandomBytes(randomBytes []byte, i int) uint {
	switch g.config.bytesNeeded {
	case 1:
		return uint(randomBytes[i])
	case 2:
		return uint(binary.BigEndian.Uint16(randomBytes[i : i+2]))
	case 4:
		return uint(binary.BigEndian.Uint32(randomBytes[i : i+4]))
	default:
		var rnd uint
		for j := 0; j < int(g.config.bytesNeeded); j++ {
			rnd = (rnd << 8) | uint(randomBytes[i+j])
		}
		return rnd
	}
}

// New generates a run ID of the specified length.
func (g *generator) New(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	idPtr := g.idPool.Get().(*[]byte)
	var id []byte
	if cap(*idPtr) >= length {
		id = (*idPtr)[:length]
	} else {
		id = make([]byte, length)
	}

	randomBytesPtr := g.randomBytesPool.Get().(*[]byte)
	randomBytes := *randomBytesPtr
	bufferLen := len(randomBytes)

	cursor := 0
	maxAttempts := length * maxAttemptsMultiplier
	mask := g.config.mask
	bytesNeeded := g.config.bytesNeeded
	isPowerOfTwo := g.config.isPowerOfTwo

	success := false
	defer func() {
		g.randomBytesPool.Put(randomBytesPtr)
		if cap(*idPtr) >= length {
			g.idPool.Put(idPtr)
		}
		_ = success
	}()

	for attempts := 0; cursor < length && attempts < maxAttempts; attempts++ {
		neededBytes := (length - cursor) * int(bytesNeeded)
		if neededBytes > bufferLen {
			neededBytes = bufferLen
		}

		if _, err := g.config.randReader.Read(randomBytes[:neededBytes]); err != nil {
			return "", err
		}

		for i := 0; i < neededBytes && cursor < length; i += int(bytesNeeded) {
			rnd := g.processRandomBytes(randomBytes, i)
			rnd &= mask

			if isPowerOfTwo || int(rnd) < int(g.config.alphabetLen) {
				id[cursor] = g.config.alphabet[rnd]
				cursor++
			}
		}
	}

	if cursor < length {
		return "", ErrExceededMaxAttempts
	}

	success = true
	return string(id[:cursor]), nil
}
