// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package hostalloc

import (
	"crypto/sha256"
	"io"

	ctrdrbg "github.com/sixafter/aes-ctr-drbg"
	"golang.org/x/crypto/hkdf"
)

// NewSecureArena returns an Arena whose base address is derived from a
// NIST SP 800-90A AES-CTR-DRBG instance, itself seeded via HKDF from seed.
// Unlike NewRandomizedArena (fast, non-cryptographic ChaCha PRNG), this
// constructor is for callers — fuzzing harnesses chief among them — who
// must not let a predictable address layout leak into logs they publish.
func NewSecureArena(seed []byte) (*Arena, error) {
	kdf := hkdf.New(sha256.New, seed, nil, []byte("allocsampler-hostalloc-secure-arena"))
	material := make([]byte, 32)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, err
	}

	reader, err := ctrdrbg.NewReader(ctrdrbg.WithPersonalization(material))
	if err != nil {
		return nil, err
	}

	var buf [8]byte
	if _, err := reader.Read(buf[:]); err != nil {
		return nil, err
	}

	var base uint64
	for _, b := range buf {
		base = (base << 8) | uint64(b)
	}
	base &= 0x0000_7fff_ffff_0000

	return NewArena(uintptr(base)), nil
}
