// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package gls provides a minimal goroutine-local storage facility. Go gives
// no supported API for per-OS-thread state (goroutines migrate across Ms),
// so per-goroutine identity stands in as the closest faithful analogue to
// per-thread sampler state.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
)

// ID returns an identifier for the calling goroutine, parsed out of the
// runtime-provided stack trace header ("goroutine NNN [running]:"). It is
// only ever used as a map key; callers must not assume the numeric value is
// stable across goroutine exit/reuse beyond the lifetime of the goroutine
// itself.
func ID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	buf = buf[len(prefix):]

	sp := bytes.IndexByte(buf, ' ')
	if sp < 0 {
		return 0
	}

	id, err := strconv.ParseInt(string(buf[:sp]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
