// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

//go:build !unix

package timing

// monotonicNanos falls back to the standard library's monotonic clock
// reading on non-Unix targets (Windows), where golang.org/x/sys/unix is
// unavailable.
func monotonicNanos() int64 {
	return Now()
}
