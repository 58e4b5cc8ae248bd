// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

//go:build unix

package timing

import "golang.org/x/sys/unix"

// monotonicNanos reads CLOCK_MONOTONIC directly via golang.org/x/sys/unix
// rather than time.Now(), standing in for a hardware cycle counter on
// platforms where one isn't reachable without assembly or cgo.
func monotonicNanos() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return Now()
	}
	return ts.Nano()
}
