// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package numeric holds small generic numeric helpers shared by packages
// that need ordered comparisons or power-of-two rounding over more than
// one integer type.
package numeric

import "golang.org/x/exp/constraints"

// Max returns the larger of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// NextPowerOfTwo returns the smallest power of two greater than or equal
// to n. n <= 1 returns 1.
func NextPowerOfTwo[T constraints.Integer](n T) T {
	p := T(1)
	for p < n {
		p <<= 1
	}
	return p
}
