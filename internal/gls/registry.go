// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package gls

import "sync"

// Registry lazily constructs and caches one value of type T per goroutine.
// It is safe for concurrent use across many goroutines; the sync.Map is
// optimized for exactly this access pattern (a stable, growing set of keys
// that are mostly read after their first write).
type Registry[T any] struct {
	entries sync.Map // map[int64]*T
	New     func() *T
}

// NewRegistry returns a Registry whose entries are constructed on first
// access by newFn.
func NewRegistry[T any](newFn func() *T) *Registry[T] {
	return &Registry[T]{New: newFn}
}

// Get returns the calling goroutine's entry, constructing it via New on
// first access.
func (r *Registry[T]) Get() *T {
	id := ID()
	if v, ok := r.entries.Load(id); ok {
		return v.(*T)
	}
	v, _ := r.entries.LoadOrStore(id, r.New())
	return v.(*T)
}

// Delete removes the calling goroutine's entry, if any. It exists so tests
// can simulate goroutine exit without waiting for GC of unreachable keys.
func (r *Registry[T]) Delete() {
	r.entries.Delete(ID())
}

// Len reports the number of live entries. Intended for tests only.
func (r *Registry[T]) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
