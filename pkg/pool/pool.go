// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool provides a bounded object pool. Unlike sync.Pool it keeps at
// most a fixed number of idle objects and never drops them on GC, which makes
// the retained memory predictable for per-connection buffers.
package pool

// Pool holds up to a fixed number of idle objects of type T. It is safe for
// concurrent use.
type Pool[T any] struct {
	idle    chan T
	newFn   func() T
	resetFn func(T) T
}

// New creates a pool that keeps at most capacity idle objects.
//
//   - newFn allocates a fresh object when the pool is empty.
//   - resetFn, if non-nil, is applied to objects on Release; it may return a
//     different value (e.g. a re-sliced buffer).
//
// With capacity 0 the pool degrades to plain allocation and Release discards
// everything.
func New[T any](capacity int, newFn func() T, resetFn func(T) T) *Pool[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool[T]{
		idle:    make(chan T, capacity),
		newFn:   newFn,
		resetFn: resetFn,
	}
}

// Acquire returns an idle object or a newly allocated one.
func (p *Pool[T]) Acquire() T {
	select {
	case v := <-p.idle:
		return v
	default:
		return p.newFn()
	}
}

// Release returns v to the pool. If the pool is full v is discarded.
func (p *Pool[T]) Release(v T) {
	if p.resetFn != nil {
		v = p.resetFn(v)
	}
	select {
	case p.idle <- v:
	default:
	}
}

// Idle returns the number of objects currently held by the pool.
func (p *Pool[T]) Idle() int {
	return len(p.idle)
}

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int {
	return cap(p.idle)
}
