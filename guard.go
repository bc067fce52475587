// Copyright 2024 The Cockroach Authors
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

package keep

import "fmt"

// A Guard is a stable read handle over one mutation of a cell. The
// value it holds never changes, no matter how many writes the cell
// absorbs after the guard was taken; the mutation stays registered
// until the guard (and every clone of it) is released.
//
// A Guard is owned by one goroutine. Share the cell, not the guard:
// take a separate guard per goroutine, or Clone one.
type Guard[T any] struct {
	v        T
	h        handle
	t        *tracked[T]
	node     *anode
	released bool
}

// Value returns the guarded value. It panics if the guard was released.
func (g *Guard[T]) Value() T {
	if g.released {
		panic("keep: guard used after release")
	}
	return g.v
}

// Clone registers a second, independently released guard over the same
// mutation.
func (g *Guard[T]) Clone() *Guard[T] {
	if g.released {
		panic("keep: guard used after release")
	}
	n := g.node.head.insert(uint64(g.h))
	return &Guard[T]{v: g.v, h: g.h, t: g.t, node: n}
}

// Release withdraws the registration and runs the reclamation decision
// for the guarded mutation. Releasing an already released guard is a
// no-op, so deferring Release after an explicit one is safe.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.node.clearValue(uint64(g.h))
	g.t.tryDrop(g.h)
}

func (g *Guard[T]) String() string {
	return fmt.Sprint(g.Value())
}

// Equal reports whether two guards dereference to equal values.
func Equal[T comparable](a, b *Guard[T]) bool {
	return a.Value() == b.Value()
}
