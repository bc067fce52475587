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

import (
	"fmt"
	"sync/atomic"
)

// tracked is one concurrently mutable cell: the current mutation, the
// count of Keep handles bound to the cell, and the domain list where
// readers register the mutation they hold. All of the cell's mutations
// live in its own arena and die with it.
type tracked[T any] struct {
	accessors atomic.Int64
	current   atomic.Uint64
	domain    *anode
	arena     arena[T]
}

func newTracked[T any](v T) *tracked[T] {
	t := &tracked[T]{domain: newAccessorList()}
	t.current.Store(uint64(t.arena.alloc(v)))
	return t
}

func (t *tracked[T]) registerAccessor() {
	t.accessors.Add(1)
}

// unregisterAccessor reports whether the caller removed the last
// accessor.
func (t *tracked[T]) unregisterAccessor() bool {
	return t.accessors.Add(-1) == 0
}

// loadResult is the three-way answer of tracked.load.
type loadResult uint8

const (
	loadDone loadResult = iota
	loadFailed
	loadEmpty
)

// load registers the current mutation in the domain and hands out a
// guard over it. The registration is only trusted after re-reading
// current: a writer that displaced the mutation between our first read
// and our registration scanned the domain before the registration was
// visible, and may already have freed the mutation. When that happens
// the registration is withdrawn and the read retried; withdrawing also
// re-runs the reclamation decision, since the writer may instead have
// seen our transient registration and skipped the free on our account.
//
// A cell whose current handle is nil holds no mutation at all (it was
// emptied by clear). That state is definite, not transient: load reports
// loadEmpty without registering anything, since the nil handle is the
// domain's vacant-slot marker and must never be parked in it.
//
// Cell teardown frees the current mutation without changing current, so
// the re-read alone cannot rule it out. A registration that re-validates
// but no longer resolves lost that race; load withdraws it and reports
// loadFailed, and the caller decides whether its handle has moved on to
// a different cell.
//
// The value is copied out between two generation checks. Freeing bumps
// the generation before it clears the slot, so a copy made while the
// generation still matched the handle afterwards cannot have overlapped
// the clear; a copy that raced one is discarded with the registration.
func (t *tracked[T]) load() (*Guard[T], loadResult) {
	for {
		h := handle(t.current.Load())
		if h == nilHandle {
			return nil, loadEmpty
		}
		n := t.domain.insert(uint64(h))
		if handle(t.current.Load()) == h {
			if s := t.arena.resolve(h); s != nil {
				v := s.value
				if s.gen.Load() == h.generation() {
					return &Guard[T]{v: v, h: h, t: t, node: n}, loadDone
				}
			}
			n.clearValue(uint64(h))
			return nil, loadFailed
		}
		n.clearValue(uint64(h))
		t.tryDrop(h)
	}
}

// store publishes a new mutation and routes the displaced one into
// reclamation. Storing into an empty cell fills it; there is nothing to
// reclaim.
func (t *tracked[T]) store(v T) {
	h := t.arena.alloc(v)
	old := handle(t.current.Swap(uint64(h)))
	if old != nilHandle {
		t.tryDrop(old)
	}
}

// swap publishes a new mutation and returns a guard over the displaced
// one, or nil when the cell was empty. The displaced mutation is
// registered before it is displaced: registering after would leave a
// window where a concurrent reclamation decision sees it unregistered
// and superseded, and frees it out from under the guard.
func (t *tracked[T]) swap(v T) *Guard[T] {
	h := t.arena.alloc(v)
	for {
		old := handle(t.current.Load())
		if old == nilHandle {
			if t.current.CompareAndSwap(uint64(nilHandle), uint64(h)) {
				return nil
			}
			continue
		}
		n := t.domain.insert(uint64(old))
		if t.current.CompareAndSwap(uint64(old), uint64(h)) {
			return newGuard(t, old, n)
		}
		n.clearValue(uint64(old))
		t.tryDrop(old)
	}
}

// exchange publishes a new mutation only if cur still guards the
// current one. On success the second result is true and the guard
// covers the displaced mutation, which cur also still guards. On
// failure the speculative mutation is recycled (it was never published)
// and the guard covers whatever is current instead, or is nil when the
// cell was cleared out from under cur.
func (t *tracked[T]) exchange(cur *Guard[T], v T) (*Guard[T], bool) {
	h := t.arena.alloc(v)
	if t.current.CompareAndSwap(uint64(cur.h), uint64(h)) {
		n := t.domain.insert(uint64(cur.h))
		return newGuard(t, cur.h, n), true
	}
	t.arena.free(h)
	g, res := t.load()
	if res == loadFailed {
		// cur's registration pins the cell: it cannot be torn down
		// while the caller holds a guard on it.
		panic("keep: cell torn down during exchange")
	}
	return g, false
}

// clear empties the cell only if cur still guards the current mutation.
// The kill and the value capture are the same CAS: a successful clear
// proves cur's copy is the value the cell held at the instant it was
// emptied, and cur's registration keeps that mutation alive until the
// guard releases.
func (t *tracked[T]) clear(cur *Guard[T]) bool {
	if !t.current.CompareAndSwap(uint64(cur.h), uint64(nilHandle)) {
		return false
	}
	t.tryDrop(cur.h)
	return true
}

// fill installs a mutation into an empty cell. The loser of a racing
// fill recycles its speculative allocation, like a failed exchange.
func (t *tracked[T]) fill(v T) bool {
	h := t.arena.alloc(v)
	if t.current.CompareAndSwap(uint64(nilHandle), uint64(h)) {
		return true
	}
	t.arena.free(h)
	return false
}

// tryDrop runs the reclamation decision for h: free it unless it is
// still current with live accessors, or some reader has it registered.
// When the cell has no accessors left and the domain is entirely
// vacant, the cell itself is torn down.
func (t *tracked[T]) tryDrop(h handle) {
	acc := t.accessors.Load()
	if handle(t.current.Load()) == h && acc != 0 {
		return
	}

	if acc == 0 {
		switch t.domain.scan(uint64(h)) {
		case scanAbsent:
			t.arena.free(h)
		case scanEmptyList:
			if t.arena.free(h) {
				t.destroy()
			}
		case scanFound:
		}
	} else if !t.domain.contains(uint64(h)) {
		t.arena.free(h)
	}
}

func (t *tracked[T]) isDead() bool {
	return t.accessors.Load() == 0 && t.domain.isAllEmpty()
}

// destroy frees the current mutation. The generation CAS inside free
// keeps overlapping teardown attempts one-shot; the arena and the
// domain list become garbage with the cell.
func (t *tracked[T]) destroy() {
	t.arena.free(handle(t.current.Load()))
}

func newGuard[T any](t *tracked[T], h handle, n *anode) *Guard[T] {
	s := t.arena.resolve(h)
	if s == nil {
		panic(fmt.Sprintf("keep: mutation %#x vanished while registered", uint64(h)))
	}
	v := s.value
	if s.gen.Load() != h.generation() {
		panic(fmt.Sprintf("keep: mutation %#x vanished while registered", uint64(h)))
	}
	return &Guard[T]{v: v, h: h, t: t, node: n}
}
