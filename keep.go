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

// Package keep provides hazard-tracked cells for building lock-free
// data structures: shared mutable values whose past contents remain
// readable for exactly as long as somebody still reads them.
//
// A cell (created by New) holds a sequence of mutations. Writing to the
// cell publishes a new mutation; reading takes a Guard over the current
// one. The displaced mutation is reclaimed when the cell can prove no
// guard still covers it, which the cell learns from its domain list: a
// grow-only registry where every read parks the handle of the mutation
// it is about to return. The reclamation decision for a mutation m is:
//
//   - m is current and the cell has accessors: keep it.
//   - the cell has no accessors left: free m unless it is registered;
//     if the whole registry is vacant, tear the cell down with it.
//   - otherwise: free m if it is not registered.
//
// The decision runs every time a write displaces a mutation and every
// time a guard is released, so each mutation's fate is settled by
// whichever of those events comes last.
//
// Mutations live in a per-cell generational arena rather than on the
// native heap. A mutation's identity is a handle (slot index plus the
// slot's generation at allocation), and freeing a slot advances its
// generation. That gives the kernel two properties raw pointers cannot:
// compare-and-swap on mutation identity is immune to allocator reuse,
// and a use of a stale handle is detected (it fails to resolve) instead
// of dereferencing recycled memory. The generation CAS also makes
// freeing one-shot, so racing reclamation paths cannot double-free.
//
// Readers register before they trust what they read. A read publishes
// the observed handle into the domain, then re-reads the cell; if the
// cell moved on in between, the registration came too late to be seen
// by the writer's registry scan, so the read withdraws it and retries.
// A guard returned by Read therefore covers a mutation that was
// provably current while registered, and no writer can have freed it.
// The value copy itself is a plain read bracketed by generation checks,
// so the race detector can report it against the plain zeroing write in
// free when a read races the cell's teardown; the flagged copy is the
// one the generation re-check discards, never one a guard carries out.
//
// A cell can also be empty: Clear removes the current value keyed on a
// guard, in the same compare-and-swap that proves the guard's copy is
// the value removed, and Fill installs into the vacancy. Emptiness is
// part of the cell's value sequence, not its lifecycle; an empty cell
// reads as (nil, false) through TryRead and still tears down normally.
//
// A Keep is a clonable owner handle for a cell, with one level of
// indirection shared by all clones. That indirection is what SwapWith
// and CloneFrom exploit: two Keeps can exchange entire cells, or one
// can rebind itself to another's cell, while guards (which reference
// the cell directly) keep reading what they were reading. The cell
// counts its Keeps; releasing the last one tears the cell down as soon
// as the registry drains. Identity swaps demand sole ownership of both
// handles; a cell shared through Clone takes new values by Write.
//
// Keeps and Guards are cheap, but they are handles, not values: create
// them with New/Read/Clone, never by copying, and Release each exactly
// once when done. A released handle must not be used again; uses that
// would be unsound panic rather than corrupt memory.
package keep

import "sync/atomic"

// cellSlot is the indirection shared by all clones of a Keep. Identity
// exchanges go through it: swapping the tracked pointers inside two
// cellSlots retargets every clone of both Keeps at once.
type cellSlot[T any] struct {
	t atomic.Pointer[tracked[T]]
}

// A Keep is a clonable owner handle to one cell. The zero value is not
// usable; create Keeps with New, Clone or CloneFrom.
//
// All methods are safe to call from multiple goroutines holding the
// same *Keep, except Release, which must be the handle's final use.
type Keep[T any] struct {
	slot     atomic.Pointer[cellSlot[T]]
	released bool
}

// A Marker captures the cell identity a Keep held at ReadMarked time.
// It gates SwapWithMarked the way a guard gates Exchange: the swap
// happens only if the Keep still holds the marked cell.
type Marker[T any] struct {
	t *tracked[T]
}

// New creates a cell holding v and returns its first Keep.
func New[T any](v T) *Keep[T] {
	t := newTracked(v)
	t.registerAccessor()
	cs := &cellSlot[T]{}
	cs.t.Store(t)
	k := &Keep[T]{}
	k.slot.Store(cs)
	return k
}

func (k *Keep[T]) cell() *tracked[T] {
	return k.slot.Load().t.Load()
}

// Read returns a guard over the cell's current value. Reading a cell
// that may have been emptied by Clear must go through TryRead; Read on
// an empty cell panics.
//
// A read can land on a cell that a CloneFrom or SwapWith is moving away
// from this Keep at the same moment. If that cell's new owner releases
// it before the read registers, the read fails and retries against
// whatever cell the Keep holds by then. Failing with the binding
// unchanged means the handle itself lost its cell, which only a misuse
// of Release can produce.
func (k *Keep[T]) Read() *Guard[T] {
	for {
		s := k.slot.Load()
		t := s.t.Load()
		switch g, res := t.load(); res {
		case loadDone:
			return g
		case loadEmpty:
			panic("keep: read of an empty cell")
		}
		if k.slot.Load() == s && s.t.Load() == t {
			panic("keep: read raced the teardown of its cell")
		}
	}
}

// TryRead is Read for cells that may be empty: it returns (nil, false)
// instead of panicking when the cell holds no value.
func (k *Keep[T]) TryRead() (*Guard[T], bool) {
	for {
		s := k.slot.Load()
		t := s.t.Load()
		switch g, res := t.load(); res {
		case loadDone:
			return g, true
		case loadEmpty:
			return nil, false
		}
		if k.slot.Load() == s && s.t.Load() == t {
			panic("keep: read raced the teardown of its cell")
		}
	}
}

// ReadMarked returns a guard over the current value together with a
// marker for the cell's identity.
func (k *Keep[T]) ReadMarked() (*Guard[T], Marker[T]) {
	for {
		s := k.slot.Load()
		t := s.t.Load()
		switch g, res := t.load(); res {
		case loadDone:
			return g, Marker[T]{t: t}
		case loadEmpty:
			panic("keep: read of an empty cell")
		}
		if k.slot.Load() == s && s.t.Load() == t {
			panic("keep: read raced the teardown of its cell")
		}
	}
}

// Write publishes v. The displaced value stays readable through any
// guards that cover it and is reclaimed once they release. Writing an
// empty cell fills it.
func (k *Keep[T]) Write(v T) {
	k.cell().store(v)
}

// Swap publishes v and returns a guard over the displaced value, or nil
// when the cell was empty.
func (k *Keep[T]) Swap(v T) *Guard[T] {
	return k.cell().swap(v)
}

// Exchange publishes v only if cur still guards the current value. On
// success it returns (guard over the displaced value, true); otherwise
// (guard over the actual current value, false), with a nil guard when
// the cell was cleared instead of overwritten. Either returned guard
// must be released by the caller, as must cur itself.
func (k *Keep[T]) Exchange(cur *Guard[T], v T) (*Guard[T], bool) {
	return k.cell().exchange(cur, v)
}

// Clear empties the cell, but only if cur still guards the current
// value. The removal of the value and its capture are one compare and
// swap: after a successful Clear, cur holds exactly the value the cell
// was emptied of, with no window for a concurrent Write or Exchange to
// slip a different value between the two. An empty cell reads as
// (nil, false) through TryRead until a Fill or Write lands.
func (k *Keep[T]) Clear(cur *Guard[T]) bool {
	return k.cell().clear(cur)
}

// Fill installs v into an empty cell and reports whether it did. A cell
// that holds a value, including one a racing Fill just installed, is
// left alone.
func (k *Keep[T]) Fill(v T) bool {
	return k.cell().fill(v)
}

// SwapWith exchanges the cells of k and other. Guards taken through
// either Keep are unaffected: they follow the cell, not the handle.
//
// Identity swaps move cells between handles but leave each cell's
// accessor count where it is, which balances only while every handle
// involved is its cell's sole owner. Neither k nor other may have live
// clones, and a swap must not race a Clone or Release on either.
func (k *Keep[T]) SwapWith(other *Keep[T]) {
	a := k.slot.Load().t.Load()
	b := other.slot.Load().t.Swap(a)
	k.slot.Load().t.Store(b)
}

// SwapWithMarked is SwapWith gated on k still holding the cell captured
// in m. It reports whether the exchange happened. SwapWith's sole-owner
// requirement applies to both handles.
func (k *Keep[T]) SwapWithMarked(m Marker[T], other *Keep[T]) bool {
	otherT := other.slot.Load().t.Load()
	if k.slot.Load().t.CompareAndSwap(m.t, otherT) {
		other.slot.Load().t.Store(m.t)
		return true
	}
	return false
}

// CloneFrom rebinds k to other's cell, so the two afterwards share it
// clone-like, and returns a fresh Keep owning the cell k held before.
// Guards taken through k before the rebind stay valid; they cover the
// old cell, which the returned Keep now owns.
func (k *Keep[T]) CloneFrom(other *Keep[T]) *Keep[T] {
	os := other.slot.Load()
	os.t.Load().registerAccessor()
	old := k.slot.Swap(os)
	ret := &Keep[T]{}
	ret.slot.Store(old)
	return ret
}

// Clone registers another Keep on the same cell. Clones share identity:
// a SwapWith through one retargets all of them.
func (k *Keep[T]) Clone() *Keep[T] {
	k.cell().registerAccessor()
	c := &Keep[T]{}
	c.slot.Store(k.slot.Load())
	return c
}

// Release unbinds the handle from its cell. Releasing the last Keep of
// a cell whose registry has drained tears the cell down; with guards
// still outstanding, teardown happens when the last of them releases.
// Release must be the handle's final use.
func (k *Keep[T]) Release() {
	if k.released {
		panic("keep: release of a released Keep")
	}
	k.released = true
	t := k.cell()
	if t.unregisterAccessor() && t.isDead() {
		t.destroy()
	}
}
