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
	"math/bits"
	"sync/atomic"
)

// handle identifies one mutation in an arena. The low 32 bits hold the
// slot index plus one, so the zero handle never names a valid slot. The
// high 32 bits hold the generation the slot had when the mutation was
// allocated. A slot's generation advances every time it is freed, which
// makes handle equality a safe identity test: a handle to a recycled
// slot never compares equal to a handle of the slot's current occupant,
// and resolving it fails instead of returning someone else's value.
type handle uint64

const nilHandle handle = 0

func makeHandle(gen, idx uint32) handle {
	return handle(uint64(gen)<<32 | uint64(idx+1))
}

func (h handle) index() uint32      { return uint32(h) - 1 }
func (h handle) generation() uint32 { return uint32(h >> 32) }

const (
	// arenaChunkLen is the length of chunk 0. Chunk c holds
	// arenaChunkLen<<c slots, so capacity doubles per chunk while every
	// slot address stays stable: chunks are installed once and never
	// moved or resized.
	arenaChunkLen = 4

	// arenaChunkCount bounds the chunk directory. With a 4-slot first
	// chunk the arena tops out at 4*(2^24-1) slots, far beyond the
	// number of in-flight mutations a single cell can accumulate.
	arenaChunkCount = 24

	arenaMaxSlots = arenaChunkLen * ((1 << arenaChunkCount) - 1)
)

// slot holds one mutation. The generation doubles as the free-once
// flag: freeing is a CAS that advances it, so a mutation can be freed
// at most once no matter how many paths race to reclaim it. nextFree
// links the slot into the free list while vacant (index plus one of the
// next vacant slot, zero for none).
type slot[T any] struct {
	gen      atomic.Uint32
	nextFree atomic.Uint64
	value    T
}

// arena is a lock-free generational allocator for mutation slots. It
// exists so that mutation identity is an index plus a generation rather
// than a raw pointer: comparisons are immune to slot recycling, and a
// stale handle is detectable instead of being a dangling pointer.
type arena[T any] struct {
	// freeHead packs a CAS counter (high 32 bits) with the index plus
	// one of the top vacant slot. The counter advances on every
	// successful push or pop, which keeps a slow pop from matching a
	// head that was popped and pushed back in the meantime.
	freeHead atomic.Uint64
	next     atomic.Uint32
	allocs   atomic.Int64
	frees    atomic.Int64
	chunks   [arenaChunkCount]atomic.Pointer[[]slot[T]]
}

// arenaLocate maps a slot index to its chunk and offset.
func arenaLocate(idx uint32) (chunk, offset uint32) {
	q := idx/arenaChunkLen + 1
	c := uint32(bits.Len32(q)) - 1
	return c, idx - arenaChunkLen*((1<<c)-1)
}

func (a *arena[T]) slotAt(idx uint32) *slot[T] {
	c, off := arenaLocate(idx)
	chunk := a.chunks[c].Load()
	if chunk == nil {
		return nil
	}
	return &(*chunk)[off]
}

func (a *arena[T]) ensure(idx uint32) *slot[T] {
	c, off := arenaLocate(idx)
	chunk := a.chunks[c].Load()
	if chunk == nil {
		fresh := make([]slot[T], arenaChunkLen<<c)
		if a.chunks[c].CompareAndSwap(nil, &fresh) {
			chunk = &fresh
		} else {
			chunk = a.chunks[c].Load()
		}
	}
	return &(*chunk)[off]
}

// alloc places v in a vacant slot and returns its handle. The slot is
// private to the caller until the handle is published through an atomic
// store, so the value write needs no synchronization of its own.
func (a *arena[T]) alloc(v T) handle {
	idx, s := a.take()
	s.value = v
	a.allocs.Add(1)
	return makeHandle(s.gen.Load(), idx)
}

func (a *arena[T]) take() (uint32, *slot[T]) {
	for {
		head := a.freeHead.Load()
		top := uint32(head)
		if top == 0 {
			break
		}
		s := a.slotAt(top - 1)
		next := uint32(s.nextFree.Load())
		tag := (head >> 32) + 1
		if a.freeHead.CompareAndSwap(head, tag<<32|uint64(next)) {
			return top - 1, s
		}
	}
	idx := a.next.Add(1) - 1
	if idx >= arenaMaxSlots {
		panic(fmt.Sprintf("keep: arena exhausted at %d slots", idx))
	}
	return idx, a.ensure(idx)
}

// free reclaims the slot h names. It returns false if h is stale or was
// already freed: the generation CAS is the one-shot that makes every
// racing reclamation path settle on exactly one winner.
func (a *arena[T]) free(h handle) bool {
	if h == nilHandle {
		return false
	}
	s := a.slotAt(h.index())
	if s == nil {
		return false
	}
	if !s.gen.CompareAndSwap(h.generation(), h.generation()+1) {
		return false
	}
	var zero T
	s.value = zero
	a.frees.Add(1)
	a.pushFree(h.index(), s)
	return true
}

func (a *arena[T]) pushFree(idx uint32, s *slot[T]) {
	for {
		head := a.freeHead.Load()
		s.nextFree.Store(uint64(uint32(head)))
		tag := (head >> 32) + 1
		if a.freeHead.CompareAndSwap(head, tag<<32|uint64(idx+1)) {
			return
		}
	}
}

// resolve returns the slot h names, or nil if h is stale.
func (a *arena[T]) resolve(h handle) *slot[T] {
	if h == nilHandle {
		return nil
	}
	s := a.slotAt(h.index())
	if s == nil || s.gen.Load() != h.generation() {
		return nil
	}
	return s
}

// live reports the number of allocated, not yet freed mutations.
func (a *arena[T]) live() int64 {
	return a.allocs.Load() - a.frees.Load()
}
