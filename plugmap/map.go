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

// Package plugmap provides PlugMap, a concurrent hash map built on the
// keep reclamation kernel, along with fixed and resizable concurrent
// buffers that share the same machinery.
//
// The map is a bucket array of separately chained entries. Every point
// of mutable structure sits inside a kernel cell: the table itself,
// each bucket's chain head, each node's value, and each node's next
// link. Readers pin whatever they traverse, so a lookup that started
// on one table keeps a consistent view of it even while the map swaps
// in a replacement, and the memory of anything it walked outlives the
// walk.
//
// Removal tombstones the node in place rather than unlinking it, by
// emptying the node's value cell with a clear keyed on the value being
// removed. The node keeps the chain intact for concurrent walkers; a
// later insert of the same key refills the cell, and a table migration
// drops the node for good. Liveness living inside the value cell makes
// every same-key race a contest over one compare-and-swap, so a
// remove's returned value, an insert's displaced-or-fresh report and a
// lookup's hit-or-miss always agree on an order. The live count tracks
// alive entries, not chain length.
//
// Growth is cooperative. The mutator that pushes the table past three
// quarters full installs a resize and every mutator that subsequently
// touches the table helps migrate a stride of buckets before retrying
// its own operation on the replacement. Mutators drain before
// migration starts: each insert or remove raises a writer count on its
// table and backs out if a resize is installed, so the migration never
// races a chain mutation. Lookups neither help nor wait. They run
// against whichever table they pinned, which stays internally
// consistent because migration only reads it.
//
// All accessors return guards. A guard keeps the value it wraps valid
// until released, including across a concurrent overwrite or removal
// of the entry, so the caller decides how long returned values live.
// Every returned guard must be released exactly once.
package plugmap

import (
	"fmt"
	"hash/maphash"
	"math/bits"
	"runtime"

	"github.com/rboeni2s/keep"
)

const debug = false

// PlugMap is a hash map safe for concurrent use without external
// locking. The zero value is not usable; construct with New or
// NewWithHasher.
//
// Clones of a PlugMap share the table cell, so a clone sees and makes
// the same updates as the original. Cloning exists to give each
// goroutine its own handle, which is required because a PlugMap, like
// any keep cell owner, must not be shared directly.
type PlugMap[K comparable, V any] struct {
	table  *keep.Keep[*table[K, V]]
	hasher func(key K) uint64
	stride int64
}

// New constructs a PlugMap whose table starts at the smallest
// power-of-two bucket count of at least initialCapacity.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *PlugMap[K, V] {
	m := &PlugMap[K, V]{stride: defaultResizeStride}
	for _, op := range options {
		op.apply(m)
	}
	if m.hasher == nil {
		seed := maphash.MakeSeed()
		m.hasher = func(key K) uint64 {
			return maphash.Comparable(seed, key)
		}
	}
	sizePow := defaultSizePow
	if initialCapacity > 1<<defaultSizePow {
		sizePow = bits.Len(uint(initialCapacity - 1))
	}
	m.table = keep.New(newTable[K, V](sizePow))
	return m
}

// NewWithHasher constructs a PlugMap that hashes keys with hash. The
// seed is chosen at construction and differs between maps.
func NewWithHasher[K comparable, V any](initialCapacity int, hash func(key K, seed uint64) uint64) *PlugMap[K, V] {
	return New(initialCapacity, WithHash[K, V](hash))
}

// Insert adds a mapping from key to value. If the key was already
// present its value is replaced, and the returned guard wraps the
// value that was displaced.
func (m *PlugMap[K, V]) Insert(key K, value V) (*keep.Guard[V], bool) {
	node := newEntryNode(key, value, m.hasher(key))
	for {
		tg := m.table.Read()
		tb := tg.Value()
		tb.writers.Add(1)
		if r := tb.resizer.Load(); r != nil {
			tb.writers.Add(-1)
			tg.Release()
			m.helpResize(r)
			continue
		}
		old, replaced, delta := tb.insert(node)
		count := tb.live.Add(delta)
		tb.writers.Add(-1)
		if delta != 0 && tb.overloaded(count) {
			m.grow(tb)
		}
		tg.Release()
		return old, replaced
	}
}

// Get returns a guard over the value mapped to key. Lookups are
// wait-free with respect to resizing.
func (m *PlugMap[K, V]) Get(key K) (*keep.Guard[V], bool) {
	tg := m.table.Read()
	g, ok := tg.Value().get(m.hasher(key), key)
	tg.Release()
	return g, ok
}

// Remove deletes the mapping for key and returns a guard over the
// value the entry died with, captured in the same compare-and-swap that
// kills it.
func (m *PlugMap[K, V]) Remove(key K) (*keep.Guard[V], bool) {
	hash := m.hasher(key)
	for {
		tg := m.table.Read()
		tb := tg.Value()
		tb.writers.Add(1)
		if r := tb.resizer.Load(); r != nil {
			tb.writers.Add(-1)
			tg.Release()
			m.helpResize(r)
			continue
		}
		g, ok := tb.remove(hash, key)
		if ok {
			tb.live.Add(-1)
		}
		tb.writers.Add(-1)
		tg.Release()
		return g, ok
	}
}

// Len returns the number of entries in the map.
func (m *PlugMap[K, V]) Len() int {
	tg := m.table.Read()
	n := tg.Value().live.Load()
	tg.Release()
	return int(n)
}

// Clone returns a handle to the same map for use by another goroutine.
func (m *PlugMap[K, V]) Clone() *PlugMap[K, V] {
	return &PlugMap[K, V]{
		table:  m.table.Clone(),
		hasher: m.hasher,
		stride: m.stride,
	}
}

// All calls yield with each entry's key and a guard over its value
// until yield returns false. The iteration reflects some table the map
// held during the call. Entries inserted or removed concurrently may
// or may not be seen. Yielded guards are valid only during the call;
// Clone a guard to hold a value past it.
func (m *PlugMap[K, V]) All(yield func(key K, g *keep.Guard[V]) bool) {
	tg := m.table.Read()
	tb := tg.Value()
	var buf []bucketEntry[K, V]
	for i := 0; i < tb.capacity; i++ {
		g := tb.bucketAt(i).Read()
		buf = g.Value().collect(buf[:0])
		g.Release()
		for j, be := range buf {
			if !yield(be.key, be.g) {
				for _, rest := range buf[j:] {
					rest.g.Release()
				}
				tg.Release()
				return
			}
			be.g.Release()
		}
	}
	tg.Release()
}

// grow installs a resize of tb, or joins the one already installed.
func (m *PlugMap[K, V]) grow(tb *table[K, V]) {
	r := newTableResize(tb, m.stride)
	if !tb.resizer.CompareAndSwap(nil, r) {
		r = tb.resizer.Load()
	}
	if debug {
		fmt.Printf("grow: %d -> %d buckets, %d live\n", r.src.capacity, r.dst.capacity, r.src.live.Load())
	}
	m.helpResize(r)
}

// helpResize drains the source table's mutators, migrates strides of
// buckets alongside any other helpers, and lets exactly one of them
// publish the destination. Publication writes the new table through
// the shared table cell; lookups that pinned the old table keep their
// guards and finish against it.
func (m *PlugMap[K, V]) helpResize(r *tableResize[K, V]) {
	for r.src.writers.Load() != 0 {
		runtime.Gosched()
	}
	r.res.run()
	r.res.finalize(func() {
		m.table.Write(r.dst)
	})
}
