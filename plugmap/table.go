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

package plugmap

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rboeni2s/keep"
)

// defaultSizePow is the log2 of the smallest bucket array.
const defaultSizePow = 4

// table is one immutable-shape snapshot of the map: the bucket array
// never moves or grows, and a capacity change replaces the whole table
// through the map's table cell. Buckets hold chain heads inside kernel
// cells, so a lookup pins the chain it walks no matter how the table
// itself moves on.
type table[K comparable, V any] struct {
	sizePow  int
	mask     uint64
	capacity int
	// live counts entries that are present and not tombstoned.
	live atomic.Int64
	// writers counts mutators currently inside insert or remove on
	// this table. A migration starts only once it drains.
	writers atomic.Int64
	// resizer is installed at most once per table and never cleared:
	// on a table that has been migrated away from, it doubles as the
	// superseded signal that bounces late mutators to the current
	// table.
	resizer atomic.Pointer[tableResize[K, V]]
	buckets unsafeSlice[*keep.Keep[entry[K, V]]]
}

func newTable[K comparable, V any](sizePow int) *table[K, V] {
	if sizePow < defaultSizePow {
		sizePow = defaultSizePow
	}
	capacity := 1 << sizePow
	buckets := make([]*keep.Keep[entry[K, V]], capacity)
	for i := range buckets {
		buckets[i] = keep.New(entry[K, V]{})
	}
	t := &table[K, V]{
		sizePow:  sizePow,
		mask:     uint64(capacity - 1),
		capacity: capacity,
		buckets:  makeUnsafeSlice(buckets),
	}
	t.checkInvariants()
	return t
}

func (t *table[K, V]) bucket(hash uint64) *keep.Keep[entry[K, V]] {
	return *t.buckets.At(uintptr(hash & t.mask))
}

func (t *table[K, V]) bucketAt(i int) *keep.Keep[entry[K, V]] {
	return *t.buckets.At(uintptr(i))
}

func (t *table[K, V]) get(hash uint64, key K) (*keep.Guard[V], bool) {
	g := t.bucket(hash).Read()
	v, ok := g.Value().search(hash, key)
	g.Release()
	return v, ok
}

// insert resolves node against its bucket: install it as the head of
// an empty bucket by a marker-gated identity swap, or hand it to the
// chain's update walk. delta is 1 when the map gained an entry. The
// caller owns the live-count bookkeeping.
func (t *table[K, V]) insert(node *entryNode[K, V]) (old *keep.Guard[V], replaced bool, delta int64) {
	cell := t.bucket(node.hash)
	for {
		g, m := cell.ReadMarked()
		if head := g.Value().head; head != nil {
			old, replaced, delta = head.update(node)
			g.Release()
			return old, replaced, delta
		}
		fresh := keep.New(entry[K, V]{head: node})
		if cell.SwapWithMarked(m, fresh) {
			fresh.Release()
			g.Release()
			return nil, false, 1
		}
		// Lost the install race; the bucket is no longer the one the
		// marker saw.
		fresh.Release()
		g.Release()
	}
}

func (t *table[K, V]) remove(hash uint64, key K) (*keep.Guard[V], bool) {
	g := t.bucket(hash).Read()
	v, ok := g.Value().remove(hash, key)
	g.Release()
	return v, ok
}

// overloaded reports whether count crossed three quarters of capacity.
func (t *table[K, V]) overloaded(count int64) bool {
	return count > int64(t.capacity>>1+t.capacity>>2)
}

// checkInvariants verifies bucket placement and the live count against
// the chains. Only meaningful at quiescent points.
func (t *table[K, V]) checkInvariants() {
	if invariants {
		if t.capacity != 1<<t.sizePow || t.sizePow < defaultSizePow {
			panic(fmt.Sprintf("plugmap: table capacity %d does not match size %d", t.capacity, t.sizePow))
		}
		var alive int64
		for i := 0; i < t.capacity; i++ {
			g := t.bucketAt(i).Read()
			for n := g.Value().head; n != nil; {
				if n.hash&t.mask != uint64(i) {
					panic(fmt.Sprintf("plugmap: node with hash %#x chained in bucket %d", n.hash, i))
				}
				if vg, live := n.val.TryRead(); live {
					alive++
					vg.Release()
				}
				ng := n.next.Read()
				n = ng.Value()
				ng.Release()
			}
			g.Release()
		}
		if got := t.live.Load(); got != alive {
			panic(fmt.Sprintf("plugmap: live count %d, chains hold %d", got, alive))
		}
	}
}

// tableResize migrates a table into one with twice the bucket count.
// The destination is published by writing it through the map's table
// cell, never by an identity swap: the table cell is shared by every
// clone of the map, and swapping trackeds through a cloned handle would
// break the cell's accessor accounting.
type tableResize[K comparable, V any] struct {
	res *resizer
	src *table[K, V]
	dst *table[K, V]
}

func newTableResize[K comparable, V any](src *table[K, V], stride int64) *tableResize[K, V] {
	r := &tableResize[K, V]{
		src: src,
		dst: newTable[K, V](src.sizePow + 1),
	}
	r.res = newResizer(stride, int64(src.capacity), r.migrate)
	return r
}

// migrate copies the alive chains of source buckets [start, end) into
// the destination. Tombstoned nodes are dropped, so every resize
// doubles as compaction. Mutators are drained by this point; only
// lookups run against the source concurrently, and they are unaffected
// because the source is never modified.
func (r *tableResize[K, V]) migrate(start, end int64) bool {
	for i := start; i < end; i++ {
		g := r.src.bucketAt(int(i)).Read()
		for n := g.Value().head; n != nil; {
			if vg, live := n.val.TryRead(); live {
				vg.Release()
				_, _, delta := r.dst.insert(n.cloneStriped())
				r.dst.live.Add(delta)
			}
			ng := n.next.Read()
			n = ng.Value()
			ng.Release()
		}
		g.Release()
	}
	return true
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}
