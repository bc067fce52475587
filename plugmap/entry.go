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
	"github.com/rboeni2s/keep"
)

// entry is a bucket's content. A nil head tags the empty bucket; the
// whole value is swapped through the bucket cell, so installing a
// first node replaces Empty with Head atomically.
type entry[K comparable, V any] struct {
	head *entryNode[K, V]
}

// entryNode is one link of a bucket chain. key and hash never change
// after construction. The value lives in its own cell so a reader can
// pin it across concurrent replacement; next is a cell so tail appends
// are identity-keyed exchanges. The node structure itself is never
// unlinked: removal empties the value cell in place, which tombstones
// the node until an insert of the same key refills it or the next
// resize drops it. Keeping liveness inside the value cell means every
// transition an entry can take, replace, kill and resurrect alike, is
// a single compare-and-swap on that one cell, so racing operations on
// the same key serialize there.
type entryNode[K comparable, V any] struct {
	key  K
	hash uint64
	val  *keep.Keep[V]
	next *keep.Keep[*entryNode[K, V]]
}

func newEntryNode[K comparable, V any](key K, val V, hash uint64) *entryNode[K, V] {
	return &entryNode[K, V]{
		key:  key,
		hash: hash,
		val:  keep.New(val),
		next: keep.New[*entryNode[K, V]](nil),
	}
}

// cloneStriped returns a migration copy: same key and a shared value
// cell, fresh nil next cell. Chains are rebuilt, not carried over.
func (n *entryNode[K, V]) cloneStriped() *entryNode[K, V] {
	return &entryNode[K, V]{
		key:  n.key,
		hash: n.hash,
		val:  n.val.Clone(),
		next: keep.New[*entryNode[K, V]](nil),
	}
}

// search walks the chain for key. The returned guard pins the value
// against concurrent replacement and reclamation; a tombstoned node
// reads as a miss.
func (e entry[K, V]) search(hash uint64, key K) (*keep.Guard[V], bool) {
	for n := e.head; n != nil; {
		if n.hash == hash && n.key == key {
			return n.val.TryRead()
		}
		g := n.next.Read()
		n = g.Value()
		g.Release()
	}
	return nil, false
}

// update resolves fresh against the chain starting at n: a node with
// the same key takes the new value in place, through an exchange keyed
// on the value it currently holds (the displaced guard is returned with
// replaced=true) or a fill of its tombstoned cell (which counts as an
// insertion); no match appends fresh at the tail, retrying through
// whichever node wins a racing append. fresh is consumed either way:
// the in-place paths take its value and release its cells.
func (n *entryNode[K, V]) update(fresh *entryNode[K, V]) (old *keep.Guard[V], replaced bool, delta int64) {
	for cur := n; ; {
		if cur.hash == fresh.hash && cur.key == fresh.key {
			vg := fresh.val.Read()
			value := vg.Value()
			vg.Release()
			g, live := cur.val.TryRead()
			for {
				if !live {
					if cur.val.Fill(value) {
						fresh.val.Release()
						fresh.next.Release()
						return nil, false, 1
					}
					g, live = cur.val.TryRead()
					continue
				}
				swapped, ok := cur.val.Exchange(g, value)
				g.Release()
				if ok {
					fresh.val.Release()
					fresh.next.Release()
					return swapped, true, 0
				}
				// The cell moved on: swapped is its new value, or nil
				// if a remove emptied it.
				g, live = swapped, swapped != nil
			}
		}
		g := cur.next.Read()
		if next := g.Value(); next != nil {
			g.Release()
			cur = next
			continue
		}
		appended, ok := cur.next.Exchange(g, fresh)
		g.Release()
		if ok {
			appended.Release()
			return nil, false, 1
		}
		cur = appended.Value()
		appended.Release()
	}
}

// remove tombstones the chain node holding key by emptying its value
// cell. The kill and the value capture are the same keyed clear, so the
// returned guard holds exactly the value the entry died with: a racing
// insert either lands before the clear, in which case the clear fails
// its key and retries against the new value, or finds the cell empty
// and refills it as a fresh insertion.
func (e entry[K, V]) remove(hash uint64, key K) (*keep.Guard[V], bool) {
	for n := e.head; n != nil; {
		if n.hash == hash && n.key == key {
			for {
				g, live := n.val.TryRead()
				if !live {
					return nil, false
				}
				if n.val.Clear(g) {
					return g, true
				}
				g.Release()
			}
		}
		ng := n.next.Read()
		n = ng.Value()
		ng.Release()
	}
	return nil, false
}

// bucketEntry pairs a chain node's key with a guard over its value for
// iteration.
type bucketEntry[K comparable, V any] struct {
	key K
	g   *keep.Guard[V]
}

// collect appends the key and a value guard of each alive entry in the
// bucket to buf.
func (e entry[K, V]) collect(buf []bucketEntry[K, V]) []bucketEntry[K, V] {
	for n := e.head; n != nil; {
		if g, live := n.val.TryRead(); live {
			buf = append(buf, bucketEntry[K, V]{key: n.key, g: g})
		}
		ng := n.next.Read()
		n = ng.Value()
		ng.Release()
	}
	return buf
}
