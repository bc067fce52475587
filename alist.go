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

import "sync/atomic"

// scanResult is the three-way answer of anode.scan. The distinction
// between an entirely vacant list and a populated list that lacks the
// handle matters to reclamation: the former means no reader is left at
// all, which is the teardown signal.
type scanResult uint8

const (
	scanFound scanResult = iota
	scanAbsent
	scanEmptyList
)

// anode is one slot of an accessor list: the registry of mutation
// handles currently held by readers. The list only ever grows. A slot
// is claimed by CASing its value from zero to a handle and vacated by
// CASing it back; next pointers are written once and never change, so
// scans need no coordination with appends.
type anode struct {
	value atomic.Uint64
	next  atomic.Pointer[anode]
	head  *anode
}

// newAccessorList returns the head node of an empty list.
func newAccessorList() *anode {
	n := &anode{}
	n.head = n
	return n
}

// insert claims a slot for h, appending a node if every existing slot
// is taken. It returns the claimed node so the caller can vacate
// exactly the slot it holds. The same handle may be registered in
// several slots at once; each registration is released independently.
func (n *anode) insert(h uint64) *anode {
	for cur := n; ; {
		if cur.value.CompareAndSwap(0, h) {
			return cur
		}
		next := cur.next.Load()
		if next == nil {
			fresh := &anode{head: cur.head}
			fresh.value.Store(h)
			if cur.next.CompareAndSwap(nil, fresh) {
				return fresh
			}
			// Lost the append; continue into the winner's node.
			next = cur.next.Load()
		}
		cur = next
	}
}

// clearValue vacates the slot if it still holds h.
func (n *anode) clearValue(h uint64) bool {
	return n.value.CompareAndSwap(h, 0)
}

// contains reports whether any slot holds h.
func (n *anode) contains(h uint64) bool {
	for cur := n; cur != nil; cur = cur.next.Load() {
		if cur.value.Load() == h {
			return true
		}
	}
	return false
}

// scan looks for h and reports, when it is absent, whether the whole
// list was vacant.
func (n *anode) scan(h uint64) scanResult {
	res := scanEmptyList
	for cur := n; cur != nil; cur = cur.next.Load() {
		switch cur.value.Load() {
		case h:
			return scanFound
		case 0:
		default:
			res = scanAbsent
		}
	}
	return res
}

// isAllEmpty reports whether no slot is claimed.
func (n *anode) isAllEmpty() bool {
	for cur := n; cur != nil; cur = cur.next.Load() {
		if cur.value.Load() != 0 {
			return false
		}
	}
	return true
}
