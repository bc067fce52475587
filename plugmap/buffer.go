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
	"runtime"
	"sync/atomic"

	"github.com/rboeni2s/keep"
)

// Buffer is a fixed-capacity concurrent slot array. Each slot is a
// kernel cell holding either nil or a handle to the item's own cell, so
// extraction swaps the slot empty while guards taken on the item keep
// it readable. Item handles pass between goroutines through the slots
// and are never explicitly released; unreachable ones are collected by
// the runtime.
//
// Put scans for a free slot starting at a hint that round-robins
// placements. It can miss under contention: a slot observed busy is
// not revisited within the call.
type Buffer[T any] struct {
	hint     atomic.Int64
	capacity int
	slots    unsafeSlice[*keep.Keep[*keep.Keep[T]]]
}

// NewBuffer returns a Buffer with capacity slots, all free.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	slots := make([]*keep.Keep[*keep.Keep[T]], capacity)
	for i := range slots {
		slots[i] = keep.New[*keep.Keep[T]](nil)
	}
	return &Buffer[T]{capacity: capacity, slots: makeUnsafeSlice(slots)}
}

func (b *Buffer[T]) slot(i int) *keep.Keep[*keep.Keep[T]] {
	return *b.slots.At(uintptr(i))
}

// Cap returns the number of slots.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Len counts the occupied slots. The count is a snapshot and can be
// stale by the time it returns.
func (b *Buffer[T]) Len() int {
	n := 0
	for i := 0; i < b.capacity; i++ {
		g := b.slot(i).Read()
		if g.Value() != nil {
			n++
		}
		g.Release()
	}
	return n
}

// Put stores v in some free slot and returns its index. It fails when
// no slot is observed free during one pass over the buffer.
func (b *Buffer[T]) Put(v T) (int, bool) {
	holder := keep.New(keep.New(v))
	probe := int(uint64(b.hint.Add(1)-1) % uint64(b.capacity))
	if b.tryInstall(probe, holder) {
		return probe, true
	}
	for i := 0; i < b.capacity; i++ {
		if i == probe {
			continue
		}
		if b.tryInstall(i, holder) {
			b.hint.Store(int64(i) + 1)
			return i, true
		}
	}
	return 0, false
}

// tryInstall claims slot i for holder's item if the slot is free. A
// lost identity swap means a racing Put or Insert filled the slot.
func (b *Buffer[T]) tryInstall(i int, holder *keep.Keep[*keep.Keep[T]]) bool {
	cell := b.slot(i)
	g, m := cell.ReadMarked()
	if g.Value() != nil {
		g.Release()
		return false
	}
	ok := cell.SwapWithMarked(m, holder)
	g.Release()
	return ok
}

// Pop extracts an item from the first occupied slot. Exactly one
// caller extracts any given item: the identity swap that empties the
// slot has a single winner.
func (b *Buffer[T]) Pop() (*keep.Guard[T], bool) {
	empty := keep.New[*keep.Keep[T]](nil)
	for i := 0; i < b.capacity; i++ {
		cell := b.slot(i)
		g, m := cell.ReadMarked()
		item := g.Value()
		if item == nil {
			g.Release()
			continue
		}
		if !cell.SwapWithMarked(m, empty) {
			g.Release()
			continue
		}
		g.Release()
		return item.Read(), true
	}
	return nil, false
}

// Get returns a guard over the item in slot i without removing it. A
// concurrent extraction does not invalidate the result; the guard
// covers the item as it was in the slot.
func (b *Buffer[T]) Get(i int) (*keep.Guard[T], bool) {
	if i < 0 || i >= b.capacity {
		return nil, false
	}
	g := b.slot(i).Read()
	item := g.Value()
	g.Release()
	if item == nil {
		return nil, false
	}
	return item.Read(), true
}

// Insert stores v in slot i unconditionally and returns a guard over
// the item it displaced, if the slot was occupied.
func (b *Buffer[T]) Insert(i int, v T) (*keep.Guard[T], bool) {
	if i < 0 || i >= b.capacity {
		return nil, false
	}
	holder := keep.New(keep.New(v))
	cell := b.slot(i)
	for {
		g, m := cell.ReadMarked()
		if !cell.SwapWithMarked(m, holder) {
			g.Release()
			continue
		}
		displaced := g.Value()
		g.Release()
		if displaced == nil {
			return nil, false
		}
		return displaced.Read(), true
	}
}

// Remove empties slot i and returns a guard over the item it held.
func (b *Buffer[T]) Remove(i int) (*keep.Guard[T], bool) {
	if i < 0 || i >= b.capacity {
		return nil, false
	}
	empty := keep.New[*keep.Keep[T]](nil)
	cell := b.slot(i)
	for {
		g, m := cell.ReadMarked()
		item := g.Value()
		if item == nil {
			g.Release()
			return nil, false
		}
		if !cell.SwapWithMarked(m, empty) {
			g.Release()
			continue
		}
		g.Release()
		return item.Read(), true
	}
}

// SetIndexHint biases the slot the next Put probes first.
func (b *Buffer[T]) SetIndexHint(i int) {
	b.hint.Store(int64(i))
}

// defaultPoolCapPow is the log2 of the smallest DynBuffer capacity.
const defaultPoolCapPow = 4

// DynBuffer is a Buffer that replaces itself with one of twice or half
// the capacity as its occupancy moves. The replacement reuses the
// cooperative resizer: the operation that trips a threshold installs
// the resize, every operation that subsequently arrives helps migrate
// a stride of slots, and exactly one helper publishes the new buffer.
// Migration runs only once in-flight operations drain, counted
// separately for readers and writers, so no item is placed into or
// taken from a buffer being copied.
//
// A shrink can lose its bet: occupancy may grow past the smaller
// capacity between the decision and the drain. The migration then
// stops short and the publish is abandoned, leaving the original
// buffer in place with nothing lost.
//
// The zero value is not usable; construct with NewDynBuffer.
type DynBuffer[T any] struct {
	minCapPow int
	stride    int64
	count     atomic.Int64
	readers   atomic.Int64
	writers   atomic.Int64
	buf       *keep.Keep[*Buffer[T]]
	resizer   *keep.Keep[*poolResize[T]]
}

// NewDynBuffer returns a DynBuffer with 1<<capPow slots. The buffer
// never shrinks below that capacity.
func NewDynBuffer[T any](capPow int) *DynBuffer[T] {
	if capPow < defaultPoolCapPow {
		capPow = defaultPoolCapPow
	}
	return &DynBuffer[T]{
		minCapPow: capPow,
		stride:    defaultResizeStride,
		buf:       keep.New(NewBuffer[T](1 << capPow)),
		resizer:   keep.New[*poolResize[T]](nil),
	}
}

// Len returns the number of items. The count is a snapshot.
func (d *DynBuffer[T]) Len() int {
	return int(d.count.Load())
}

// Push stores v, growing the buffer as needed. It retries until the
// store lands, so a full buffer delays the push rather than failing
// it.
func (d *DynBuffer[T]) Push(v T) {
	for {
		d.maybeResize()
		d.writers.Add(1)
		if d.resizePending() {
			d.writers.Add(-1)
			continue
		}
		index := d.count.Add(1) - 1
		bg := d.buf.Read()
		_, ok := bg.Value().Put(v)
		bg.Release()
		if !ok {
			d.count.Add(-1)
		}
		d.writers.Add(-1)
		d.considerResize(index)
		d.maybeResize()
		if ok {
			return
		}
	}
}

// Pop extracts some item. Which item is unspecified; the buffer is a
// pool, not a queue.
func (d *DynBuffer[T]) Pop() (*keep.Guard[T], bool) {
	if d.count.Load() <= 0 {
		return nil, false
	}
	for {
		d.maybeResize()
		d.readers.Add(1)
		if d.resizePending() {
			d.readers.Add(-1)
			continue
		}
		bg := d.buf.Read()
		g, ok := bg.Value().Pop()
		bg.Release()
		if ok {
			d.count.Add(-1)
		}
		d.readers.Add(-1)
		return g, ok
	}
}

func (d *DynBuffer[T]) resizePending() bool {
	rg := d.resizer.Read()
	pending := rg.Value() != nil
	rg.Release()
	return pending
}

// considerResize installs a resize when index, the occupancy just
// observed, leaves the buffer nearly full or underfills it by more
// than half. The install is gated on the resizer cell's mutation
// identity, so a racing install or a publish that ran since our read
// makes the exchange fail and the decision is simply dropped.
func (d *DynBuffer[T]) considerResize(index int64) {
	rg := d.resizer.Read()
	if rg.Value() != nil {
		rg.Release()
		return
	}
	bg := d.buf.Read()
	capacity := int64(bg.Value().Cap())
	var dst *Buffer[T]
	switch {
	case capacity <= index+2:
		dst = NewBuffer[T](int(capacity << 1))
	case capacity>>1 > index && capacity > 1<<d.minCapPow:
		dst = NewBuffer[T](int(capacity >> 1))
	}
	if dst == nil {
		bg.Release()
		rg.Release()
		return
	}
	r := newPoolResize(d.stride, bg.Value(), dst)
	installed, _ := d.resizer.Exchange(rg, r)
	installed.Release()
	bg.Release()
	rg.Release()
}

// maybeResize joins any pending resize: drain the in-flight operations,
// migrate strides alongside the other helpers, and either publish the
// result or wait out the helper that does.
func (d *DynBuffer[T]) maybeResize() {
	rg := d.resizer.Read()
	r := rg.Value()
	rg.Release()
	if r == nil {
		return
	}
	for d.readers.Load() != 0 || d.writers.Load() != 0 {
		runtime.Gosched()
	}
	r.res.run()
	if r.res.finalize(func() { d.publish(r) }) {
		return
	}
	for {
		rg := d.resizer.Read()
		cur := rg.Value()
		rg.Release()
		if cur != r {
			return
		}
		runtime.Gosched()
	}
}

// publish writes the migrated buffer through the shared buffer cell,
// or backs out of a truncated shrink, and clears the pending resize
// either way.
func (d *DynBuffer[T]) publish(r *poolResize[T]) {
	if !r.truncated.Load() {
		r.dst.SetIndexHint(int(r.cursor.Load()))
		d.buf.Write(r.dst)
	}
	d.resizer.Write(nil)
}

// poolResize migrates the occupied slots of src into the front of dst.
type poolResize[T any] struct {
	res    *resizer
	src    *Buffer[T]
	dst    *Buffer[T]
	cursor atomic.Int64
	// truncated is set when dst ran out of room, which only a shrink
	// can suffer. The publish is abandoned and src stays in service.
	truncated atomic.Bool
}

func newPoolResize[T any](stride int64, src, dst *Buffer[T]) *poolResize[T] {
	r := &poolResize[T]{src: src, dst: dst}
	r.res = newResizer(stride, int64(src.capacity), r.migrate)
	return r
}

// migrate copies the items of src slots [start, end) into dst at the
// next free positions. Operations are drained, so src is frozen; the
// cursor is shared with the other helpers.
func (r *poolResize[T]) migrate(start, end int64) bool {
	for i := start; i < end; i++ {
		g := r.src.slot(int(i)).Read()
		item := g.Value()
		g.Release()
		if item == nil {
			continue
		}
		j := r.cursor.Add(1) - 1
		if j >= int64(r.dst.capacity) {
			r.truncated.Store(true)
			return false
		}
		r.dst.slot(int(j)).Write(item.Clone())
	}
	return true
}
