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
)

// defaultResizeStride is the number of source slots a worker claims
// per fetch-add.
const defaultResizeStride = 8

// resizer coordinates one cooperative migration of length slots.
// Every goroutine that must wait for the migration anyway calls run to
// contribute: workers claim disjoint [start, end) ranges by advancing
// a shared cursor, so the copy parallelizes across however many
// goroutines happen to pile up. run doubles as a barrier: it returns
// only after every worker has finished its claims, at which point the
// destination is complete and exactly one caller of finalize publishes
// it.
//
// The map and the dynamic slot pool both resize through this type;
// they differ only in the migrate callback and in what finalize swaps.
type resizer struct {
	stride  int64
	length  int64
	next    atomic.Int64
	workers atomic.Int64
	done    atomic.Bool
	// migrate copies source slots [start, end). Returning false stops
	// the calling worker's claims early; the pool uses this when the
	// destination runs out of room.
	migrate func(start, end int64) bool
}

func newResizer(stride, length int64, migrate func(start, end int64) bool) *resizer {
	return &resizer{stride: stride, length: length, migrate: migrate}
}

// run contributes the calling goroutine to the migration and returns
// once all workers are done. Calling run on a finished resizer is a
// cheap no-op.
func (r *resizer) run() {
	r.workers.Add(1)
	for {
		start := r.next.Add(r.stride) - r.stride
		if start >= r.length {
			break
		}
		if !r.migrate(start, min(start+r.stride, r.length)) {
			break
		}
	}
	if r.workers.Add(-1) != 0 {
		for r.workers.Load() != 0 {
			runtime.Gosched()
		}
	}
}

// finalize runs swap in exactly one of its callers and reports whether
// this was the one. Callers must have returned from run first.
func (r *resizer) finalize(swap func()) bool {
	if r.done.Swap(true) {
		return false
	}
	swap()
	return true
}
