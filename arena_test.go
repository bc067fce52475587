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
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaLocate(t *testing.T) {
	testCases := []struct {
		idx    uint32
		chunk  uint32
		offset uint32
	}{
		{0, 0, 0},
		{3, 0, 3},
		{4, 1, 0},
		{11, 1, 7},
		{12, 2, 0},
		{27, 2, 15},
		{28, 3, 0},
		{59, 3, 31},
		{60, 4, 0},
	}
	for _, c := range testCases {
		chunk, offset := arenaLocate(c.idx)
		require.Equal(t, c.chunk, chunk, "idx=%d", c.idx)
		require.Equal(t, c.offset, offset, "idx=%d", c.idx)
	}

	// Walking the indexes in order must visit each chunk's offsets in
	// order and exhaust chunk c before starting chunk c+1.
	var idx uint32
	for c := uint32(0); c < 6; c++ {
		for off := uint32(0); off < arenaChunkLen<<c; off++ {
			gotChunk, gotOff := arenaLocate(idx)
			require.Equal(t, c, gotChunk)
			require.Equal(t, off, gotOff)
			idx++
		}
	}
}

func TestArenaHandle(t *testing.T) {
	require.Equal(t, nilHandle, handle(0))
	h := makeHandle(7, 42)
	require.EqualValues(t, 42, h.index())
	require.EqualValues(t, 7, h.generation())
	require.NotEqual(t, h, makeHandle(8, 42))
	require.NotEqual(t, h, makeHandle(7, 43))
}

func TestArenaAllocFree(t *testing.T) {
	var a arena[int]

	h1 := a.alloc(100)
	h2 := a.alloc(200)
	require.NotEqual(t, h1, h2)
	require.Equal(t, 100, a.resolve(h1).value)
	require.Equal(t, 200, a.resolve(h2).value)
	require.EqualValues(t, 2, a.live())

	require.True(t, a.free(h1))
	require.Nil(t, a.resolve(h1))
	require.False(t, a.free(h1), "second free must lose the generation race")
	require.EqualValues(t, 1, a.live())

	// The vacated slot is recycled under a new generation, so the old
	// handle stays dead.
	h3 := a.alloc(300)
	require.Equal(t, h1.index(), h3.index())
	require.Equal(t, h1.generation()+1, h3.generation())
	require.Nil(t, a.resolve(h1))
	require.Equal(t, 300, a.resolve(h3).value)

	require.True(t, a.free(h2))
	require.True(t, a.free(h3))
	require.EqualValues(t, 0, a.live())
	require.Equal(t, a.allocs.Load(), a.frees.Load())
}

func TestArenaNilHandle(t *testing.T) {
	var a arena[int]
	require.Nil(t, a.resolve(nilHandle))
	require.False(t, a.free(nilHandle))
	require.Nil(t, a.resolve(makeHandle(0, 12345)), "untouched chunk resolves to nil")
}

func TestArenaFreelist(t *testing.T) {
	var a arena[int]
	const n = 64

	handles := make([]handle, n)
	for i := range handles {
		handles[i] = a.alloc(i)
	}
	require.EqualValues(t, n, a.next.Load())

	for _, h := range handles {
		require.True(t, a.free(h))
	}
	for i := range handles {
		handles[i] = a.alloc(i)
	}
	// Every slot came off the free list; the bump cursor did not move.
	require.EqualValues(t, n, a.next.Load())
	require.EqualValues(t, n, a.live())

	seen := make(map[uint32]struct{})
	for i, h := range handles {
		require.Equal(t, i, a.resolve(h).value)
		seen[h.index()] = struct{}{}
	}
	require.Equal(t, n, len(seen))
}

func TestArenaZeroOnFree(t *testing.T) {
	var a arena[*int]
	v := new(int)
	h := a.alloc(v)
	s := a.resolve(h)
	require.True(t, a.free(h))
	require.Nil(t, s.value, "freed slot must not pin the old value")
}

func TestArenaConcurrent(t *testing.T) {
	var a arena[int]
	const workers = 8
	const rounds = 2000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			held := make([]handle, 0, 16)
			for i := 0; i < rounds; i++ {
				if len(held) == 0 || rand.Intn(2) == 0 {
					held = append(held, a.alloc(w*rounds+i))
				} else {
					j := rand.Intn(len(held))
					if !a.free(held[j]) {
						t.Errorf("free of a live handle failed")
					}
					held = append(held[:j], held[j+1:]...)
				}
			}
			for _, h := range held {
				if !a.free(h) {
					t.Errorf("free of a live handle failed")
				}
			}
		}(w)
	}
	wg.Wait()

	require.EqualValues(t, 0, a.live())
	require.Equal(t, a.allocs.Load(), a.frees.Load())
}
