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
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func popValue[T any](t *testing.T, b *Buffer[T]) T {
	g, ok := b.Pop()
	require.True(t, ok)
	defer g.Release()
	return g.Value()
}

func dynCap[T any](d *DynBuffer[T]) int {
	g := d.buf.Read()
	defer g.Release()
	return g.Value().Cap()
}

func TestBufferPutPop(t *testing.T) {
	b := NewBuffer[int](4)
	require.Equal(t, 4, b.Cap())
	require.Equal(t, 0, b.Len())

	slots := make(map[int]bool)
	for v := 1; v <= 4; v++ {
		i, ok := b.Put(v)
		require.True(t, ok)
		require.False(t, slots[i], "slot %d handed out twice", i)
		slots[i] = true
	}
	require.Equal(t, 4, b.Len())

	_, ok := b.Put(5)
	require.False(t, ok)

	got := make(map[int]bool)
	for v := 1; v <= 4; v++ {
		got[popValue(t, b)] = true
	}
	require.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true}, got)

	_, ok = b.Pop()
	require.False(t, ok)
	require.Equal(t, 0, b.Len())
}

func TestBufferGet(t *testing.T) {
	b := NewBuffer[string](4)
	i, ok := b.Put("x")
	require.True(t, ok)

	g, ok := b.Get(i)
	require.True(t, ok)
	require.Equal(t, "x", g.Value())
	require.Equal(t, 1, b.Len())

	// The guard stays readable after the item is popped out from
	// under it.
	require.Equal(t, "x", popValue(t, b))
	require.Equal(t, "x", g.Value())
	g.Release()

	_, ok = b.Get(i)
	require.False(t, ok)
	_, ok = b.Get(-1)
	require.False(t, ok)
	_, ok = b.Get(4)
	require.False(t, ok)
}

func TestBufferInsertRemove(t *testing.T) {
	b := NewBuffer[int](4)

	old, ok := b.Insert(2, 7)
	require.False(t, ok)
	require.Nil(t, old)
	require.Equal(t, 1, b.Len())

	g, ok := b.Get(2)
	require.True(t, ok)
	require.Equal(t, 7, g.Value())
	g.Release()

	old, ok = b.Insert(2, 9)
	require.True(t, ok)
	require.Equal(t, 7, old.Value())
	old.Release()

	g, ok = b.Remove(2)
	require.True(t, ok)
	require.Equal(t, 9, g.Value())
	g.Release()

	_, ok = b.Remove(2)
	require.False(t, ok)
	require.Equal(t, 0, b.Len())

	_, ok = b.Insert(-1, 1)
	require.False(t, ok)
	_, ok = b.Insert(4, 1)
	require.False(t, ok)
	_, ok = b.Remove(-1)
	require.False(t, ok)
	_, ok = b.Remove(99)
	require.False(t, ok)
}

func TestBufferPutUsesHint(t *testing.T) {
	b := NewBuffer[int](8)
	b.SetIndexHint(5)

	i, ok := b.Put(1)
	require.True(t, ok)
	require.Equal(t, 5, i)

	i, ok = b.Put(2)
	require.True(t, ok)
	require.Equal(t, 6, i)
}

func TestBufferHintWrap(t *testing.T) {
	b := NewBuffer[int](2)
	// A hint far past the capacity must not stop placements; probes
	// wrap around the slot array.
	b.SetIndexHint(1 << 30)

	_, ok := b.Put(1)
	require.True(t, ok)
	_, ok = b.Put(2)
	require.True(t, ok)
	_, ok = b.Put(3)
	require.False(t, ok)
	require.Equal(t, 2, b.Len())
}

func TestBufferConcurrent(t *testing.T) {
	const workers = 8
	const perWorker = 200
	b := NewBuffer[int](16)

	popped := make([][]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				v := w*perWorker + i
				for {
					if _, ok := b.Put(v); ok {
						break
					}
					runtime.Gosched()
				}
				for {
					if g, ok := b.Pop(); ok {
						popped[w] = append(popped[w], g.Value())
						g.Release()
						break
					}
					runtime.Gosched()
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 0, b.Len())
	seen := make(map[int]bool)
	for w := range popped {
		for _, v := range popped[w] {
			require.False(t, seen[v], "value %d popped twice", v)
			seen[v] = true
		}
	}
	require.Equal(t, workers*perWorker, len(seen))
}

func TestDynBufferPushPop(t *testing.T) {
	d := NewDynBuffer[int](4)
	require.Equal(t, 0, d.Len())

	_, ok := d.Pop()
	require.False(t, ok)

	const count = 100
	for i := 0; i < count; i++ {
		d.Push(i)
	}
	require.Equal(t, count, d.Len())
	require.GreaterOrEqual(t, dynCap(d), count)

	got := make(map[int]bool)
	for i := 0; i < count; i++ {
		g, ok := d.Pop()
		require.True(t, ok)
		require.False(t, got[g.Value()])
		got[g.Value()] = true
		g.Release()
	}
	require.Equal(t, count, len(got))

	_, ok = d.Pop()
	require.False(t, ok)
	require.Equal(t, 0, d.Len())
}

func TestDynBufferShrink(t *testing.T) {
	d := NewDynBuffer[int](4)
	const count = 200
	for i := 0; i < count; i++ {
		d.Push(i)
	}
	require.Equal(t, 256, dynCap(d))

	for i := 0; i < count-5; i++ {
		g, ok := d.Pop()
		require.True(t, ok)
		g.Release()
	}
	require.Equal(t, 5, d.Len())

	// Pops never shrink. The next pushes observe the low occupancy and
	// walk the capacity back down, carrying the survivors across each
	// copy.
	for i := 0; i < 64; i++ {
		d.Push(1000 + i)
		g, ok := d.Pop()
		require.True(t, ok)
		g.Release()
	}
	require.Equal(t, 16, dynCap(d))
	require.Equal(t, 5, d.Len())

	for i := 0; i < 5; i++ {
		g, ok := d.Pop()
		require.True(t, ok)
		g.Release()
	}
	_, ok := d.Pop()
	require.False(t, ok)
}

func TestDynBufferConcurrentPushers(t *testing.T) {
	d := NewDynBuffer[int](4)

	expected := make(map[int]bool)
	var wg sync.WaitGroup
	for w, n := range []int{15, 17} {
		base := w * 100
		for i := 0; i < n; i++ {
			expected[base+i] = true
		}
		wg.Add(1)
		go func(base, n int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				d.Push(base + i)
			}
		}(base, n)
	}
	wg.Wait()

	require.Equal(t, 32, d.Len())
	got := make(map[int]bool)
	for i := 0; i < 32; i++ {
		g, ok := d.Pop()
		require.True(t, ok)
		require.False(t, got[g.Value()])
		got[g.Value()] = true
		g.Release()
	}
	require.Equal(t, expected, got)
}

func TestDynBufferProducersConsumer(t *testing.T) {
	d := NewDynBuffer[int](4)

	expected := make(map[int]bool)
	var wg sync.WaitGroup
	for w, n := range []int{15, 17} {
		base := w * 100
		for i := 0; i < n; i++ {
			expected[base+i] = true
		}
		wg.Add(1)
		go func(base, n int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				d.Push(base + i)
			}
		}(base, n)
	}

	// The consumer races the producers, draining items as they land
	// and spinning through the stretches where the pool runs dry.
	got := make(map[int]bool)
	for len(got) < 32 {
		g, ok := d.Pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		require.False(t, got[g.Value()], "value %d popped twice", g.Value())
		got[g.Value()] = true
		g.Release()
	}
	wg.Wait()

	require.Equal(t, expected, got)
	require.Equal(t, 0, d.Len())
	_, ok := d.Pop()
	require.False(t, ok)
}

func TestDynBufferConcurrentMixed(t *testing.T) {
	const workers = 8
	const perWorker = 500
	d := NewDynBuffer[int](4)

	popped := make([][]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				d.Push(w*perWorker + i)
				if rng.Intn(2) == 0 {
					if g, ok := d.Pop(); ok {
						popped[w] = append(popped[w], g.Value())
						g.Release()
					}
				}
			}
		}(w)
	}
	wg.Wait()

	// Every pushed value must surface exactly once across the
	// concurrent pops and the final drain, growth and shrinkage
	// notwithstanding.
	seen := make(map[int]bool)
	for w := range popped {
		for _, v := range popped[w] {
			require.False(t, seen[v], "value %d popped twice", v)
			seen[v] = true
		}
	}
	for {
		g, ok := d.Pop()
		if !ok {
			break
		}
		require.False(t, seen[g.Value()], "value %d popped twice", g.Value())
		seen[g.Value()] = true
		g.Release()
	}
	require.Equal(t, workers*perWorker, len(seen))
	require.Equal(t, 0, d.Len())
}
