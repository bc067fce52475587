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

	"github.com/bytedance/gopkg/lang/fastrand"
)

type option[K comparable, V any] interface {
	apply(m *PlugMap[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key K, seed uint64) uint64
}

func (op hashOption[K, V]) apply(m *PlugMap[K, V]) {
	seed := fastrand.Uint64()
	m.hasher = func(key K) uint64 {
		return op.hash(key, seed)
	}
}

// WithHash sets the hash function. The seed is chosen at construction
// and differs between maps, so chain layouts are not repeatable across
// instances.
func WithHash[K comparable, V any](hash func(key K, seed uint64) uint64) option[K, V] {
	return hashOption[K, V]{hash: hash}
}

type strideOption[K comparable, V any] struct {
	stride int64
}

func (op strideOption[K, V]) apply(m *PlugMap[K, V]) {
	m.stride = op.stride
}

// WithResizeStride sets how many buckets a helper migrates per claim
// during a resize.
func WithResizeStride[K comparable, V any](n int) option[K, V] {
	if n < 1 {
		panic(fmt.Sprintf("plugmap: resize stride must be positive, got %d", n))
	}
	return strideOption[K, V]{stride: int64(n)}
}
