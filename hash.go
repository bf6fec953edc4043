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

package flatmap

import (
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/constraints"
)

// defaultHasher returns a hash function for any comparable K, seeded once
// per map. It hashes keys the way Go's builtin map[K]V does.
func defaultHasher[K comparable]() func(key K) uint64 {
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}

// StringHash hashes s using xxHash64. It is deterministic across processes,
// which makes iteration order of a string keyed Map reproducible.
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// IntegerHash hashes an integer key by running it through the 64-bit
// finalizer from MurmurHash3. Consecutive integers land in well separated
// home slots, unlike an identity hash.
func IntegerHash[T constraints.Integer](v T) uint64 {
	x := uint64(v)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func defaultEqual[K comparable](a, b K) bool {
	return a == b
}
