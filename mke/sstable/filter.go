// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package sstable

import "github.com/spaolacci/murmur3"

// bitsPerKey and the k-probe count follow LevelDB's bloom filter policy
// (table_builder.cc builds a FilterBlockBuilder per filter_policy; the
// filter_block.h header wasn't part of the retrieved reference set, so
// this is the well-known LevelDB Bloom construction: ~10 bits/key, k =
// bits_per_key * 0.69 truncated (6 at 10 bits/key), with Dietzfelbinger double hashing so a
// single 32-bit murmur3 hash produces all k probes).
const bitsPerKey = 10

func bloomK() int {
	bpk := float64(bitsPerKey)
	k := int(bpk * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

// buildBloomFilter returns a filter over the given keys, one bit array
// sized proportionally to len(keys)*bitsPerKey, plus a trailing byte
// recording k (so a reader built with different defaults can still
// parse an older filter).
func buildBloomFilter(keys [][]byte) []byte {
	k := bloomK()
	nBits := len(keys) * bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	out := make([]byte, nBytes+1)
	for _, key := range keys {
		h := murmur3.Sum32(key)
		delta := (h >> 17) | (h << 15) // rotate, per leveldb's bloom probe spacing
		for i := 0; i < k; i++ {
			bitPos := h % uint32(nBits)
			out[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	out[nBytes] = byte(k)
	return out
}

// bloomMayContain reports whether key might be in the set the filter
// was built from. False positives are possible; false negatives are
// not.
func bloomMayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return false
	}
	k := int(filter[len(filter)-1])
	bits := filter[:len(filter)-1]
	nBits := len(bits) * 8

	h := murmur3.Sum32(key)
	delta := (h >> 17) | (h << 15)
	for i := 0; i < k; i++ {
		bitPos := h % uint32(nBits)
		if bits[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
