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

// Package memtable is the MKE's mutable in-memory layer: a skip list
// ordered by row key, holding writes not yet flushed to an sstable.
// The key ordering mirrors LevelDB's internal key comparator: user key
// ascending, then sequence number descending so the newest version of
// a key sorts
// first.
package memtable

import (
	"github.com/cubefs/dirmeta/proto"
)

// Compare orders two row keys: (Parent, NameHash) ascending, then
// Sequence descending.
func Compare(a, b proto.RowKey) int {
	if a.Parent.RegistryID != b.Parent.RegistryID {
		return cmpUint64(a.Parent.RegistryID, b.Parent.RegistryID)
	}
	if a.Parent.DirectoryNo != b.Parent.DirectoryNo {
		return cmpUint64(a.Parent.DirectoryNo, b.Parent.DirectoryNo)
	}
	if a.NameHash.Hi != b.NameHash.Hi {
		return cmpUint64(a.NameHash.Hi, b.NameHash.Hi)
	}
	if a.NameHash.Lo != b.NameHash.Lo {
		return cmpUint64(a.NameHash.Lo, b.NameHash.Lo)
	}
	// Newest sequence first within the same user key.
	return cmpUint64(b.Sequence, a.Sequence)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Entry is one memtable row: the key plus its (possibly deleted) value.
type Entry struct {
	Key     proto.RowKey
	Value   []byte
	Deleted bool
}
