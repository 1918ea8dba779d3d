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

// Package sstable is the MKE's immutable on-disk table format: prefix
// compressed data blocks, a Bloom filter block, an index block and a
// fixed-size footer, the classic LevelDB table layout.
package sstable

import (
	"encoding/binary"

	"github.com/cubefs/dirmeta/proto"
)

// EncodeKey packs a proto.RowKey into its sortable byte-string form:
// big-endian fields so byte-wise comparison matches memtable.Compare
// (parent ascending, name hash ascending, sequence DESCENDING -- encoded
// as ^sequence so ascending bytes sort descending sequence values).
func EncodeKey(k proto.RowKey) []byte {
	buf := make([]byte, 8+8+8+8+8+1)
	binary.BigEndian.PutUint64(buf[0:8], k.Parent.RegistryID)
	binary.BigEndian.PutUint64(buf[8:16], k.Parent.DirectoryNo)
	binary.BigEndian.PutUint64(buf[16:24], k.NameHash.Hi)
	binary.BigEndian.PutUint64(buf[24:32], k.NameHash.Lo)
	binary.BigEndian.PutUint64(buf[32:40], ^uint64(k.Sequence))
	buf[40] = byte(k.ValueType)
	return buf
}

// DecodeKey is EncodeKey's inverse.
func DecodeKey(b []byte) (proto.RowKey, error) {
	if len(b) != 41 {
		return proto.RowKey{}, errShortKey
	}
	return proto.RowKey{
		Parent: proto.DirID{
			RegistryID:  binary.BigEndian.Uint64(b[0:8]),
			DirectoryNo: binary.BigEndian.Uint64(b[8:16]),
		},
		NameHash: proto.Hash128{
			Hi: binary.BigEndian.Uint64(b[16:24]),
			Lo: binary.BigEndian.Uint64(b[24:32]),
		},
		Sequence:  proto.Sequence(^binary.BigEndian.Uint64(b[32:40])),
		ValueType: proto.ValueType(b[40]),
	}, nil
}
