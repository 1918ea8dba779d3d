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

package proto

import "encoding/binary"

// InodeValue is the row value an MKE inode row (ValueTypeInode) carries:
// exactly the fields the LLT caches as Attrs and the client needs back
// from a lookup.
type InodeValue struct {
	InodeNo             uint64
	Mode                uint32
	UID                 uint32
	GID                 uint32
	ZerothServerOfChild ServerID
}

// Encode serializes v into the fixed 24-byte row value layout.
func (v InodeValue) Encode() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], v.InodeNo)
	binary.BigEndian.PutUint32(buf[8:12], v.Mode)
	binary.BigEndian.PutUint32(buf[12:16], v.UID)
	binary.BigEndian.PutUint32(buf[16:20], v.GID)
	binary.BigEndian.PutUint32(buf[20:24], v.ZerothServerOfChild)
	return buf
}

// DecodeInodeValue parses the layout Encode produces.
func DecodeInodeValue(b []byte) (InodeValue, bool) {
	if len(b) < 24 {
		return InodeValue{}, false
	}
	return InodeValue{
		InodeNo:             binary.BigEndian.Uint64(b[0:8]),
		Mode:                binary.BigEndian.Uint32(b[8:12]),
		UID:                 binary.BigEndian.Uint32(b[12:16]),
		GID:                 binary.BigEndian.Uint32(b[16:20]),
		ZerothServerOfChild: binary.BigEndian.Uint32(b[20:24]),
	}, true
}
