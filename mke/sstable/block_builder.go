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

import (
	"bytes"
	"encoding/binary"
)

// DefaultRestartInterval is how many keys a data block stores with full
// prefix compression before emitting a "restart point" with the whole
// key written out.
const DefaultRestartInterval = 16

// blockBuilder accumulates prefix-compressed key/value pairs into one
// block, in LevelDB's block layout:
//	entry := shared_bytes(varint) unshared_bytes(varint) value_len(varint)
//	         key_delta[unshared_bytes] value[value_len]
//	trailer := restart_offset[num_restarts]uint32 num_restarts uint32
type blockBuilder struct {
	restartInterval int
	buf             bytes.Buffer
	restarts        []uint32
	lastKey         []byte
	counter         int
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &blockBuilder{restartInterval: restartInterval, restarts: []uint32{0}}
}

func (b *blockBuilder) empty() bool { return b.buf.Len() == 0 }

// Add appends one key/value pair. Keys must be added in ascending order.
func (b *blockBuilder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		minLen := len(b.lastKey)
		if len(key) < minLen {
			minLen = len(key)
		}
		for shared < minLen && b.lastKey[shared] == key[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.counter = 0
	}
	nonShared := key[shared:]

	putVarint32(&b.buf, uint32(shared))
	putVarint32(&b.buf, uint32(len(nonShared)))
	putVarint32(&b.buf, uint32(len(value)))
	b.buf.Write(nonShared)
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// CurrentSizeEstimate returns the block's size if Finish were called now.
func (b *blockBuilder) CurrentSizeEstimate() int {
	return b.buf.Len() + len(b.restarts)*4 + 4
}

// Finish appends the restart-point trailer and returns the block's raw
// bytes. The builder must not be reused afterward.
func (b *blockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], r)
		b.buf.Write(tmp[:])
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	b.buf.Write(tmp[:])
	return b.buf.Bytes()
}

func putVarint32(buf *bytes.Buffer, v uint32) {
	var tmp [5]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	n++
	buf.Write(tmp[:n])
}
