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
	"encoding/binary"

	"github.com/cubefs/dirmeta/errors"
)

// FooterSize is the fixed trailer size: two block handles (each
// varint-encoded offset+size, padded to 20 bytes) plus an 8-byte magic
// number: two maximal block handles (2*20) plus the magic = 48.
const FooterSize = 48

const maxHandleEncodedLength = 20

// magic is an arbitrary constant distinguishing a well-formed table
// file from truncated garbage, in the spirit of LevelDB's
// kTableMagicNumber.
const magic uint64 = 0xd17e7a5574b1e00

// blockHandle is a pointer to a block: its offset and size within the
// table file.
type blockHandle struct {
	offset, size uint64
}

func (h blockHandle) encode() []byte {
	buf := make([]byte, 0, maxHandleEncodedLength)
	buf = appendVarint64(buf, h.offset)
	buf = appendVarint64(buf, h.size)
	return buf
}

func decodeBlockHandle(b []byte) (blockHandle, int, error) {
	off, n1 := getVarint64(b)
	if n1 == 0 {
		return blockHandle{}, 0, errors.New(errors.Corruption, "sstable: bad block handle")
	}
	sz, n2 := getVarint64(b[n1:])
	if n2 == 0 {
		return blockHandle{}, 0, errors.New(errors.Corruption, "sstable: bad block handle")
	}
	return blockHandle{offset: off, size: sz}, n1 + n2, nil
}

type footer struct {
	metaindexHandle blockHandle
	indexHandle     blockHandle
}

func (f footer) encode() []byte {
	buf := make([]byte, FooterSize)
	mi := f.metaindexHandle.encode()
	copy(buf[0:], mi)
	idx := f.indexHandle.encode()
	copy(buf[maxHandleEncodedLength:], idx)
	binary.LittleEndian.PutUint64(buf[FooterSize-8:], magic)
	return buf
}

func decodeFooter(b []byte) (footer, error) {
	if len(b) != FooterSize {
		return footer{}, errors.New(errors.Corruption, "sstable: short footer")
	}
	if binary.LittleEndian.Uint64(b[FooterSize-8:]) != magic {
		return footer{}, errors.New(errors.Corruption, "sstable: bad magic number")
	}
	mi, _, err := decodeBlockHandle(b[0:maxHandleEncodedLength])
	if err != nil {
		return footer{}, err
	}
	idx, _, err := decodeBlockHandle(b[maxHandleEncodedLength : 2*maxHandleEncodedLength])
	if err != nil {
		return footer{}, err
	}
	return footer{metaindexHandle: mi, indexHandle: idx}, nil
}

func appendVarint64(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func getVarint64(p []byte) (uint64, int) {
	var x uint64
	var s uint
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b < 0x80 {
			return x | uint64(b)<<s, i + 1
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0
}
