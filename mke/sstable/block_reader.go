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

	"github.com/cubefs/dirmeta/errors"
)

// block is a parsed data or index block: the raw bytes plus the parsed
// restart-point offset table.
type block struct {
	data     []byte
	restarts []uint32
}

func parseBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, errors.New(errors.Corruption, "sstable: block too small")
	}
	numRestarts := binary.LittleEndian.Uint32(data[len(data)-4:])
	trailerStart := len(data) - 4 - int(numRestarts)*4
	if trailerStart < 0 {
		return nil, errors.New(errors.Corruption, "sstable: bad restart count")
	}
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		off := trailerStart + i*4
		restarts[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}
	return &block{data: data[:trailerStart], restarts: restarts}, nil
}

// blockIter decodes one prefix-compressed entry at a time.
type blockIter struct {
	b        *block
	offset   int
	key      []byte
	value    []byte
	restart  int // index into b.restarts of the restart preceding offset
	hasEntry bool
}

func (b *block) newIter() *blockIter {
	return &blockIter{b: b}
}

func (it *blockIter) SeekToFirst() {
	it.offset = 0
	it.restart = 0
	it.key = it.key[:0]
	it.parseNext()
}

// seekToRestart positions at restart point i without decoding entries.
func (it *blockIter) seekToRestart(i int) {
	it.offset = int(it.b.restarts[i])
	it.restart = i
	it.key = it.key[:0]
	it.parseNext()
}

// Seek positions the iterator at the first entry with key >= target,
// using the restart points for a binary search followed by a linear
// scan within the winning block segment.
func (it *blockIter) Seek(target []byte) {
	lo, hi := 0, len(it.b.restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		it.seekToRestart(mid)
		if bytes.Compare(it.key, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it.seekToRestart(lo)
	for it.Valid() && bytes.Compare(it.key, target) < 0 {
		it.Next()
	}
}

func (it *blockIter) Valid() bool { return it.hasEntry }

func (it *blockIter) Next() {
	it.parseNext()
}

func (it *blockIter) Key() []byte   { return it.key }
func (it *blockIter) Value() []byte { return it.value }

func (it *blockIter) parseNext() {
	if it.offset >= len(it.b.data) {
		it.hasEntry = false
		return
	}
	p := it.b.data[it.offset:]
	shared, n1 := getVarint32(p)
	nonShared, n2 := getVarint32(p[n1:])
	valLen, n3 := getVarint32(p[n1+n2:])
	head := n1 + n2 + n3
	keyDelta := p[head : head+int(nonShared)]
	value := p[head+int(nonShared) : head+int(nonShared)+int(valLen)]

	newKey := append(append([]byte(nil), it.key[:shared]...), keyDelta...)
	it.key = newKey
	it.value = value
	it.offset += head + int(nonShared) + int(valLen)
	it.hasEntry = true
}

func getVarint32(p []byte) (uint32, int) {
	var x uint32
	var s uint
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b < 0x80 {
			return x | uint32(b)<<s, i + 1
		}
		x |= uint32(b&0x7f) << s
		s += 7
	}
	return 0, 0
}
