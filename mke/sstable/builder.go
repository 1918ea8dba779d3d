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
	"hash/crc32"
	"io"

	"github.com/cubefs/dirmeta/errors"
)

// DefaultBlockSize is the soft limit a data block is flushed at.
const DefaultBlockSize = 4 * 1024

const blockTrailerSize = 5 // 1-byte type + 4-byte crc

// Builder assembles one sstable: data blocks, a Bloom filter block, an
// index block and a footer, written strictly in key order.
type Builder struct {
	dest        io.Writer
	blockSize   int
	dataBlock   *blockBuilder
	indexBlock  *blockBuilder
	offset      uint64
	numEntries  int64
	lastKey     []byte
	filterKeys  [][]byte
	pendingIdx  bool
	pendingH    blockHandle
	firstKey    []byte
	err         error
}

func NewBuilder(dest io.Writer) *Builder {
	return &Builder{
		dest:       dest,
		blockSize:  DefaultBlockSize,
		dataBlock:  newBlockBuilder(DefaultRestartInterval),
		indexBlock: newBlockBuilder(1), // no prefix compression in the index
	}
}

// Add appends one key/value pair. Keys must be added in ascending order
// (sstable.EncodeKey order).
func (b *Builder) Add(key, value []byte) error {
	if b.err != nil {
		return b.err
	}
	if b.numEntries > 0 && compareBytes(key, b.lastKey) <= 0 {
		return errors.New(errors.InvalidArgument, "sstable: out-of-order key")
	}
	if b.numEntries == 0 {
		b.firstKey = append([]byte(nil), key...)
	}

	if b.pendingIdx {
		// Defer index entries by one key so the index can use a short
		// separator between the last key of the prior block and this one,
		// so index keys stay short without losing precision.
		sep := shortestSeparator(b.lastKey, key)
		b.indexBlock.Add(sep, b.pendingH.encode())
		b.pendingIdx = false
	}

	b.filterKeys = append(b.filterKeys, append([]byte(nil), key...))
	b.dataBlock.Add(key, value)
	b.lastKey = append(b.lastKey[:0], key...)
	b.numEntries++

	if b.dataBlock.CurrentSizeEstimate() >= b.blockSize {
		b.flush()
	}
	return b.err
}

func (b *Builder) flush() {
	if b.dataBlock.empty() {
		return
	}
	handle, err := b.writeBlock(b.dataBlock)
	if err != nil {
		b.err = err
		return
	}
	b.pendingH = handle
	b.pendingIdx = true
	b.dataBlock = newBlockBuilder(DefaultRestartInterval)
}

func (b *Builder) writeBlock(bb *blockBuilder) (blockHandle, error) {
	contents := bb.Finish()
	handle := blockHandle{offset: b.offset, size: uint64(len(contents))}
	if err := b.writeRaw(contents); err != nil {
		return blockHandle{}, err
	}
	return handle, nil
}

func (b *Builder) writeRaw(contents []byte) error {
	if _, err := b.dest.Write(contents); err != nil {
		return errors.Wrap(errors.IOError, err, "sstable: write block")
	}
	var trailer [blockTrailerSize]byte
	crc := crc32.Checksum(contents, crcTable)
	crc = crc32.Update(crc, crcTable, trailer[:1])
	binary.LittleEndian.PutUint32(trailer[1:], crc)
	if _, err := b.dest.Write(trailer[:]); err != nil {
		return errors.Wrap(errors.IOError, err, "sstable: write block trailer")
	}
	b.offset += uint64(len(contents)) + blockTrailerSize
	return nil
}

// NumEntries, FirstKey and LastKey are exposed so the manifest's
// VersionEdit can record this table's key range without re-reading it.
func (b *Builder) NumEntries() int64 { return b.numEntries }
func (b *Builder) FirstKey() []byte  { return b.firstKey }
func (b *Builder) LastKey() []byte   { return b.lastKey }

// Finish flushes any pending data, writes the filter, metaindex and
// index blocks, and finally the fixed footer. Returns the finished
// table's total size.
func (b *Builder) Finish() (uint64, error) {
	if b.err != nil {
		return 0, b.err
	}
	b.flush()
	if b.err != nil {
		return 0, b.err
	}

	filterHandle, err := b.writeRawBlock(buildBloomFilter(b.filterKeys))
	if err != nil {
		return 0, err
	}

	metaBuilder := newBlockBuilder(1)
	metaBuilder.Add([]byte("filter.bloom"), filterHandle.encode())
	metaHandle, err := b.writeBlock(metaBuilder)
	if err != nil {
		return 0, err
	}

	if b.pendingIdx {
		succ := shortSuccessor(b.lastKey)
		b.indexBlock.Add(succ, b.pendingH.encode())
		b.pendingIdx = false
	}
	indexHandle, err := b.writeBlock(b.indexBlock)
	if err != nil {
		return 0, err
	}

	// The footer is written bare, with no block trailer: Open reads the
	// last FooterSize bytes of the file as the footer.
	f := footer{metaindexHandle: metaHandle, indexHandle: indexHandle}
	if _, err := b.dest.Write(f.encode()); err != nil {
		return 0, errors.Wrap(errors.IOError, err, "sstable: write footer")
	}
	b.offset += FooterSize
	return b.offset, nil
}

func (b *Builder) writeRawBlock(contents []byte) (blockHandle, error) {
	handle := blockHandle{offset: b.offset, size: uint64(len(contents))}
	if err := b.writeRaw(contents); err != nil {
		return blockHandle{}, err
	}
	return handle, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// shortestSeparator returns a key >= start and < limit, preferring a
// shorter key when one exists between them. When no better separator
// is found, limit itself (the next block's first key) is returned.
func shortestSeparator(start, limit []byte) []byte {
	minLen := len(start)
	if len(limit) < minLen {
		minLen = len(limit)
	}
	diff := 0
	for diff < minLen && start[diff] == limit[diff] {
		diff++
	}
	if diff < minLen && start[diff] < 0xff && start[diff]+1 < limit[diff] {
		sep := append([]byte(nil), start[:diff+1]...)
		sep[diff]++
		return sep
	}
	return append([]byte(nil), limit...)
}

// shortSuccessor returns a short key >= key, used as the index entry for
// the last block in the table.
func shortSuccessor(key []byte) []byte {
	for i, c := range key {
		if c != 0xff {
			succ := append([]byte(nil), key[:i+1]...)
			succ[i]++
			return succ
		}
	}
	return append([]byte(nil), key...)
}
