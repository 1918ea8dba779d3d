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

// ReaderSource is the random-access file handle a Reader is built over.
// *os.File satisfies it; so does the storage package's local file type.
type ReaderSource interface {
	io.ReaderAt
	Size() (int64, error)
}

// Reader serves point lookups and range scans against one immutable
// table file, consulting the Bloom filter before touching a data block.
type Reader struct {
	src    ReaderSource
	index  *block
	filter []byte
}

// Open parses the footer, index block and filter block of a table file.
// It does not read any data blocks eagerly.
func Open(src ReaderSource) (*Reader, error) {
	size, err := src.Size()
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "sstable: stat")
	}
	if size < FooterSize {
		return nil, errors.New(errors.Corruption, "sstable: file too small to hold a footer")
	}
	footerBuf := make([]byte, FooterSize)
	if _, err := src.ReadAt(footerBuf, size-FooterSize); err != nil {
		return nil, errors.Wrap(errors.IOError, err, "sstable: read footer")
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	indexContents, err := readBlockContents(src, ft.indexHandle)
	if err != nil {
		return nil, err
	}
	indexBlk, err := parseBlock(indexContents)
	if err != nil {
		return nil, err
	}

	metaContents, err := readBlockContents(src, ft.metaindexHandle)
	if err != nil {
		return nil, err
	}
	metaBlk, err := parseBlock(metaContents)
	if err != nil {
		return nil, err
	}
	var filter []byte
	mit := metaBlk.newIter()
	mit.SeekToFirst()
	for mit.Valid() {
		if string(mit.Key()) == "filter.bloom" {
			fh, _, err := decodeBlockHandle(mit.Value())
			if err != nil {
				return nil, err
			}
			filter, err = readBlockContents(src, fh)
			if err != nil {
				return nil, err
			}
			break
		}
		mit.Next()
	}

	return &Reader{src: src, index: indexBlk, filter: filter}, nil
}

func readBlockContents(src ReaderSource, h blockHandle) ([]byte, error) {
	buf := make([]byte, h.size+blockTrailerSize)
	if _, err := src.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, errors.Wrap(errors.IOError, err, "sstable: read block")
	}
	contents := buf[:h.size]
	trailer := buf[h.size:]
	crc := crc32.Checksum(contents, crcTable)
	crc = crc32.Update(crc, crcTable, trailer[:1])
	if binary.LittleEndian.Uint32(trailer[1:]) != crc {
		return nil, errors.New(errors.Corruption, "sstable: block checksum mismatch")
	}
	return contents, nil
}

// Get returns the value for the exact encoded key, or found=false if
// absent. The Bloom filter is consulted first to skip a block read for
// keys known not to be present.
func (r *Reader) Get(encodedKey []byte) (value []byte, found bool, err error) {
	if r.filter != nil && !bloomMayContain(r.filter, encodedKey) {
		return nil, false, nil
	}
	it := r.index.newIter()
	it.Seek(encodedKey)
	if !it.Valid() {
		return nil, false, nil
	}
	handle, _, err := decodeBlockHandle(it.Value())
	if err != nil {
		return nil, false, err
	}
	contents, err := readBlockContents(r.src, handle)
	if err != nil {
		return nil, false, err
	}
	dataBlk, err := parseBlock(contents)
	if err != nil {
		return nil, false, err
	}
	dit := dataBlk.newIter()
	dit.Seek(encodedKey)
	if !dit.Valid() || compareBytes(dit.Key(), encodedKey) != 0 {
		return nil, false, nil
	}
	return append([]byte(nil), dit.Value()...), true, nil
}

// Iterator walks the whole table in key order, used by compaction and
// by the engine's cross-level merging iterator.
type Iterator struct {
	r       *Reader
	idxIter *blockIter
	dit     *blockIter
	err     error
}

func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, idxIter: r.index.newIter()}
}

func (it *Iterator) SeekToFirst() {
	it.idxIter.SeekToFirst()
	it.loadDataBlock()
}

func (it *Iterator) Seek(encodedKey []byte) {
	it.idxIter.Seek(encodedKey)
	it.loadDataBlock()
	if it.dit != nil {
		it.dit.Seek(encodedKey)
		if !it.dit.Valid() {
			// encodedKey sorts after this block's last key but not after
			// its index separator: the first key >= encodedKey opens the
			// next block.
			it.idxIter.Next()
			it.loadDataBlock()
		}
	}
}

func (it *Iterator) loadDataBlock() {
	it.dit = nil
	if !it.idxIter.Valid() {
		return
	}
	handle, _, err := decodeBlockHandle(it.idxIter.Value())
	if err != nil {
		it.err = err
		return
	}
	contents, err := readBlockContents(it.r.src, handle)
	if err != nil {
		it.err = err
		return
	}
	blk, err := parseBlock(contents)
	if err != nil {
		it.err = err
		return
	}
	dit := blk.newIter()
	dit.SeekToFirst()
	it.dit = dit
}

func (it *Iterator) Valid() bool { return it.err == nil && it.dit != nil && it.dit.Valid() }
func (it *Iterator) Err() error  { return it.err }
func (it *Iterator) Key() []byte { return it.dit.Key() }
func (it *Iterator) Value() []byte { return it.dit.Value() }

func (it *Iterator) Next() {
	it.dit.Next()
	if !it.dit.Valid() {
		it.idxIter.Next()
		it.loadDataBlock()
	}
}
