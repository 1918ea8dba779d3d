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

// Package manifest tracks the MKE's set of live sstables per level: a
// log of VersionEdit records replayed into an in-memory Version on
// open, with a CURRENT file pointing at the active manifest log, the
// classic LevelDB VersionSet/VersionEdit arrangement.
package manifest

import (
	"encoding/binary"

	"github.com/cubefs/dirmeta/errors"
)

// FileMetadata describes one live sstable: its number, size and the
// range of encoded keys it covers.
type FileMetadata struct {
	Number     uint64
	Size       uint64
	SmallestKey []byte
	LargestKey  []byte
	// AllowedSeeks counts down on every unproductive seek through this
	// file; it reaching zero triggers a seek-compaction.
	AllowedSeeks int64
}

// Less orders two files by smallest key, for level>0 where ranges are
// disjoint; for level 0 insertion order (Number) is the tiebreak.
func (f *FileMetadata) Less(other *FileMetadata) bool {
	c := compareEncoded(f.SmallestKey, other.SmallestKey)
	if c != 0 {
		return c < 0
	}
	return f.Number < other.Number
}

func compareEncoded(a, b []byte) int {
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

// Edit is one batch of changes to apply to a Version: files added at a
// level, files deleted from a level, and/or a new compaction pointer.
// It is the manifest's unit of durability.
type Edit struct {
	NextFileNumber   uint64
	LastSequence     uint64
	CompactPointer   map[int][]byte
	AddedFiles       map[int][]*FileMetadata
	DeletedFiles     map[int][]uint64
	HasComparator    bool
}

func NewEdit() *Edit {
	return &Edit{
		CompactPointer: make(map[int][]byte),
		AddedFiles:     make(map[int][]*FileMetadata),
		DeletedFiles:   make(map[int][]uint64),
	}
}

func (e *Edit) AddFile(level int, f *FileMetadata) {
	e.AddedFiles[level] = append(e.AddedFiles[level], f)
}

func (e *Edit) DeleteFile(level int, number uint64) {
	e.DeletedFiles[level] = append(e.DeletedFiles[level], number)
}

func (e *Edit) SetCompactPointer(level int, key []byte) {
	e.CompactPointer[level] = append([]byte(nil), key...)
}

// Encode serializes the edit for the manifest log. The format is
// intentionally simple (length-prefixed fields) rather than the
// original's tagged varint stream, since the manifest here has no
// cross-version compatibility requirement to maintain.
func (e *Edit) Encode() []byte {
	var buf []byte
	buf = appendUvarint(buf, e.NextFileNumber)
	buf = appendUvarint(buf, e.LastSequence)

	buf = appendUvarint(buf, uint64(len(e.CompactPointer)))
	for level, key := range e.CompactPointer {
		buf = appendUvarint(buf, uint64(level))
		buf = appendBytes(buf, key)
	}

	buf = appendUvarint(buf, uint64(len(e.AddedFiles)))
	for level, files := range e.AddedFiles {
		buf = appendUvarint(buf, uint64(level))
		buf = appendUvarint(buf, uint64(len(files)))
		for _, f := range files {
			buf = appendUvarint(buf, f.Number)
			buf = appendUvarint(buf, f.Size)
			buf = appendBytes(buf, f.SmallestKey)
			buf = appendBytes(buf, f.LargestKey)
			buf = appendUvarint(buf, uint64(f.AllowedSeeks))
		}
	}

	buf = appendUvarint(buf, uint64(len(e.DeletedFiles)))
	for level, nums := range e.DeletedFiles {
		buf = appendUvarint(buf, uint64(level))
		buf = appendUvarint(buf, uint64(len(nums)))
		for _, n := range nums {
			buf = appendUvarint(buf, n)
		}
	}
	return buf
}

// Decode parses the Encode format back into an Edit.
func Decode(data []byte) (*Edit, error) {
	e := NewEdit()
	r := &byteReader{data: data}

	var ok bool
	if e.NextFileNumber, ok = r.uvarint(); !ok {
		return nil, errCorrupt
	}
	if e.LastSequence, ok = r.uvarint(); !ok {
		return nil, errCorrupt
	}

	nPointers, ok := r.uvarint()
	if !ok {
		return nil, errCorrupt
	}
	for i := uint64(0); i < nPointers; i++ {
		level, ok1 := r.uvarint()
		key, ok2 := r.bytes()
		if !ok1 || !ok2 {
			return nil, errCorrupt
		}
		e.CompactPointer[int(level)] = key
	}

	nLevelsAdded, ok := r.uvarint()
	if !ok {
		return nil, errCorrupt
	}
	for i := uint64(0); i < nLevelsAdded; i++ {
		level, ok1 := r.uvarint()
		count, ok2 := r.uvarint()
		if !ok1 || !ok2 {
			return nil, errCorrupt
		}
		files := make([]*FileMetadata, 0, count)
		for j := uint64(0); j < count; j++ {
			f := &FileMetadata{}
			var okN, okS, okSm, okL, okA bool
			f.Number, okN = r.uvarint()
			f.Size, okS = r.uvarint()
			f.SmallestKey, okSm = r.bytes()
			f.LargestKey, okL = r.bytes()
			var seeks uint64
			seeks, okA = r.uvarint()
			f.AllowedSeeks = int64(seeks)
			if !okN || !okS || !okSm || !okL || !okA {
				return nil, errCorrupt
			}
			files = append(files, f)
		}
		e.AddedFiles[int(level)] = files
	}

	nLevelsDeleted, ok := r.uvarint()
	if !ok {
		return nil, errCorrupt
	}
	for i := uint64(0); i < nLevelsDeleted; i++ {
		level, ok1 := r.uvarint()
		count, ok2 := r.uvarint()
		if !ok1 || !ok2 {
			return nil, errCorrupt
		}
		nums := make([]uint64, 0, count)
		for j := uint64(0); j < count; j++ {
			n, ok := r.uvarint()
			if !ok {
				return nil, errCorrupt
			}
			nums = append(nums, n)
		}
		e.DeletedFiles[int(level)] = nums
	}

	return e, nil
}

var errCorrupt = errors.New(errors.Corruption, "manifest: malformed edit record")

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) uvarint() (uint64, bool) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, false
	}
	r.pos += n
	return v, true
}

func (r *byteReader) bytes() ([]byte, bool) {
	n, ok := r.uvarint()
	if !ok || r.pos+int(n) > len(r.data) {
		return nil, false
	}
	b := append([]byte(nil), r.data[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return b, true
}
