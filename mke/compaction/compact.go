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

package compaction

import (
	"io"

	"github.com/cubefs/dirmeta/mke/manifest"
	"github.com/cubefs/dirmeta/mke/sstable"
	"github.com/cubefs/dirmeta/proto"
)

// Opener creates the destination file for a new sstable given its file
// number; the engine supplies this so compaction stays agnostic of the
// storage package's concrete file type.
type Opener func(fileNumber uint64) (io.Writer, error)

// Run merges Plan's input files (already-sorted sstable readers) into
// a single new sstable at level+1 (none if every row is dropped),
// dropping obsolete versions and tombstones once they are no longer
// visible to any open snapshot.
func Run(plan *Plan, readers []*sstable.Reader, newFileNumber func() uint64, open Opener, minVisibleSeq func() uint64) ([]*manifest.FileMetadata, error) {
	its := make([]*sstable.Iterator, len(readers))
	for i, r := range readers {
		its[i] = r.NewIterator()
		its[i].SeekToFirst()
	}

	var outputs []*manifest.FileMetadata
	var cur *sstable.Builder
	var curDest io.Writer
	var curNumber uint64
	var curFirst, curLast []byte

	flush := func() error {
		if cur == nil {
			return nil
		}
		size, err := cur.Finish()
		if err != nil {
			return err
		}
		outputs = append(outputs, &manifest.FileMetadata{
			Number:       curNumber,
			Size:         size,
			SmallestKey:  curFirst,
			LargestKey:   curLast,
			AllowedSeeks: defaultAllowedSeeks(size),
		})
		cur = nil
		return nil
	}

	var lastEmittedKey []byte
	var lastSeqForKey uint64
	for {
		i := selectSmallest(its)
		if i < 0 {
			break
		}
		key := its[i].Key()
		value := its[i].Value()

		// The merge scans inputs in ascending (key, ~descending-sequence)
		// order, so the first occurrence of a user key is its newest
		// version. An older version is kept only while the version kept
		// above it is newer than minVisibleSeq; otherwise every open
		// snapshot reads that newer version and the older one is dropped.
		isNewVersion := lastEmittedKey == nil || !sameEncodedUserKey(key, lastEmittedKey)
		keep := isNewVersion || lastSeqForKey > minVisibleSeq()
		advanceAll(its, key)

		if keep {
			decoded, derr := sstable.DecodeKey(key)
			lastSeqForKey = 0
			if derr == nil {
				lastSeqForKey = uint64(decoded.Sequence)
			}
			if isNewVersion && derr == nil && uint64(decoded.Sequence) < minVisibleSeq() && decoded.ValueType == proto.ValueTypeDeletion {
				// Tombstone with no older snapshot depending on it: drop it.
				lastEmittedKey = key
				continue
			}

			if cur == nil {
				curNumber = newFileNumber()
				dest, err := open(curNumber)
				if err != nil {
					return nil, err
				}
				curDest = dest
				cur = sstable.NewBuilder(curDest)
				curFirst = append([]byte(nil), key...)
			}
			if err := cur.Add(key, value); err != nil {
				return nil, err
			}
			curLast = append([]byte(nil), key...)
			lastEmittedKey = key
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// defaultAllowedSeeks follows LevelDB's heuristic: one
// allowed seek per 16KiB of file, minimum 100, so small files don't
// thrash into compaction on the first miss.
func defaultAllowedSeeks(size uint64) int64 {
	seeks := int64(size / (16 * 1024))
	if seeks < 100 {
		seeks = 100
	}
	return seeks
}

func selectSmallest(its []*sstable.Iterator) int {
	best := -1
	var bestKey []byte
	for i, it := range its {
		if !it.Valid() {
			continue
		}
		if best < 0 || compareKeys(it.Key(), bestKey) < 0 {
			best = i
			bestKey = it.Key()
		}
	}
	return best
}

func advanceAll(its []*sstable.Iterator, key []byte) {
	for _, it := range its {
		if it.Valid() && compareKeys(it.Key(), key) == 0 {
			it.Next()
		}
	}
}

func compareKeys(a, b []byte) int {
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

// sameEncodedUserKey reports whether two encoded row keys share the
// same (parent, name hash) prefix, ignoring the trailing
// sequence+value-type suffix sstable.EncodeKey appends.
func sameEncodedUserKey(a, b []byte) bool {
	const userKeyLen = 32 // parent(16) + name hash(16)
	if len(a) < userKeyLen || len(b) < userKeyLen {
		return false
	}
	for i := 0; i < userKeyLen; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
