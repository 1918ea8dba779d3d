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

package memtable

import (
	"sync/atomic"

	"github.com/cubefs/dirmeta/proto"
)

// Memtable is the MKE's active, mutable layer. Writes land here first
// and are only durable because they were WAL-logged before Insert was
// called; the memtable itself is not synced to disk.
type Memtable struct {
	list       *skipList
	memUsage   int64 // approximate bytes held, for the flush threshold
	refs       int32
}

func New() *Memtable {
	return &Memtable{list: newSkipList(), refs: 1}
}

// Put inserts value under key at the sequence key carries; older versions
// of the same user key stay in the list below it.
func (m *Memtable) Put(key proto.RowKey, value []byte) {
	m.list.Insert(Entry{Key: key, Value: value})
	atomic.AddInt64(&m.memUsage, int64(rowKeySize+len(value)))
}

// Delete inserts a tombstone for key at the sequence key carries.
func (m *Memtable) Delete(key proto.RowKey) {
	key.ValueType = proto.ValueTypeDeletion
	m.list.Insert(Entry{Key: key, Deleted: true})
	atomic.AddInt64(&m.memUsage, rowKeySize)
}

// Get looks up the newest entry for (parent, nameHash) at or before
// maxSeq. Returns found=false if nothing in this memtable covers the
// key (the caller should then consult older memtables/sstables).
func (m *Memtable) Get(parent proto.DirID, nameHash proto.Hash128, maxSeq proto.Sequence) (value []byte, deleted bool, found bool) {
	e, ok := m.list.Get(parent, nameHash)
	if !ok {
		return nil, false, false
	}
	if e.Key.Sequence > uint64(maxSeq) {
		// newest visible entry is from after the snapshot; walk forward
		// for an older version with the same user key.
		it := m.list.newIterator()
		it.Seek(e.Key)
		for it.Valid() {
			cand := it.Entry()
			if !sameUserKey(cand.Key, e.Key) {
				break
			}
			if cand.Key.Sequence <= uint64(maxSeq) {
				return cand.Value, cand.Deleted, true
			}
			it.Next()
		}
		return nil, false, false
	}
	return e.Value, e.Deleted, true
}

// ApproximateMemoryUsage estimates the memtable's resident size, used to
// decide when to rotate to a new memtable and flush the old one.
func (m *Memtable) ApproximateMemoryUsage() int64 {
	return atomic.LoadInt64(&m.memUsage)
}

// rowKeySize is the fixed encoded size of a RowKey, used for the
// memory-usage estimate (4x uint64 + 1 byte type tag, rounded for node
// overhead).
const rowKeySize = 8*4 + 1 + 32

// NewIterator returns a forward iterator over the memtable's entries in
// key order (ascending user key, descending sequence), for use by a
// merging iterator across memtables and sstables.
func (m *Memtable) NewIterator() Iterator {
	it := m.list.newIterator()
	it.SeekToFirst()
	return it
}

// Iterator is the read-only interface a merging iterator composes over
// memtables and sstable readers.
type Iterator interface {
	Valid() bool
	Entry() Entry
	Next()
	Seek(key proto.RowKey)
}

// Ref/Unref let a reader pin a memtable across a snapshot's lifetime
// even after the engine has rotated it out of the active slot.
func (m *Memtable) Ref()   { atomic.AddInt32(&m.refs, 1) }
func (m *Memtable) Unref() int32 { return atomic.AddInt32(&m.refs, -1) }
