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
	"math/rand"
	"sync/atomic"
	"unsafe"

	"github.com/cubefs/dirmeta/proto"
)

const maxHeight = 12
const branching = 4

// node is a skip list node. next is sized to node.height and accessed
// through atomic.LoadPointer/StorePointer so a single writer can insert
// while concurrent readers walk the list without a lock.
type node struct {
	entry Entry
	next  []unsafe.Pointer
}

func newNode(e Entry, height int) *node {
	return &node{entry: e, next: make([]unsafe.Pointer, height)}
}

func (n *node) loadNext(level int) *node {
	return (*node)(atomic.LoadPointer(&n.next[level]))
}

func (n *node) storeNext(level int, x *node) {
	atomic.StorePointer(&n.next[level], unsafe.Pointer(x))
}

// skipList is a single-writer, multi-reader concurrent skip list keyed
// by Compare. It never removes or mutates an inserted node: a logical
// delete is itself an Entry with Deleted set.
type skipList struct {
	head   *node
	height int32
	rnd    *rand.Rand
}

func newSkipList() *skipList {
	return &skipList{
		head:   newNode(Entry{}, maxHeight),
		height: 1,
		rnd:    rand.New(rand.NewSource(0xd1e7a)),
	}
}

func (s *skipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node whose key is >= key,
// recording in prev, at each level, the last node strictly less than
// key (used by Insert to splice in a new node).
func (s *skipList) findGreaterOrEqual(key proto.RowKey, prev []*node) *node {
	x := s.head
	level := int(atomic.LoadInt32(&s.height)) - 1
	for {
		next := x.loadNext(level)
		if next != nil && Compare(next.entry.Key, key) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// Insert adds e to the list. Insert must not be called concurrently with
// another Insert (single-writer), but may run concurrently with any
// number of iterators/Get calls.
func (s *skipList) Insert(e Entry) {
	var prev [maxHeight]*node
	s.findGreaterOrEqual(e.Key, prev[:])

	height := s.randomHeight()
	if height > int(atomic.LoadInt32(&s.height)) {
		for i := int(atomic.LoadInt32(&s.height)); i < height; i++ {
			prev[i] = s.head
		}
		atomic.StoreInt32(&s.height, int32(height))
	}

	x := newNode(e, height)
	for i := 0; i < height; i++ {
		x.storeNext(i, prev[i].loadNext(i))
		prev[i].storeNext(i, x)
	}
}

// sameUserKey reports whether a and b address the same (parent, name
// hash), ignoring sequence — used to find the newest version of a key.
func sameUserKey(a, b proto.RowKey) bool {
	return a.Parent == b.Parent && a.NameHash == b.NameHash
}

// Get returns the newest entry for (parent, nameHash), i.e. the first
// node with a matching user key, since sequence sorts descending within
// it.
func (s *skipList) Get(parent proto.DirID, nameHash proto.Hash128) (Entry, bool) {
	probe := proto.RowKey{Parent: parent, NameHash: nameHash, Sequence: ^uint64(0)}
	x := s.findGreaterOrEqual(probe, nil)
	if x == nil || !sameUserKey(x.entry.Key, probe) {
		return Entry{}, false
	}
	return x.entry, true
}

// iterator walks the skip list in key order from the first node
// satisfying from (inclusive), or from the head if from is nil.
type iterator struct {
	list *skipList
	cur  *node
}

func (s *skipList) newIterator() *iterator {
	return &iterator{list: s}
}

// Seek positions the iterator at the first entry >= key.
func (it *iterator) Seek(key proto.RowKey) {
	it.cur = it.list.findGreaterOrEqual(key, nil)
}

// SeekToFirst positions the iterator at the smallest entry.
func (it *iterator) SeekToFirst() {
	it.cur = it.list.head.loadNext(0)
}

func (it *iterator) Valid() bool { return it.cur != nil }

func (it *iterator) Entry() Entry { return it.cur.entry }

func (it *iterator) Next() { it.cur = it.cur.loadNext(0) }
