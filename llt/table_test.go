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

package llt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/proto"
)

func testKey(n uint64) Key {
	return Key{Dir: proto.DirID{RegistryID: 1, DirectoryNo: n}, NameHash: proto.Hash128{Hi: n, Lo: n}}
}

func newTestTable() *Table {
	return New(Options{Capacity: 1024, LeaseDuration: 1000, Mode: Internal})
}

func TestLookupMissThenFill(t *testing.T) {
	tbl := newTestTable()
	key := testKey(1)

	_, state, trusted := tbl.Lookup(0, key)
	require.False(t, trusted)
	require.Equal(t, Free, state)

	tbl.Fill(0, key, Attrs{InodeNo: 42})
	attrs, state, trusted := tbl.Lookup(1, key)
	require.True(t, trusted)
	require.Equal(t, Shared, state)
	require.Equal(t, uint64(42), attrs.InodeNo)
}

func TestLookupExpiresToFree(t *testing.T) {
	tbl := newTestTable()
	key := testKey(2)
	tbl.Fill(0, key, Attrs{InodeNo: 7})

	// due was set to 0 + LeaseDuration; querying far past it is a miss.
	_, state, trusted := tbl.Lookup(10_000, key)
	require.False(t, trusted)
	require.Equal(t, Free, state)
}

func TestWriterAcquireRequiresFreeOrShared(t *testing.T) {
	tbl := newTestTable()
	key := testKey(3)

	due, err := tbl.WriterAcquire(0, key, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), due)

	_, err = tbl.WriterAcquire(0, key, 2)
	require.Error(t, err)
}

func TestWriterCommitWaitsForFrozenDue(t *testing.T) {
	tbl := newTestTable()
	key := testKey(4)
	tbl.Fill(0, key, Attrs{InodeNo: 1})

	frozenDue, err := tbl.WriterAcquire(0, key, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1000), frozenDue)

	err = tbl.WriterCommit(500, key, Attrs{InodeNo: 2})
	require.Error(t, err, "commit before frozen due must be rejected")

	err = tbl.WriterCommit(1000, key, Attrs{InodeNo: 2})
	require.NoError(t, err)

	attrs, state, trusted := tbl.Lookup(1000, key)
	require.True(t, trusted)
	require.Equal(t, Shared, state)
	require.Equal(t, uint64(2), attrs.InodeNo)
}

func TestWriterAbortKeepsOldPayload(t *testing.T) {
	tbl := newTestTable()
	key := testKey(5)
	tbl.Fill(0, key, Attrs{InodeNo: 9})

	_, err := tbl.WriterAcquire(0, key, 1)
	require.NoError(t, err)
	require.NoError(t, tbl.WriterAbort(key))

	attrs, state, _ := tbl.Lookup(0, key)
	require.Equal(t, Shared, state)
	require.Equal(t, uint64(9), attrs.InodeNo)
}

func TestEvictRequiresFreeAndUnpinned(t *testing.T) {
	tbl := newTestTable()
	key := testKey(6)
	tbl.Fill(0, key, Attrs{InodeNo: 1})

	// Shared, not evictable.
	require.Error(t, tbl.Evict(key))

	_, _, _ = tbl.Lookup(10_000, key) // force expiry to Free

	tbl.Pin(key)
	require.Error(t, tbl.Evict(key), "pinned entries cannot be evicted even once Free")
	tbl.Unpin(key)

	require.NoError(t, tbl.Evict(key))
	require.Equal(t, 0, tbl.Len())
}

func TestGossipNotifyOnExtendAndCommit(t *testing.T) {
	tbl := newTestTable()
	key := testKey(7)
	tbl.Fill(0, key, Attrs{InodeNo: 1})

	var seen []State
	tbl.Subscribe(key, notifyFunc(func(_ Key, s State, _ int64) {
		seen = append(seen, s)
	}))

	tbl.Lookup(1, key) // extends, Shared
	due, err := tbl.WriterAcquire(1, key, 1)
	require.NoError(t, err)
	require.NoError(t, tbl.WriterCommit(due, key, Attrs{InodeNo: 2}))

	require.Contains(t, seen, Shared)
}

func TestCapacityEvictsOldestFree(t *testing.T) {
	tbl := New(Options{Capacity: shardCount, LeaseDuration: 1000, Mode: Internal})
	key := testKey(8)
	tbl.Fill(0, key, Attrs{InodeNo: 1})
	tbl.Lookup(10_000, key) // expire to Free, evictable

	// Fill enough sibling keys in the same shard to exceed its quota.
	for i := uint64(100); i < 200; i++ {
		k := Key{Dir: key.Dir, NameHash: proto.Hash128{Hi: i}}
		tbl.Fill(0, k, Attrs{InodeNo: i})
	}
	require.Less(t, tbl.Len(), 101)
}

type notifyFunc func(key Key, state State, due int64)

func (f notifyFunc) LeaseChanged(key Key, state State, due int64) { f(key, state, due) }

func TestWriterCommitEvictRemovesEntry(t *testing.T) {
	tbl := newTestTable()
	key := testKey(9)

	tbl.Fill(0, key, Attrs{InodeNo: 7})
	frozenDue, err := tbl.WriterAcquire(1, key, 100)
	require.NoError(t, err)

	// Commit-evict obeys the same waiting rule as a payload commit.
	err = tbl.WriterCommitEvict(frozenDue-1, key)
	require.Error(t, err)

	require.NoError(t, tbl.WriterCommitEvict(frozenDue, key))
	_, state, trusted := tbl.Lookup(frozenDue+1, key)
	require.False(t, trusted)
	require.Equal(t, Free, state)
	require.Zero(t, tbl.Len())
}

func TestWriterCommitEvictRequiresLocked(t *testing.T) {
	tbl := newTestTable()
	key := testKey(10)

	tbl.Fill(0, key, Attrs{InodeNo: 7})
	require.Error(t, tbl.WriterCommitEvict(5000, key))
}

func TestFillUntilAdoptsCallerDeadline(t *testing.T) {
	tbl := newTestTable()
	key := testKey(11)

	tbl.FillUntil(0, key, Attrs{InodeNo: 3}, 250)
	_, _, trusted := tbl.Lookup(249, key)
	require.True(t, trusted)

	// Past the adopted deadline the entry expires regardless of the
	// table's own LeaseDuration.
	tbl.FillUntil(1000, key, Attrs{InodeNo: 3}, 1000)
	_, state, trusted := tbl.Lookup(1000, key)
	require.False(t, trusted)
	require.Equal(t, Free, state)
}
