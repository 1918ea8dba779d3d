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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/proto"
)

func key(dirNo, hashLo, seq uint64) proto.RowKey {
	return proto.RowKey{
		Parent:    proto.DirID{RegistryID: 1, DirectoryNo: dirNo},
		NameHash:  proto.Hash128{Lo: hashLo},
		Sequence:  seq,
		ValueType: proto.ValueTypeInode,
	}
}

func TestGetReturnsNewestVersion(t *testing.T) {
	m := New()
	m.Put(key(1, 7, 1), []byte("old"))
	m.Put(key(1, 7, 2), []byte("new"))

	v, deleted, found := m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 1}, proto.Hash128{Lo: 7}, 10)
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, []byte("new"), v)
}

func TestGetHonorsMaxSeq(t *testing.T) {
	m := New()
	m.Put(key(1, 7, 1), []byte("v1"))
	m.Put(key(1, 7, 5), []byte("v5"))

	v, _, found := m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 1}, proto.Hash128{Lo: 7}, 3)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)

	// A snapshot older than every version sees nothing from this table.
	_, _, found = m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 1}, proto.Hash128{Lo: 7}, 0)
	require.False(t, found)
}

func TestDeleteShadowsPut(t *testing.T) {
	m := New()
	m.Put(key(1, 7, 1), []byte("v1"))
	m.Delete(key(1, 7, 2))

	_, deleted, found := m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 1}, proto.Hash128{Lo: 7}, 10)
	require.True(t, found)
	require.True(t, deleted)

	// The older version is still reachable below the tombstone's sequence.
	v, deleted, found := m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 1}, proto.Hash128{Lo: 7}, 1)
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, []byte("v1"), v)
}

func TestGetMissesOtherKeys(t *testing.T) {
	m := New()
	m.Put(key(1, 7, 1), []byte("v1"))

	_, _, found := m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 2}, proto.Hash128{Lo: 7}, 10)
	require.False(t, found)
	_, _, found = m.Get(proto.DirID{RegistryID: 1, DirectoryNo: 1}, proto.Hash128{Lo: 8}, 10)
	require.False(t, found)
}

func TestIteratorOrdersByUserKeyThenDescendingSequence(t *testing.T) {
	m := New()
	// Inserted out of order on purpose.
	m.Put(key(2, 1, 3), []byte("b3"))
	m.Put(key(1, 9, 1), []byte("a1"))
	m.Put(key(1, 9, 2), []byte("a2"))
	m.Put(key(2, 1, 7), []byte("b7"))

	it := m.NewIterator()
	var got []proto.RowKey
	for ; it.Valid(); it.Next() {
		got = append(got, it.Entry().Key)
	}
	require.Len(t, got, 4)
	for i := 1; i < len(got); i++ {
		require.Negative(t, Compare(got[i-1], got[i]), "entries out of order at %d", i)
	}
	// Same user key: higher sequence first.
	require.Equal(t, uint64(2), got[0].Sequence)
	require.Equal(t, uint64(1), got[1].Sequence)
	require.Equal(t, uint64(7), got[2].Sequence)
	require.Equal(t, uint64(3), got[3].Sequence)
}

func TestIteratorSeek(t *testing.T) {
	m := New()
	m.Put(key(1, 1, 1), []byte("a"))
	m.Put(key(1, 5, 2), []byte("b"))
	m.Put(key(1, 9, 3), []byte("c"))

	it := m.NewIterator()
	it.Seek(key(1, 5, ^uint64(0)))
	require.True(t, it.Valid())
	require.Equal(t, proto.Hash128{Lo: 5}, it.Entry().Key.NameHash)

	it.Seek(key(1, 6, ^uint64(0)))
	require.True(t, it.Valid())
	require.Equal(t, proto.Hash128{Lo: 9}, it.Entry().Key.NameHash)
}

// Single writer, concurrent readers: the skip list's publication
// discipline must keep readers from ever observing a half-linked node.
func TestConcurrentReadsDuringWrites(t *testing.T) {
	m := New()
	const rows = 2000
	done := make(chan struct{})

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				it := m.NewIterator()
				prev := proto.RowKey{}
				first := true
				for ; it.Valid(); it.Next() {
					cur := it.Entry().Key
					if !first {
						require.Negative(t, Compare(prev, cur))
					}
					prev, first = cur, false
				}
			}
		}()
	}

	for i := uint64(0); i < rows; i++ {
		m.Put(key(1, i%97, i+1), []byte("v"))
	}
	close(done)
	wg.Wait()

	require.GreaterOrEqual(t, m.ApproximateMemoryUsage(), int64(rows))
}

func TestRefUnref(t *testing.T) {
	m := New()
	m.Ref()
	require.Equal(t, int32(1), m.Unref())
	require.Equal(t, int32(0), m.Unref())
}
