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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/proto"
)

// memSource is an in-memory ReaderSource, avoiding a temp file for
// builder/reader round-trip tests.
type memSource struct{ buf *bytes.Buffer }

func (s *memSource) ReadAt(p []byte, off int64) (int, error) {
	data := s.buf.Bytes()
	if off < 0 || off > int64(len(data)) {
		return 0, fmt.Errorf("sstable test: out of range read at %d", off)
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, fmt.Errorf("sstable test: short read")
	}
	return n, nil
}

func (s *memSource) Size() (int64, error) { return int64(s.buf.Len()), nil }

func buildTable(t *testing.T, entries []struct{ key, value []byte }) *Reader {
	t.Helper()
	var buf bytes.Buffer
	b := NewBuilder(&buf)
	for _, e := range entries {
		require.NoError(t, b.Add(e.key, e.value))
	}
	_, err := b.Finish()
	require.NoError(t, err)

	r, err := Open(&memSource{buf: &buf})
	require.NoError(t, err)
	return r
}

func rowKey(dirNo, hashLo, seq uint64) proto.RowKey {
	return proto.RowKey{
		Parent:    proto.DirID{RegistryID: 1, DirectoryNo: dirNo},
		NameHash:  proto.Hash128{Lo: hashLo},
		Sequence:  proto.Sequence(seq),
		ValueType: proto.ValueTypeInode,
	}
}

func TestBuilderReaderGetRoundTrip(t *testing.T) {
	keys := []proto.RowKey{
		rowKey(1, 1, 1),
		rowKey(1, 2, 1),
		rowKey(1, 5, 1),
		rowKey(2, 1, 1),
	}
	entries := make([]struct{ key, value []byte }, len(keys))
	for i, k := range keys {
		entries[i] = struct{ key, value []byte }{EncodeKey(k), []byte(fmt.Sprintf("value-%d", i))}
	}
	r := buildTable(t, entries)

	for i, k := range keys {
		v, found, err := r.Get(EncodeKey(k))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i)), v)
	}

	missing := rowKey(1, 99, 1)
	_, found, err := r.Get(EncodeKey(missing))
	require.NoError(t, err)
	require.False(t, found)
}

func TestReaderIteratorWalksInKeyOrder(t *testing.T) {
	keys := []proto.RowKey{rowKey(1, 1, 1), rowKey(1, 2, 1), rowKey(1, 3, 1), rowKey(2, 1, 1)}
	entries := make([]struct{ key, value []byte }, len(keys))
	for i, k := range keys {
		entries[i] = struct{ key, value []byte }{EncodeKey(k), []byte{byte(i)}}
	}
	r := buildTable(t, entries)

	it := r.NewIterator()
	it.SeekToFirst()
	var seen [][]byte
	for it.Valid() {
		seen = append(seen, append([]byte(nil), it.Key()...))
		it.Next()
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, len(keys))
	for i := 1; i < len(seen); i++ {
		require.True(t, compareBytes(seen[i-1], seen[i]) < 0, "iterator must yield strictly increasing encoded keys")
	}
}

func TestSequenceDescendingWithinSameUserKey(t *testing.T) {
	// Two versions of the same (parent, hash) at different sequences must
	// sort newest-first.
	newer := rowKey(1, 1, 5)
	older := rowKey(1, 1, 2)
	encNewer, encOlder := EncodeKey(newer), EncodeKey(older)
	require.True(t, compareBytes(encNewer, encOlder) < 0, "higher sequence must encode to a smaller byte string")
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	k := rowKey(7, 42, 100)
	k.ValueType = proto.ValueTypeInode
	encoded := EncodeKey(k)
	decoded, err := DecodeKey(encoded)
	require.NoError(t, err)
	require.Equal(t, k, decoded)
}
