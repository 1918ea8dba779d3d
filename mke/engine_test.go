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

package mke

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/mke/manifest"
	"github.com/cubefs/dirmeta/mke/sstable"
	"github.com/cubefs/dirmeta/proto"
)

// buildSingleEntrySSTable writes one key/value pair as a complete
// sstable at path, the same builder path flushImmutable and dc's split
// shipper use, and returns its size and encoded key.
func buildSingleEntrySSTable(t *testing.T, path string, key proto.RowKey, value []byte) (size uint64, encodedKey []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	b := sstable.NewBuilder(f)
	encodedKey = sstable.EncodeKey(key)
	require.NoError(t, b.Add(encodedKey, value))
	size, err = b.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	return size, encodedKey
}

func testKey(dirNo, hashLo uint64) proto.RowKey {
	return proto.RowKey{
		Parent:    proto.DirID{RegistryID: 1, DirectoryNo: dirNo},
		NameHash:  proto.Hash128{Hi: 0, Lo: hashLo},
		ValueType: proto.ValueTypeInode,
	}
}

func openTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, dir
}

// For any sequence of put/delete operations without compaction, Get
// returns the last value written.
func TestPutGetRoundTrip(t *testing.T) {
	e, _ := openTestEngine(t)
	key := testKey(1, 1)

	require.NoError(t, e.Put(key, []byte("v1")))
	v, err := e.Get(key.Parent, key.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, e.Put(key, []byte("v2")))
	v, err = e.Get(key.Parent, key.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestGetAfterDeleteIsNotFound(t *testing.T) {
	e, _ := openTestEngine(t)
	key := testKey(1, 2)

	require.NoError(t, e.Put(key, []byte("v1")))
	require.NoError(t, e.Delete(key))

	_, err := e.Get(key.Parent, key.NameHash, 0)
	require.True(t, errors.Is(err, errors.NotFound), "expected NotFound, got %v", err)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	e, _ := openTestEngine(t)
	key := testKey(1, 99)
	_, err := e.Get(key.Parent, key.NameHash, 0)
	require.True(t, errors.Is(err, errors.NotFound))
}

// A read at snapshot s returns the value whose sequence is the maximum
// <= s, ignoring writes committed after the snapshot was taken.
func TestSnapshotIsolation(t *testing.T) {
	e, _ := openTestEngine(t)
	key := testKey(1, 3)

	require.NoError(t, e.Put(key, []byte("v1")))
	snap := e.NewSnapshot()
	defer snap.Release()

	require.NoError(t, e.Put(key, []byte("v2")))

	atSnapshot, err := e.Get(key.Parent, key.NameHash, snap.Seq())
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), atSnapshot, "snapshot read must not observe the write committed after it was taken")

	latest, err := e.Get(key.Parent, key.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), latest)
}

func TestSnapshotIsolationAcrossDelete(t *testing.T) {
	e, _ := openTestEngine(t)
	key := testKey(1, 4)

	require.NoError(t, e.Put(key, []byte("v1")))
	snap := e.NewSnapshot()
	defer snap.Release()

	require.NoError(t, e.Delete(key))

	// Latest view sees the tombstone.
	_, err := e.Get(key.Parent, key.NameHash, 0)
	require.True(t, errors.Is(err, errors.NotFound))

	// Snapshot view predates the delete and still sees the value.
	v, err := e.Get(key.Parent, key.NameHash, snap.Seq())
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestWriteBatchIsAllOrNothing(t *testing.T) {
	e, _ := openTestEngine(t)
	k1, k2 := testKey(1, 5), testKey(1, 6)

	require.NoError(t, e.Write([]Mutation{
		{Key: k1, Value: []byte("a")},
		{Key: k2, Value: []byte("b")},
	}))

	v1, err := e.Get(k1.Parent, k1.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v1)

	v2, err := e.Get(k2.Parent, k2.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v2)
}

// Opening an engine on an existing data directory returns exactly the
// set of rows whose WAL sync completed.
func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	key := testKey(1, 7)
	require.NoError(t, e.Put(key, []byte("durable")))
	require.NoError(t, e.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(key.Parent, key.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), v, "a WAL-synced row must survive a restart")
}

func TestRecoveryPreservesSequenceCounter(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	key := testKey(1, 8)
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Put(key, []byte{byte(i)}))
	}
	require.NoError(t, e.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	other := testKey(1, 9)
	require.NoError(t, reopened.Put(other, []byte("x")))

	v, err := reopened.Get(key.Parent, key.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{4}, v, "the last pre-restart write must still be newest after resumed sequence allocation")
}

func TestBulkIngestIsVisibleToGet(t *testing.T) {
	e, dir := openTestEngine(t)
	_ = dir

	// Build a tiny sstable out-of-band, the way dc's split path does,
	// then register it via BulkIngest without touching the WAL/memtable.
	key := testKey(2, 1)
	number := e.IngestFileNumber()
	path := e.IngestPath(number)

	built, encodedKey := buildSingleEntrySSTable(t, path, key, []byte("shipped"))
	require.NoError(t, e.BulkIngest(number, encodedKey, encodedKey, built))

	v, err := e.Get(key.Parent, key.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("shipped"), v)
}

// Once L0 is at its configured hard limit, writers must
// block rather than keep flushing, and resume only once compaction (or
// here, a manifest edit standing in for it) drains a file back out.
func TestWriteStallsUntilL0Drains(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir, L0HardLimit: 2})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	// Saturate L0 via bulk ingest, so the stall can be exercised without depending
	// on a background flush.
	var saturatingNumber uint64
	for i := 0; i < 2; i++ {
		key := testKey(3, uint64(i+1))
		number := e.IngestFileNumber()
		path := e.IngestPath(number)
		built, encodedKey := buildSingleEntrySSTable(t, path, key, []byte("x"))
		require.NoError(t, e.BulkIngest(number, encodedKey, encodedKey, built))
		saturatingNumber = number
	}
	require.Equal(t, 2, e.l0FileCount())

	done := make(chan error, 1)
	go func() {
		done <- e.Put(testKey(3, 99), []byte("stalled"))
	}()

	select {
	case <-done:
		t.Fatal("Put must stall while L0 is at its hard limit")
	case <-time.After(100 * time.Millisecond):
	}

	// Stand in for compaction draining one L0 file, then wake the
	// stalled writer the way maybeCompact does.
	edit := manifest.NewEdit()
	edit.DeleteFile(0, saturatingNumber)
	require.NoError(t, e.versions.LogAndApply(edit))
	e.notifyL0Change()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Put did not unblock after L0 drained below its hard limit")
	}
}

// A read-only replica opened on a primary's data directory serves reads
// straight from the file set, rejects writes, and picks up the
// primary's later manifest appends via Refresh.
func TestReadOnlyReplicaServesAndRefreshes(t *testing.T) {
	primary, dir := openTestEngine(t)

	k1 := testKey(3, 1)
	n1 := primary.IngestFileNumber()
	built, enc1 := buildSingleEntrySSTable(t, primary.IngestPath(n1), k1, []byte("first"))
	require.NoError(t, primary.BulkIngest(n1, enc1, enc1, built))

	replica, err := Open(Options{Dir: dir, ReadOnly: true})
	require.NoError(t, err)
	defer replica.Close()

	v, err := replica.Get(k1.Parent, k1.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), v)

	err = replica.Put(testKey(3, 2), []byte("nope"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.NotSupported))

	// The primary moves on; the replica only sees it after Refresh.
	k2 := testKey(3, 3)
	n2 := primary.IngestFileNumber()
	built2, enc2 := buildSingleEntrySSTable(t, primary.IngestPath(n2), k2, []byte("second"))
	require.NoError(t, primary.BulkIngest(n2, enc2, enc2, built2))

	_, err = replica.Get(k2.Parent, k2.NameHash, 0)
	require.Error(t, err)

	changed, err := replica.Refresh()
	require.NoError(t, err)
	require.True(t, changed)

	v, err = replica.Get(k2.Parent, k2.NameHash, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), v)
}

// The engine iterator merges memtable and table-file rows in key order,
// hides tombstoned keys, and respects the snapshot it was opened at.
func TestIteratorMergesSourcesInKeyOrder(t *testing.T) {
	e, _ := openTestEngine(t)

	for _, lo := range []uint64{5, 1, 3} {
		require.NoError(t, e.Put(testKey(4, lo), []byte{byte(lo)}))
	}
	require.NoError(t, e.Delete(testKey(4, 3)))

	// One row arrives via bulk ingest, so iteration must merge a table
	// file with the memtable.
	ingested := testKey(4, 2)
	number := e.IngestFileNumber()
	built, enc := buildSingleEntrySSTable(t, e.IngestPath(number), ingested, []byte{2})
	require.NoError(t, e.BulkIngest(number, enc, enc, built))

	it, err := e.NewIterator(nil)
	require.NoError(t, err)
	defer it.Close()

	var got []uint64
	for ; it.Valid(); it.Next() {
		got = append(got, it.Key().NameHash.Lo)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []uint64{1, 2, 5}, got)
}

func TestIteratorSeekAndSnapshot(t *testing.T) {
	e, _ := openTestEngine(t)

	for _, lo := range []uint64{1, 3, 5} {
		require.NoError(t, e.Put(testKey(5, lo), []byte{byte(lo)}))
	}
	snap := e.NewSnapshot()
	defer snap.Release()
	require.NoError(t, e.Put(testKey(5, 4), []byte{4}))

	// At the snapshot, key 4 does not exist yet.
	it, err := e.NewIterator(snap)
	require.NoError(t, err)
	defer it.Close()

	it.Seek(testKey(5, 2).Parent, testKey(5, 2).NameHash)
	var got []uint64
	for ; it.Valid(); it.Next() {
		got = append(got, it.Key().NameHash.Lo)
	}
	require.NoError(t, it.Err())
	require.Equal(t, []uint64{3, 5}, got)

	// Without a snapshot the new key is visible.
	it2, err := e.NewIterator(nil)
	require.NoError(t, err)
	defer it2.Close()
	var all []uint64
	for ; it2.Valid(); it2.Next() {
		all = append(all, it2.Key().NameHash.Lo)
	}
	require.Equal(t, []uint64{1, 3, 4, 5}, all)
}
