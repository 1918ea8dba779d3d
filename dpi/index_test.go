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

package dpi

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/hash128"
	"github.com/cubefs/dirmeta/proto"
)

func newTestIndex(t *testing.T, zeroth, numServers, numVirtual uint32) *Index {
	idx, err := NewIndex(zeroth, numServers, numVirtual)
	require.NoError(t, err)
	return idx
}

func TestNewIndexSetsOnlyBitZero(t *testing.T) {
	idx := newTestIndex(t, 0, 4, 16)
	require.True(t, idx.Bitmap.Get(0))
	for i := uint32(1); i < 16; i++ {
		require.False(t, idx.Bitmap.Get(i))
	}
}

func TestNewIndexRejectsOutOfRange(t *testing.T) {
	_, err := NewIndex(0, 4, 0)
	require.Error(t, err)

	_, err = NewIndex(0, 4, MaxVirtualServers+1)
	require.Error(t, err)

	_, err = NewIndex(0, 10, 4) // N > V
	require.Error(t, err)

	_, err = NewIndex(0, 0, 16) // N == 0
	require.Error(t, err)
}

// Merge is commutative, associative, idempotent.
func TestMergeIsSemilattice(t *testing.T) {
	build := func(bits ...uint32) *Index {
		idx := newTestIndex(t, 0, 4, 1024)
		for _, b := range bits {
			idx.Bitmap.Set(b)
		}
		return idx
	}

	a := build(0, 1, 3)
	b := build(0, 1, 5)
	c := build(0, 2)

	// Commutative: merge(A,B) == merge(B,A).
	ab := a.Clone()
	_, err := ab.Merge(b)
	require.NoError(t, err)
	ba := b.Clone()
	_, err = ba.Merge(a)
	require.NoError(t, err)
	require.Equal(t, []byte(ab.Bitmap), []byte(ba.Bitmap))

	// Associative: merge(A,merge(B,C)) == merge(merge(A,B),C).
	bc := b.Clone()
	_, err = bc.Merge(c)
	require.NoError(t, err)
	aBC := a.Clone()
	_, err = aBC.Merge(bc)
	require.NoError(t, err)

	abFull := a.Clone()
	_, err = abFull.Merge(b)
	require.NoError(t, err)
	abcC := abFull.Clone()
	_, err = abcC.Merge(c)
	require.NoError(t, err)

	require.Equal(t, []byte(aBC.Bitmap), []byte(abcC.Bitmap))

	// Idempotent: merge(A,A) == A.
	aa := a.Clone()
	changed, err := aa.Merge(a)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, []byte(a.Bitmap), []byte(aa.Bitmap))
}

func TestMergeRejectsDifferentDirectories(t *testing.T) {
	a := newTestIndex(t, 0, 4, 16)
	b := newTestIndex(t, 1, 4, 16)
	_, err := a.Merge(b)
	require.Error(t, err)
}

func TestMergeReturnsTrueOnlyWhenBitsChange(t *testing.T) {
	a := newTestIndex(t, 0, 4, 16)
	b := newTestIndex(t, 0, 4, 16)

	changed, err := a.Merge(b)
	require.NoError(t, err)
	require.False(t, changed, "both only have bit 0 set")

	b.Bitmap.Set(1)
	changed, err = a.Merge(b)
	require.NoError(t, err)
	require.True(t, changed)
}

// SelectServer is stable under a monotone merge, provided the name's
// resolved partition under D is still set in D'.
func TestRoutingStability(t *testing.T) {
	d := newTestIndex(t, 0, 4, 1024)
	dPrime := d.Clone()
	dPrime.Bitmap.Set(5) // unrelated new split; merge(D,D') == D'

	changed, err := func() (bool, error) {
		merged := d.Clone()
		return merged.Merge(dPrime)
	}()
	require.NoError(t, err)
	require.True(t, changed)

	for _, name := range []string{"alpha", "bravo", "charlie", "delta", "echo"} {
		h := hash128.Name(name)
		partition := d.PartitionFor(h)
		if partition == 5 {
			continue // D never resolves into the newly split partition
		}
		require.True(t, d.Bitmap.Get(partition), "name %q resolves into a set bit under D", name)

		before, err := d.SelectServer(name)
		require.NoError(t, err)
		after, err := dPrime.SelectServer(name)
		require.NoError(t, err)
		require.Equal(t, before, after, "routing for %q must be stable across a monotone merge", name)
	}
}

// After splitting parent p into child c, every row originally in p
// routes to exactly one of p or c.
func TestSplitDisjointness(t *testing.T) {
	idx := newTestIndex(t, 0, 4, 1024)
	parent := uint32(0)
	child, err := idx.MarkSplittableChild(parent)
	require.NoError(t, err)
	require.Equal(t, uint32(2*parent+1), child)

	preSplit := idx.Clone()
	preSplit.Bitmap.Clear(child)

	names := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg", "hhh", "iii", "jjj"}
	for _, n := range names {
		h := hash128.Name(n)
		beforePartition := preSplit.PartitionFor(h)
		if beforePartition != parent {
			continue
		}
		routesToParent := idx.PartitionFor(h) == parent
		routesToChild := ToBeMigrated(h, child, preSplit)
		require.True(t, routesToParent != routesToChild,
			"name %q must route to exactly one of parent %d or child %d", n, parent, child)
	}
}

func TestSplittableRespectsBitmapCapacity(t *testing.T) {
	idx := newTestIndex(t, 0, 2, 4)
	// V=4: partitions 0..3. 2*1+1=3 < 4, splittable. 2*3+1=7 >= 4, not.
	require.True(t, idx.Splittable(0))
	idx.Bitmap.Set(1)
	require.True(t, idx.Splittable(1))
	idx.Bitmap.Set(3)
	require.False(t, idx.Splittable(3))
}

func TestMarkSplittableChildRequiresParentSet(t *testing.T) {
	idx := newTestIndex(t, 0, 4, 1024)
	_, err := idx.MarkSplittableChild(1) // bit 1 not set yet
	require.Error(t, err)

	child, err := idx.MarkSplittableChild(0)
	require.NoError(t, err)
	require.True(t, idx.Bitmap.Get(child))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	idx := newTestIndex(t, 2, 4, 1024)
	idx.Bitmap.Set(1)
	idx.Bitmap.Set(3)

	encoded := idx.Encode()
	decoded, err := Decode(encoded, true)
	require.NoError(t, err)

	require.Equal(t, idx.ZerothServer, decoded.ZerothServer)
	require.Equal(t, idx.NumServers, decoded.NumServers)
	require.Equal(t, idx.NumVirtualServers, decoded.NumVirtualServers)
	require.Equal(t, []byte(idx.Bitmap), []byte(decoded.Bitmap))
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, false)
	require.Error(t, err)
}

// TestParanoidChecksCatchViolationOnNonHighestBranch guards against a
// checker that only walks the highest set bit's ancestor chain: a
// bitmap can have several independent split branches, and a broken
// ancestor on a lower branch must still be caught.
func TestParanoidChecksCatchViolationOnNonHighestBranch(t *testing.T) {
	idx := newTestIndex(t, 0, 4, 1024)
	// Set a high bit (10) with a fully valid ancestor chain (10 -> 2 -> 0).
	idx.Bitmap.Set(2)
	idx.Bitmap.Set(10)
	// Set a lower bit (5) whose ancestor (1) is deliberately left unset.
	idx.Bitmap.Set(5)

	encoded := idx.Encode()
	_, err := Decode(encoded, true)
	require.Error(t, err, "paranoid checks must catch the broken branch even though the highest bit's chain is intact")
}

func TestParanoidChecksAcceptValidMultiBranchBitmap(t *testing.T) {
	idx := newTestIndex(t, 0, 4, 1024)
	idx.Bitmap.Set(1)
	idx.Bitmap.Set(2)
	idx.Bitmap.Set(5)  // parent(5) = 1, set
	idx.Bitmap.Set(10) // parent(10) = 2, set

	encoded := idx.Encode()
	decoded, err := Decode(encoded, true)
	require.NoError(t, err)
	require.Equal(t, []byte(idx.Bitmap), []byte(decoded.Bitmap))
}

func TestDecodeRejectsMissingBitZero(t *testing.T) {
	idx := newTestIndex(t, 0, 4, 1024)
	idx.Bitmap.Clear(0)
	encoded := idx.Encode()
	_, err := Decode(encoded, true)
	require.Error(t, err)
}

func TestServerForPartitionMatchesSelectServer(t *testing.T) {
	idx := newTestIndex(t, 1, 4, 1024)
	for _, name := range []string{"x", "y", "z", "w"} {
		h := hash128.Name(name)
		p := idx.PartitionFor(h)
		want, err := idx.SelectServer(name)
		require.NoError(t, err)
		require.Equal(t, want, idx.ServerForPartition(p))
	}
}

// Restarting a cluster with a different NumServers must leave the
// name->server formula total: every name still resolves to a valid
// server under the new N, and the partition a name lands in depends
// only on the bitmap, never on N.
func TestRoutingTotalAfterNumServersChange(t *testing.T) {
	before := newTestIndex(t, 0, 4, 1024)
	for _, p := range []uint32{1, 3, 7} {
		before.Bitmap.Set(p)
	}

	dir := proto.DirID{RegistryID: 9, DirectoryNo: 9}
	after := before.Clone()
	after.NumServers = 6
	after.ZerothServer = ZerothServerFor(dir, after.NumServers)

	for i := 0; i < 256; i++ {
		name := "entry-" + strconv.Itoa(i)
		require.Equal(t, before.PartitionFor(hash128.Name(name)), after.PartitionFor(hash128.Name(name)))
		sid, err := after.SelectServer(name)
		require.NoError(t, err)
		require.Less(t, sid, after.NumServers)
	}
}

func TestZerothServerForIsDeterministicAndBounded(t *testing.T) {
	dir := proto.DirID{RegistryID: 3, DirectoryNo: 14}
	first := ZerothServerFor(dir, 5)
	require.Equal(t, first, ZerothServerFor(dir, 5))
	require.Less(t, first, uint32(5))

	// Different N may reassign; the result must still be in range.
	require.Less(t, ZerothServerFor(dir, 3), uint32(3))
}
