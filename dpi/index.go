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

// Package dpi implements the directory partition index: a compact,
// gossip-propagated bitmap describing which sub-partitions of a
// directory are currently split out to which servers, and the
// deterministic name -> partition -> server mapping built on top of
// it, in the manner of GIGA+ directory indexing.
package dpi

import (
	"encoding/binary"
	"strconv"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/hash128"
	"github.com/cubefs/dirmeta/proto"
)

// Index is one directory's partition map: bit i set means "partition i
// is a live split".
type Index struct {
	ZerothServer      proto.ServerID
	NumServers        uint32
	NumVirtualServers uint32
	Bitmap            Bitmap
}

// NewIndex builds a fresh index with only the root partition live.
func NewIndex(zerothServer, numServers, numVirtualServers uint32) (*Index, error) {
	if numVirtualServers == 0 || numVirtualServers > MaxVirtualServers {
		return nil, errors.New(errors.InvalidArgument, "num_virtual_servers out of range: %d", numVirtualServers)
	}
	if numServers == 0 || numServers > numVirtualServers {
		return nil, errors.New(errors.InvalidArgument, "num_servers out of range: %d", numServers)
	}
	idx := &Index{
		ZerothServer:      zerothServer,
		NumServers:        numServers,
		NumVirtualServers: numVirtualServers,
		Bitmap:            newBitmap(int(numVirtualServers)),
	}
	idx.Bitmap.Set(0)
	return idx, nil
}

// Radix is ceil(log2(V)).
func (idx *Index) Radix() uint32 {
	return radixOf(idx.NumVirtualServers - 1)
}

// PartitionFor applies the "top radix bits, then clear the topmost set
// bit until the bitmap has it" rule to a 128-bit hash.
func (idx *Index) PartitionFor(h proto.Hash128) uint32 {
	r := h.Top(uint(idx.Radix()))
	for !idx.Bitmap.Get(r) {
		r = parentIndex(r)
	}
	return r
}

// SelectServer is select_server(name): hash the name, resolve its
// partition, map the partition to a physical server.
func (idx *Index) SelectServer(name string) (proto.ServerID, error) {
	if idx.NumServers == 0 {
		return 0, errors.New(errors.InvalidArgument, "index has zero servers")
	}
	h := hash128.Name(name)
	partition := idx.PartitionFor(h)
	offset := MixedPermutation(partition, idx.NumVirtualServers)
	return (idx.ZerothServer + offset) % idx.NumServers, nil
}

// ServerForPartition maps an already-resolved partition id to a server,
// for callers (DC) that have the partition id without the name.
func (idx *Index) ServerForPartition(partition uint32) proto.ServerID {
	offset := MixedPermutation(partition, idx.NumVirtualServers)
	return (idx.ZerothServer + offset) % idx.NumServers
}

// Splittable reports whether partition i still fits a child in the
// bitmap: 2*i+1 < V.
func (idx *Index) Splittable(partition uint32) bool {
	if !idx.Bitmap.Get(partition) {
		return false
	}
	return 2*partition+1 < idx.NumVirtualServers
}

// MarkSplittableChild sets the bit for partition p's child (2p+1) and
// returns the child id. The parent bit must already be set;
// subdividing requires the parent to exist.
func (idx *Index) MarkSplittableChild(parent uint32) (uint32, error) {
	if !idx.Splittable(parent) {
		return 0, errors.New(errors.InvalidArgument, "partition %d is not splittable", parent)
	}
	child := 2*parent + 1
	idx.Bitmap.Set(child)
	return child, nil
}

// Merge OR's other's bitmap into idx. Both indices must describe the same
// directory (same ZerothServer); NumServers/NumVirtualServers take the
// larger of the two so a stale observer catching up to a rebalanced
// cluster still converges.
func (idx *Index) Merge(other *Index) (bool, error) {
	if idx.ZerothServer != other.ZerothServer {
		return false, errors.New(errors.InvalidArgument, "merge of indices for different directories")
	}
	if other.NumServers > idx.NumServers {
		idx.NumServers = other.NumServers
	}
	if other.NumVirtualServers > idx.NumVirtualServers {
		idx.NumVirtualServers = other.NumVirtualServers
	}
	return idx.Bitmap.Merge(other.Bitmap), nil
}

// Clone deep-copies the index for copy-on-write replacement.
func (idx *Index) Clone() *Index {
	return &Index{
		ZerothServer:      idx.ZerothServer,
		NumServers:        idx.NumServers,
		NumVirtualServers: idx.NumVirtualServers,
		Bitmap:            idx.Bitmap.Clone(),
	}
}

// header is zeroth_server(4) + num_servers(4) + num_virtual_servers(4).
const headerSize = 12

// Encode produces the wire form: fixed header + variable bitmap.
func (idx *Index) Encode() []byte {
	buf := make([]byte, headerSize+len(idx.Bitmap))
	binary.BigEndian.PutUint32(buf[0:4], idx.ZerothServer)
	binary.BigEndian.PutUint32(buf[4:8], idx.NumServers)
	binary.BigEndian.PutUint32(buf[8:12], idx.NumVirtualServers)
	copy(buf[headerSize:], idx.Bitmap)
	return buf
}

// Decode parses the Encode wire form. When paranoidChecks is set it
// additionally verifies the bitmap invariants: bit 0 set, and every
// ancestor on the binary-split path to each set bit also set.
func Decode(data []byte, paranoidChecks bool) (*Index, error) {
	if len(data) < headerSize {
		return nil, errors.New(errors.Corruption, "dpi: short encoding: %d bytes", len(data))
	}
	idx := &Index{
		ZerothServer:      binary.BigEndian.Uint32(data[0:4]),
		NumServers:        binary.BigEndian.Uint32(data[4:8]),
		NumVirtualServers: binary.BigEndian.Uint32(data[8:12]),
		Bitmap:            Bitmap(append([]byte(nil), data[headerSize:]...)),
	}
	if idx.NumVirtualServers == 0 || idx.NumVirtualServers > MaxVirtualServers {
		return nil, errors.New(errors.Corruption, "dpi: num_virtual_servers out of range: %d", idx.NumVirtualServers)
	}
	if idx.NumServers == 0 || idx.NumServers > idx.NumVirtualServers {
		return nil, errors.New(errors.Corruption, "dpi: num_servers out of range: %d", idx.NumServers)
	}
	if paranoidChecks {
		if err := idx.checkInvariants(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// checkInvariants verifies the two bitmap invariants: bit 0 set, and
// every set bit's ancestor chain back to the root also set. Every
// set bit is checked individually, not just the highest one: a bitmap
// can have several independent split branches, and a violation on a
// lower branch would otherwise go unnoticed while the highest bit's own
// chain is intact.
func (idx *Index) checkInvariants() error {
	if !idx.Bitmap.Get(0) {
		return errors.New(errors.Corruption, "dpi: bit 0 is not set")
	}
	var checkErr error
	idx.Bitmap.ForEachSet(func(bit uint32) {
		if checkErr != nil {
			return
		}
		for i := parentIndex(bit); i != bit; i = parentIndex(i) {
			if !idx.Bitmap.Get(i) {
				checkErr = errors.New(errors.Corruption, "dpi: ancestor partition %d of %d is not set", i, bit)
				return
			}
			if i == 0 {
				break
			}
		}
	})
	return checkErr
}

// ZerothServerFor assigns a directory's zeroth server by hashing
// (DirID, N). Every server computes the same anchor independently, and
// a cluster restarted with a different N converges on a fresh, still
// load-balanced assignment instead of trying to preserve the old one.
func ZerothServerFor(dir proto.DirID, numServers uint32) proto.ServerID {
	if numServers == 0 {
		return 0
	}
	h := hash128.Name(dir.String() + "#" + strconv.FormatUint(uint64(numServers), 10))
	return proto.ServerID(h.Lo % uint64(numServers))
}

// ToBeMigrated implements the migration predicate: an entry
// with hash h, currently routed to parent partition p, belongs to child
// c = 2p+1 in the post-split bitmap iff re-resolving h under a bitmap
// with only c additionally set lands on c.
func ToBeMigrated(h proto.Hash128, child uint32, preSplitIdx *Index) bool {
	probe := preSplitIdx.Clone()
	probe.Bitmap.Set(child)
	return probe.PartitionFor(h) == child
}

