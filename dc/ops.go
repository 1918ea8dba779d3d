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

package dc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/hash128"
	"github.com/cubefs/dirmeta/llt"
	"github.com/cubefs/dirmeta/proto"
)

func leaseAttrs(v proto.InodeValue) llt.Attrs {
	return llt.Attrs{InodeNo: v.InodeNo, Mode: v.Mode, UID: v.UID, GID: v.GID, ZerothServerOfChild: v.ZerothServerOfChild}
}

func leaseValue(a llt.Attrs) proto.InodeValue {
	return proto.InodeValue{InodeNo: a.InodeNo, Mode: a.Mode, UID: a.UID, GID: a.GID, ZerothServerOfChild: a.ZerothServerOfChild}
}

func (d *Directory) leaseKey(h proto.Hash128) llt.Key {
	return llt.Key{Dir: d.ID, NameHash: h}
}

// Lookup answers the read path: a live Shared lease in the directory's
// authoritative lease table is the fast path; a miss reads the engine
// and grants a fresh lease. leaseDue is the absolute deadline
// (microseconds) the caller may cache the answer until; a due at or
// before now means no lease was granted (a writer holds the name
// Locked) and the answer must not be cached.
func (d *Directory) Lookup(h proto.Hash128) (value proto.InodeValue, found bool, leaseDue int64, err error) {
	key := d.leaseKey(h)
	now := time.Now().UnixMicro()

	d.mu.Lock()
	attrs, state, trusted := d.leases.Lookup(now, key)
	d.mu.Unlock()
	if trusted {
		return leaseValue(attrs), true, now + d.opts.Leases.LeaseDuration, nil
	}

	raw, err := d.engine.Get(d.ID, h, 0)
	if errors.Is(err, errors.NotFound) {
		return proto.InodeValue{}, false, 0, nil
	}
	if err != nil {
		return proto.InodeValue{}, false, 0, err
	}
	v, ok := proto.DecodeInodeValue(raw)
	if !ok {
		return proto.InodeValue{}, false, 0, errors.New(errors.Corruption, "dc: malformed inode row under %v", d.ID)
	}

	if state == llt.Locked {
		// A writer owns the name; serve the pre-commit value but grant
		// no lease, so the caller cannot cache across the commit.
		return v, true, now, nil
	}
	due := now + d.opts.Leases.LeaseDuration
	d.mu.Lock()
	d.leases.FillUntil(now, key, leaseAttrs(v), due)
	d.mu.Unlock()
	return v, true, due, nil
}

// writerAcquire runs the writer side of the lease protocol for name
// mutations: Shared→Locked with the due frozen, then the calling
// handler thread parks until every outstanding lease has had time to
// observe expiry (the writer waiting rule). The returned commit/abort
// closures finish the transition once the engine write has resolved.
func (d *Directory) writerAcquire(h proto.Hash128) (commit func(llt.Attrs) error, commitEvict func() error, abort func(), err error) {
	key := d.leaseKey(h)
	now := time.Now().UnixMicro()
	seq := atomic.AddUint64(&d.writerSeq, 1)

	d.mu.Lock()
	frozenDue, err := d.leases.WriterAcquire(now, key, seq)
	d.mu.Unlock()
	if err != nil {
		return nil, nil, nil, err
	}
	if wait := frozenDue - now; wait > 0 {
		time.Sleep(time.Duration(wait) * time.Microsecond)
	}

	commit = func(attrs llt.Attrs) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.leases.WriterCommit(time.Now().UnixMicro(), key, attrs)
	}
	commitEvict = func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.leases.WriterCommitEvict(time.Now().UnixMicro(), key)
	}
	abort = func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		_ = d.leases.WriterAbort(key)
	}
	return commit, commitEvict, abort, nil
}

// CreateChild inserts a new child row under this directory, rejecting a
// name that already resolves to a live row. The write runs under the
// directory's authoritative lease: acquire freezes any Shared lease on
// the name, the engine put happens only after the frozen due has
// passed, and the commit publishes the new payload to later lookups.
// It then gives the owning partition a chance to trip MaybeSplit,
// keeping the overflow check inline with the write that caused it.
func (d *Directory) CreateChild(name string, value proto.InodeValue) error {
	h := hash128.Name(name)
	if existing, found, _, err := d.Lookup(h); err != nil {
		return err
	} else if found {
		return errors.New(errors.AlreadyExists, "dc: %s already exists under %v (inode %d)", name, d.ID, existing.InodeNo)
	}

	commit, _, abort, err := d.writerAcquire(h)
	if err != nil {
		return err
	}

	key := proto.RowKey{Parent: d.ID, NameHash: h, ValueType: proto.ValueTypeInode}
	if err := d.engine.Put(key, value.Encode()); err != nil {
		abort()
		return err
	}
	if err := commit(leaseAttrs(value)); err != nil {
		return err
	}

	d.mu.Lock()
	partition := d.index.PartitionFor(h)
	d.mu.Unlock()
	entryCount, byteSize := d.partitionLoadLocked(partition)
	return d.MaybeSplit(context.Background(), partition, entryCount, byteSize)
}

// RemoveChild tombstones the row for name under this directory, under
// the same writer protocol as CreateChild; the commit evicts the lease
// outright since there is no payload left to publish.
func (d *Directory) RemoveChild(h proto.Hash128) error {
	_, commitEvict, abort, err := d.writerAcquire(h)
	if err != nil {
		return err
	}
	key := proto.RowKey{Parent: d.ID, NameHash: h, ValueType: proto.ValueTypeInode}
	if err := d.engine.Delete(key); err != nil {
		abort()
		return err
	}
	return commitEvict()
}

// partitionLoadLocked estimates a partition's current entry count and
// byte size by scanning this directory's rows, the simplest correct
// source of the overflow counters MaybeSplit compares against
// Options.EntryThreshold/ByteThreshold. A production deployment would
// maintain these incrementally; dirmeta's write volume per directory
// does not warrant it.
func (d *Directory) partitionLoadLocked(partition uint32) (entryCount int, byteSize uint64) {
	rows, err := d.engine.ScanDirectory(d.ID)
	if err != nil {
		return 0, 0
	}
	d.mu.Lock()
	idx := d.index
	d.mu.Unlock()
	for _, row := range rows {
		if idx.PartitionFor(row.Key.NameHash) != partition {
			continue
		}
		entryCount++
		byteSize += uint64(len(row.Value))
	}
	return entryCount, byteSize
}
