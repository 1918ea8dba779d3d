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

// Package dc implements directory control: the per-directory
// server-side object owning a directory's DPI, its row-range handle
// into the MKE, and the partition split procedure. One object per
// owned directory, its own mutex, a pointer into the storage engine;
// concurrent split triggers are collapsed with
// golang.org/x/sync/singleflight.
package dc

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/dirmeta/dpi"
	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/llt"
	"github.com/cubefs/dirmeta/metrics"
	"github.com/cubefs/dirmeta/mke"
	"github.com/cubefs/dirmeta/mke/sstable"
	"github.com/cubefs/dirmeta/proto"
)

// Phase is a directory's splitting state.
type Phase uint8

const (
	Idle Phase = iota
	Splitting
)

// Shipper ships a split-produced table to its target server; the RPC
// transport that implements it lives outside this package.
type Shipper interface {
	ShipTable(ctx context.Context, target proto.ServerID, dir proto.DirID, child uint32, table, smallestKey, largestKey []byte) error
}

// Options configures when a partition is considered overflowing and
// how the directory's lease table behaves.
type Options struct {
	// EntryThreshold triggers a split once a partition's child-entry
	// count, as reported by the caller monitoring writes, exceeds this.
	EntryThreshold int
	// ByteThreshold triggers a split once a partition's byte size, as
	// reported by the caller, exceeds this.
	ByteThreshold uint64
	// Leases configures the directory's authoritative lookup-lease
	// table. Lease entries for this directory's names are owned here,
	// on the serving side: clients cache copies, but writers freeze and
	// wait against this table, so a writer that never looked a name up
	// still waits out every reader's lease. Mode is forced to External;
	// the Directory's own mutex serializes access.
	Leases llt.Options
}

// Defaults for Options.Leases when the caller leaves them zero.
const (
	defaultLeaseDuration = int64(5 * time.Second / time.Microsecond)
	defaultMaxLeases     = 1 << 16
)

// Directory is one directory's server-side control object.
type Directory struct {
	ID     proto.DirID
	opts   Options
	engine *mke.Engine
	ship   Shipper
	leases *llt.Table

	writerSeq uint64 // atomic; stamps WriterAcquire calls

	mu      sync.Mutex
	index   *dpi.Index
	phase   Phase
	target  uint32 // valid only while phase == Splitting
	singles singleflight.Group
}

// New builds a Directory around an already-open row-range engine and an
// initial DPI.
func New(id proto.DirID, index *dpi.Index, engine *mke.Engine, ship Shipper, opts Options) *Directory {
	opts.Leases.Mode = llt.External
	if opts.Leases.LeaseDuration <= 0 {
		opts.Leases.LeaseDuration = defaultLeaseDuration
	}
	if opts.Leases.Capacity <= 0 {
		opts.Leases.Capacity = defaultMaxLeases
	}
	return &Directory{
		ID:     id,
		opts:   opts,
		engine: engine,
		ship:   ship,
		index:  index,
		leases: llt.New(opts.Leases),
	}
}

// Index returns a copy-on-write clone of the directory's current DPI,
// safe for a caller (the RPC layer) to attach to a response and hand to
// a client without racing the mutex-guarded original.
func (d *Directory) Index() *dpi.Index {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index.Clone()
}

// Phase reports the directory's current split state and, if Splitting,
// the partition being split.
func (d *Directory) Phase() (Phase, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase, d.target
}

// MaybeSplit checks partition's overflow counters against Options and,
// if it is both over threshold and splittable, runs the split
// procedure. Concurrent calls for the same partition collapse onto a
// single in-flight attempt via singleflight.
func (d *Directory) MaybeSplit(ctx context.Context, partition uint32, entryCount int, byteSize uint64) error {
	if entryCount <= d.opts.EntryThreshold && byteSize <= d.opts.ByteThreshold {
		return nil
	}
	d.mu.Lock()
	splittable := d.index.Splittable(partition)
	d.mu.Unlock()
	if !splittable {
		return nil
	}

	key := strconv.FormatUint(uint64(partition), 10)
	_, err, _ := d.singles.Do(key, func() (interface{}, error) {
		return nil, d.doSplit(ctx, partition)
	})
	return err
}

// doSplit runs the split steps end to end. It is safe to call repeatedly for
// the same parent: step 2 is a pure function of current rows, step 3's
// target ingest is safe to repeat (each delivery is ingested as a fresh
// L0 file, so a retry adds a second copy of the same rows, and duplicate
// rows resolve by highest sequence — the MKE's natural shadowing), and
// steps 4-5 simply re-apply work already done if
// retried after a partial failure.
func (d *Directory) doSplit(ctx context.Context, parent uint32) error {
	d.mu.Lock()
	if d.phase == Splitting {
		d.mu.Unlock()
		return nil
	}
	preSplit := d.index.Clone()
	d.phase = Splitting
	d.target = parent
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.phase = Idle
		d.mu.Unlock()
	}()

	// Step 1: allocate the child id and pick its target server. The
	// child's bit is not committed to the live DPI yet -- only a probe
	// copy is used to compute placement, per spec "tentatively set".
	child := 2*parent + 1
	targetServer := preSplit.ServerForPartition(child)

	// Step 2: scan this directory's rows and keep exactly the ones that
	// migrate to the child under the pre-split bitmap.
	rows, err := d.engine.ScanDirectory(d.ID)
	if err != nil {
		return err
	}
	var migrated []mke.DirEntry
	for _, row := range rows {
		if dpi.ToBeMigrated(row.Key.NameHash, child, preSplit) {
			migrated = append(migrated, row)
		}
	}
	if len(migrated) == 0 {
		// Nothing to move yet; still commit the bit so the partition
		// is marked splittable for future writes that land in it.
		return d.commitSplit(child, nil)
	}

	tableBytes, smallest, largest, err := buildSplitTable(migrated)
	if err != nil {
		metrics.Splits.WithLabelValues("build", "error").Inc()
		return err
	}
	metrics.Splits.WithLabelValues("build", "ok").Inc()

	// Step 3: ship to the target, which bulk-ingests and sets its own
	// bit c.
	if err := d.ship.ShipTable(ctx, targetServer, d.ID, child, tableBytes, smallest, largest); err != nil {
		log.Warnf("dc: split %v partition %d ship to %d failed: %s", d.ID, parent, targetServer, err)
		metrics.Splits.WithLabelValues("ship", "error").Inc()
		return err
	}
	metrics.Splits.WithLabelValues("ship", "ok").Inc()

	// Steps 4-5: commit locally and delete the migrated rows; DPI
	// propagation itself is opportunistic gossip done by the RPC layer
	// attaching Index() to every response.
	if err := d.commitSplit(child, migrated); err != nil {
		metrics.Splits.WithLabelValues("commit", "error").Inc()
		return err
	}
	metrics.Splits.WithLabelValues("commit", "ok").Inc()
	return nil
}

// commitSplit sets bit child in the local DPI and deletes migrated rows
// from the source engine. Both sub-steps are
// idempotent: MarkSplittableChild is a no-op bit-set if already set, and
// deleting already-migrated (or never-present) rows is a harmless
// tombstone write.
func (d *Directory) commitSplit(child uint32, migrated []mke.DirEntry) error {
	d.mu.Lock()
	_, err := d.index.MarkSplittableChild(parentOf(child))
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if len(migrated) == 0 {
		return nil
	}
	deletes := make([]mke.Mutation, len(migrated))
	for i, row := range migrated {
		deletes[i] = mke.Mutation{Key: row.Key, Deleted: true}
	}
	return d.engine.Write(deletes)
}

func parentOf(child uint32) uint32 { return (child - 1) / 2 }

// encRow is a split row with its key pre-encoded, so sorting compares
// plain byte slices instead of re-deriving the sstable encoding.
type encRow struct {
	key   []byte
	value []byte
}

// buildSplitTable writes an L0-ready sstable containing exactly the
// migrated rows. Rows are sorted by their encoded key first,
// since sstable.Builder requires strictly increasing keys.
func buildSplitTable(rows []mke.DirEntry) (table, smallest, largest []byte, err error) {
	enc := make([]encRow, len(rows))
	for i, r := range rows {
		enc[i] = encRow{key: sstable.EncodeKey(r.Key), value: r.Value}
	}
	sort.Slice(enc, func(i, j int) bool { return bytes.Compare(enc[i].key, enc[j].key) < 0 })

	var buf bytes.Buffer
	b := sstable.NewBuilder(&buf)
	for _, r := range enc {
		if err := b.Add(r.key, r.value); err != nil {
			return nil, nil, nil, errors.Wrap(errors.Corruption, err, "dc: build split table")
		}
	}
	if _, err := b.Finish(); err != nil {
		return nil, nil, nil, err
	}
	return buf.Bytes(), b.FirstKey(), b.LastKey(), nil
}
