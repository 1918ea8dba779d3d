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

// Package mke is the metadata key-value engine: a log-structured merge
// store over the row model defined in package proto, wired from
// mke/wal, mke/memtable, mke/sstable, mke/manifest and mke/compaction
// into one Get/Put/Delete/Write/Snapshot/Iterator surface. There is no
// cgo-embedded database underneath: the row model is small,
// append-mostly and well served by a purpose-built LSM.
package mke

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/metrics"
	"github.com/cubefs/dirmeta/mke/compaction"
	"github.com/cubefs/dirmeta/mke/manifest"
	"github.com/cubefs/dirmeta/mke/memtable"
	"github.com/cubefs/dirmeta/mke/sstable"
	"github.com/cubefs/dirmeta/mke/wal"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/storage"
)

// MemtableSizeThreshold is the default write_buffer_size:
// rotates the active memtable to immutable and schedules a flush once
// it holds this many estimated bytes.
const MemtableSizeThreshold = 4 << 20

// Options configures an Engine. Zero values are replaced with defaults
// at Open.
type Options struct {
	Dir      string
	ReadOnly bool
	// WriteBufferSize rotates the memtable to immutable once it holds
	// this many estimated bytes. Defaults to MemtableSizeThreshold.
	WriteBufferSize int
	// DisableCompaction puts the engine in read-mostly mode: flush to
	// L0 still happens, but the background compactor never
	// picks a victim, and writers never stall on the L0 hard limit
	// below (nothing will ever drain it).
	DisableCompaction bool
	// L0SoftLimit/L0HardLimit/LevelFactor are the compaction policy
	// knobs, threaded through to the compaction.Picker. Zero
	// values fall back to the compaction package's defaults.
	L0SoftLimit int
	L0HardLimit int
	LevelFactor int
	// FlushLimiter throttles flush/compaction I/O.
	FlushLimiter *rate.Limiter
	// Backend is the capability set backing this directory; defaults to storage.NewLocal(Dir). A read-only
	// replica does not acquire Backend's lock.
	Backend storage.Backend
}

func (o *Options) setDefaults() {
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = MemtableSizeThreshold
	}
	defaults := compaction.DefaultLimits()
	if o.L0SoftLimit <= 0 {
		o.L0SoftLimit = defaults.L0SoftLimit
	}
	if o.L0HardLimit <= 0 {
		o.L0HardLimit = defaults.L0HardLimit
	}
	if o.LevelFactor <= 0 {
		o.LevelFactor = defaults.LevelFactor
	}
}

func (o *Options) compactionLimits() compaction.Limits {
	return compaction.Limits{L0SoftLimit: o.L0SoftLimit, L0HardLimit: o.L0HardLimit, LevelFactor: o.LevelFactor}
}

// Engine is one directory-range's metadata store: WAL append, memtable
// insert, background rotate-to-immutable, background flush to L0,
// background compaction.
type Engine struct {
	opts Options
	lock storage.Lock

	mu        sync.RWMutex
	mem       *memtable.Memtable
	imm       *memtable.Memtable // being flushed; nil when none pending
	versions  *manifest.Set
	seq       uint64
	readOnly  int32 // atomic bool: WAL failure forces this on
	snapshots sync.Map

	walFile *os.File
	wal     *wal.Writer

	bgGroup  *errgroup.Group
	bgCancel context.CancelFunc
	flushCh  chan struct{}

	// l0Cond parks writers once L0 is at its hard limit and wakes them once an
	// L0 compaction changes the L0 file set. Guarded by mu.
	l0Cond *sync.Cond
}

// Open recovers the manifest, replays the WAL, and starts the
// background flush/compaction loop. A read-only replica (Options.ReadOnly)
// skips WAL creation and rejects writes with ErrNotSupported.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, errors.New(errors.InvalidArgument, "mke: empty data directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.IOError, err, "mke: create data dir")
	}
	opts.setDefaults()
	if opts.FlushLimiter == nil {
		opts.FlushLimiter = rate.NewLimiter(rate.Inf, 1)
	}
	if opts.Backend == nil {
		backend, err := storage.NewLocal(opts.Dir)
		if err != nil {
			return nil, err
		}
		opts.Backend = backend
	}

	versions, err := manifest.Recover(opts.Dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:     opts,
		mem:      memtable.New(),
		versions: versions,
		seq:      versions.LastSequence(),
		flushCh:  make(chan struct{}, 1),
	}
	e.l0Cond = sync.NewCond(&e.mu)

	if !opts.ReadOnly {
		// LOCK is held with an exclusive flock to enforce single-writer-per-directory.
		lock, err := opts.Backend.Lock("LOCK")
		if err != nil {
			return nil, errors.Wrap(errors.IOError, err, "mke: acquire data directory lock")
		}
		e.lock = lock
		if err := e.replayAndOpenWAL(); err != nil {
			return nil, err
		}
		if err := e.sweepIngestOrphans(); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		e.bgCancel = cancel
		g, gctx := errgroup.WithContext(ctx)
		e.bgGroup = g
		g.Go(func() error { return e.backgroundLoop(gctx) })
	}
	return e, nil
}

func (e *Engine) walPath() string { return filepath.Join(e.opts.Dir, "wal.log") }

// replayAndOpenWAL replays any existing WAL into the memtable
// (tolerant of a torn final record), then reopens it for append. The
// log is not truncated: the replayed records stay in the file and are
// replayed again on the next Open.
func (e *Engine) replayAndOpenWAL() error {
	path := e.walPath()
	if f, err := os.Open(path); err == nil {
		r := wal.NewReader(f)
		for {
			rec, rerr := r.Next()
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				f.Close()
				return rerr
			}
			entry, derr := decodeWALEntry(rec)
			if derr != nil {
				// A non-torn but corrupt record is a real corruption; a
				// torn one is already folded into io.EOF by wal.Reader.
				f.Close()
				return derr
			}
			e.applyToMemtable(entry)
			if uint64(entry.Key.Sequence) > e.seq {
				e.seq = uint64(entry.Key.Sequence)
			}
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return errors.Wrap(errors.IOError, err, "mke: open wal for replay")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(errors.IOError, err, "mke: open wal for append")
	}
	e.walFile = f
	e.wal = wal.NewWriter(f)
	return nil
}

func (e *Engine) applyToMemtable(entry Mutation) {
	if entry.Deleted {
		e.mem.Delete(entry.Key)
	} else {
		e.mem.Put(entry.Key, entry.Value)
	}
}

// sweepIngestOrphans closes the bulk-ingest crash window on restart:
// any *.ldb file on disk not present in the recovered
// Version is either completed (if a matching manifest edit replays) or
// discarded, since manifest.Recover already folded any replayable edit
// into the current Version -- so by the time we get here, "not in the
// Version" always means "discard".
func (e *Engine) sweepIngestOrphans() error {
	entries, err := os.ReadDir(e.opts.Dir)
	if err != nil {
		return errors.Wrap(errors.IOError, err, "mke: list data dir")
	}
	live := map[string]bool{}
	v := e.versions.Current()
	defer v.Unref()
	for level := 0; level < manifest.NumLevels; level++ {
		for _, f := range v.Files(level) {
			live[tableFileName(f.Number)] = true
		}
	}
	for _, ent := range entries {
		name := ent.Name()
		if filepath.Ext(name) != ".ldb" {
			continue
		}
		if !live[name] {
			path := filepath.Join(e.opts.Dir, name)
			log.Warnf("mke: discarding orphan sstable %s (not referenced by manifest)", name)
			if rerr := os.Remove(path); rerr != nil {
				log.Warnf("mke: failed to remove orphan sstable %s: %v", name, rerr)
			}
		}
	}
	return nil
}

func tableFileName(number uint64) string { return fmt.Sprintf("%06d.ldb", number) }

// Mutation is the WAL's logical record: one row mutation.
type Mutation struct {
	Key     proto.RowKey
	Value   []byte
	Deleted bool
}

func encodeWALEntry(e Mutation) []byte {
	key := sstable.EncodeKey(e.Key)
	buf := make([]byte, 0, 1+len(key)+len(e.Value))
	if e.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, key...)
	buf = append(buf, e.Value...)
	return buf
}

func decodeWALEntry(rec []byte) (Mutation, error) {
	if len(rec) < 1+41 {
		return Mutation{}, errors.New(errors.Corruption, "mke: short wal record")
	}
	deleted := rec[0] == 1
	key, err := sstable.DecodeKey(rec[1 : 1+41])
	if err != nil {
		return Mutation{}, err
	}
	value := append([]byte(nil), rec[1+41:]...)
	return Mutation{Key: key, Value: value, Deleted: deleted}, nil
}

// Refresh tails the primary's manifest from a read-only replica,
// picking up any VersionEdits appended since Open or the last
// Refresh. On a writable engine it is a no-op:
// the engine's own LogAndApply already keeps the version current.
func (e *Engine) Refresh() (bool, error) {
	if !e.opts.ReadOnly {
		return false, nil
	}
	changed, err := e.versions.TailManifest()
	if err != nil {
		return false, err
	}
	if changed {
		e.mu.Lock()
		if last := e.versions.LastSequence(); last > e.seq {
			e.seq = last
		}
		e.mu.Unlock()
	}
	return changed, nil
}

func (e *Engine) checkWritable() error {
	if e.opts.ReadOnly {
		return errors.New(errors.NotSupported, "mke: engine opened read-only")
	}
	if atomic.LoadInt32(&e.readOnly) != 0 {
		return errors.New(errors.IOError, "mke: engine is read-only after a WAL write failure")
	}
	return nil
}

// l0FileCount returns the current number of L0 sstables. Safe to call
// with or without mu held: it reads through the manifest Set's own
// lock, independent of Engine.mu.
func (e *Engine) l0FileCount() int {
	v := e.versions.Current()
	n := len(v.Files(0))
	v.Unref()
	return n
}

// waitForL0RoomLocked blocks until L0 drops below its hard limit:
// writers stall rather than keep stacking L0 files compaction has not
// drained. Called with mu held; Cond.Wait releases it while parked
// and reacquires it on wake.
func (e *Engine) waitForL0RoomLocked() error {
	for !e.opts.DisableCompaction && e.l0FileCount() >= e.opts.L0HardLimit {
		if atomic.LoadInt32(&e.readOnly) != 0 {
			return errors.New(errors.IOError, "mke: engine is read-only after a WAL write failure")
		}
		e.l0Cond.Wait()
	}
	return nil
}

// notifyL0Change wakes any writer parked in waitForL0RoomLocked after an
// L0 compaction has changed the L0 file set.
func (e *Engine) notifyL0Change() {
	e.mu.Lock()
	e.l0Cond.Broadcast()
	e.mu.Unlock()
}

// Put writes key=value durably (WAL-synced) before returning.
func (e *Engine) Put(key proto.RowKey, value []byte) error {
	return e.write(Mutation{Key: key, Value: value})
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key proto.RowKey) error {
	key.ValueType = proto.ValueTypeDeletion
	return e.write(Mutation{Key: key, Deleted: true})
}

func (e *Engine) write(entry Mutation) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.waitForL0RoomLocked(); err != nil {
		return err
	}

	e.seq++
	entry.Key.Sequence = proto.Sequence(e.seq)

	if err := e.wal.AddRecord(encodeWALEntry(entry)); err != nil {
		atomic.StoreInt32(&e.readOnly, 1)
		return err
	}
	if err := e.wal.Sync(); err != nil {
		atomic.StoreInt32(&e.readOnly, 1)
		return err
	}

	e.applyToMemtable(entry)

	if e.mem.ApproximateMemoryUsage() >= int64(e.opts.WriteBufferSize) && e.imm == nil {
		e.rotateLocked()
	}
	return nil
}

// Write applies a batch of entries as one WAL-synced unit (an
// all-or-nothing group commit, per the row model's batch semantics).
func (e *Engine) Write(entries []Mutation) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.waitForL0RoomLocked(); err != nil {
		return err
	}

	for i := range entries {
		e.seq++
		entries[i].Key.Sequence = proto.Sequence(e.seq)
		if err := e.wal.AddRecord(encodeWALEntry(entries[i])); err != nil {
			atomic.StoreInt32(&e.readOnly, 1)
			return err
		}
	}
	if err := e.wal.Sync(); err != nil {
		atomic.StoreInt32(&e.readOnly, 1)
		return err
	}
	for _, entry := range entries {
		e.applyToMemtable(entry)
	}
	if e.mem.ApproximateMemoryUsage() >= int64(e.opts.WriteBufferSize) && e.imm == nil {
		e.rotateLocked()
	}
	return nil
}

// rotateLocked swaps the active memtable for a fresh one and signals
// the background loop to flush the retired one to L0. Called with mu
// held.
func (e *Engine) rotateLocked() {
	e.imm = e.mem
	e.mem = memtable.New()
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

// Get returns the newest value for (parent, nameHash) visible at
// sequence maxSeq (0 means "latest").
func (e *Engine) Get(parent proto.DirID, nameHash proto.Hash128, maxSeq proto.Sequence) ([]byte, error) {
	e.mu.RLock()
	mem, imm := e.mem, e.imm
	if maxSeq == 0 {
		maxSeq = proto.Sequence(e.seq)
	}
	e.mu.RUnlock()

	if v, deleted, found := mem.Get(parent, nameHash, maxSeq); found {
		if deleted {
			return nil, errors.ErrNotFound
		}
		return v, nil
	}
	if imm != nil {
		if v, deleted, found := imm.Get(parent, nameHash, maxSeq); found {
			if deleted {
				return nil, errors.ErrNotFound
			}
			return v, nil
		}
	}

	version := e.versions.Current()
	defer version.Unref()
	target := sstable.EncodeKey(proto.RowKey{Parent: parent, NameHash: nameHash, Sequence: maxSeq})
	for level := 0; level < manifest.NumLevels; level++ {
		files := version.Files(level)
		if level == 0 {
			// L0 files may overlap: search the newest (highest-numbered) first.
			sort.Slice(files, func(i, j int) bool { return files[i].Number > files[j].Number })
		}
		for _, fm := range files {
			if level > 0 && (compareEnc(target, fm.LargestKey) > 0 || compareEnc(target, fm.SmallestKey) < 0) {
				continue
			}
			val, found, err := e.getFromTable(fm.Number, target)
			if err != nil {
				return nil, err
			}
			if found {
				return val, nil
			}
		}
	}
	return nil, errors.ErrNotFound
}

// getFromTable opens table fileNumber, finds the newest row of
// encodedKey's (parent, name hash) whose sequence is at or below the one
// encodedKey carries, and closes the file before returning; callers
// never hold a long-lived *Reader, so sstable.Reader does not need to
// own file-handle lifetime itself. A tombstone is reported as found,
// with errors.ErrNotFound.
func (e *Engine) getFromTable(fileNumber uint64, encodedKey []byte) ([]byte, bool, error) {
	f, err := os.Open(filepath.Join(e.opts.Dir, tableFileName(fileNumber)))
	if err != nil {
		return nil, false, errors.Wrap(errors.IOError, err, "mke: open sstable")
	}
	defer f.Close()

	r, err := sstable.Open(&osFileSource{f})
	if err != nil {
		return nil, false, err
	}
	it := r.NewIterator()
	it.Seek(encodedKey)
	if err := it.Err(); err != nil || !it.Valid() {
		return nil, false, err
	}
	got, err := sstable.DecodeKey(it.Key())
	if err != nil {
		return nil, false, err
	}
	want, err := sstable.DecodeKey(encodedKey)
	if err != nil || got.Parent != want.Parent || got.NameHash != want.NameHash {
		return nil, false, err
	}
	if got.ValueType == proto.ValueTypeDeletion {
		return nil, true, errors.ErrNotFound
	}
	return append([]byte(nil), it.Value()...), true, nil
}

func compareEnc(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// osFileSource adapts *os.File to sstable.ReaderSource.
type osFileSource struct{ *os.File }

func (s *osFileSource) Size() (int64, error) {
	fi, err := s.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// DirEntry is one live (non-deleted) row returned by ScanDirectory.
type DirEntry struct {
	Key   proto.RowKey
	Value []byte
}

// dirKeyBounds returns the smallest and largest possible encoded keys
// for parent: NameHash zero with the maximum sequence (smallest, since
// sequence encodes descending) through NameHash all-ones with sequence
// zero (largest).
func dirKeyBounds(parent proto.DirID) (low, high []byte) {
	low = sstable.EncodeKey(proto.RowKey{Parent: parent, Sequence: proto.Sequence(^uint64(0))})
	high = sstable.EncodeKey(proto.RowKey{
		Parent:    parent,
		NameHash:  proto.Hash128{Hi: ^uint64(0), Lo: ^uint64(0)},
		Sequence:  0,
		ValueType: ^proto.ValueType(0),
	})
	return low, high
}

// ScanDirectory returns every live row belonging to parent, newest
// version only, across the active memtable, the immutable memtable (if
// any) and every overlapping sstable. It is used by the dc package to
// build a split's migrated-row table and is not on
// any hot path, so a full per-source scan merged by a plain map is
// simpler than wiring a k-way merging iterator for a single call site.
func (e *Engine) ScanDirectory(parent proto.DirID) ([]DirEntry, error) {
	e.mu.RLock()
	mem, imm := e.mem, e.imm
	e.mu.RUnlock()

	type cand struct {
		key     proto.RowKey
		value   []byte
		deleted bool
	}
	best := make(map[proto.Hash128]cand)
	consider := func(key proto.RowKey, value []byte, deleted bool) {
		if key.Parent != parent {
			return
		}
		if c, ok := best[key.NameHash]; !ok || uint64(key.Sequence) > uint64(c.key.Sequence) {
			best[key.NameHash] = cand{key: key, value: value, deleted: deleted}
		}
	}

	scanMemtable := func(m *memtable.Memtable) {
		if m == nil {
			return
		}
		it := m.NewIterator()
		it.Seek(proto.RowKey{Parent: parent, Sequence: proto.Sequence(^uint64(0))})
		for it.Valid() {
			ent := it.Entry()
			if ent.Key.Parent != parent {
				break
			}
			consider(ent.Key, ent.Value, ent.Deleted)
			it.Next()
		}
	}
	scanMemtable(mem)
	scanMemtable(imm)

	low, high := dirKeyBounds(parent)
	version := e.versions.Current()
	defer version.Unref()
	for level := 0; level < manifest.NumLevels; level++ {
		for _, fm := range version.Files(level) {
			if level > 0 && (compareEnc(high, fm.SmallestKey) < 0 || compareEnc(low, fm.LargestKey) > 0) {
				continue
			}
			if err := e.scanTableIntoMap(fm.Number, low, parent, consider); err != nil {
				return nil, err
			}
		}
	}

	out := make([]DirEntry, 0, len(best))
	for _, c := range best {
		if c.deleted {
			continue
		}
		out = append(out, DirEntry{Key: c.key, Value: append([]byte(nil), c.value...)})
	}
	return out, nil
}

func (e *Engine) scanTableIntoMap(fileNumber uint64, seekKey []byte, parent proto.DirID, consider func(proto.RowKey, []byte, bool)) error {
	f, err := os.Open(filepath.Join(e.opts.Dir, tableFileName(fileNumber)))
	if err != nil {
		return errors.Wrap(errors.IOError, err, "mke: open sstable")
	}
	defer f.Close()

	r, err := sstable.Open(&osFileSource{f})
	if err != nil {
		return err
	}
	it := r.NewIterator()
	it.Seek(seekKey)
	for it.Valid() {
		key, err := sstable.DecodeKey(it.Key())
		if err != nil {
			return err
		}
		if key.Parent != parent {
			break
		}
		consider(key, it.Value(), key.ValueType == proto.ValueTypeDeletion)
		it.Next()
	}
	return nil
}

// Snapshot pins a sequence number and the Version alive at the time
// (memtables are not pinned) so reads through it never observe a write
// committed afterward.
type Snapshot struct {
	e       *Engine
	id      int64
	seq     proto.Sequence
	version *manifest.Version
}

var snapshotIDs int64

func (e *Engine) NewSnapshot() *Snapshot {
	e.mu.RLock()
	seq := e.seq
	e.mu.RUnlock()
	v := e.versions.Current()
	id := atomic.AddInt64(&snapshotIDs, 1)
	s := &Snapshot{e: e, id: id, seq: proto.Sequence(seq), version: v}
	e.snapshots.Store(id, s)
	return s
}

func (s *Snapshot) Release() {
	s.e.snapshots.Delete(s.id)
	s.version.Unref()
}

// Seq is the sequence number this snapshot pins: a Get call passed this
// value as maxSeq observes exactly the rows visible when the snapshot
// was taken.
func (s *Snapshot) Seq() proto.Sequence { return s.seq }

// minVisibleSeq returns the oldest sequence number any open snapshot
// still depends on, or the current sequence (meaning "nothing is
// pinned, everything older than now is droppable") if none are open.
// Compaction uses this to decide whether a tombstone can finally be
// dropped.
func (e *Engine) minVisibleSeq() uint64 {
	e.mu.RLock()
	min := e.seq
	e.mu.RUnlock()
	e.snapshots.Range(func(_, v interface{}) bool {
		s := v.(*Snapshot)
		if uint64(s.seq) < min {
			min = uint64(s.seq)
		}
		return true
	})
	return min
}

// BulkIngest registers an already-built, already-fsynced sstable
// (produced by dc during a directory split) into L0 without
// going through the WAL/memtable path. The caller is responsible for
// having written and synced the file at the path Engine.IngestPath
// returns before calling this.
func (e *Engine) BulkIngest(fileNumber uint64, smallestKey, largestKey []byte, size uint64) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	edit := manifest.NewEdit()
	edit.AddFile(0, &manifest.FileMetadata{
		Number:       fileNumber,
		Size:         size,
		SmallestKey:  smallestKey,
		LargestKey:   largestKey,
		AllowedSeeks: 100,
	})
	return e.versions.LogAndApply(edit)
}

// IngestFileNumber allocates a file number for a BulkIngest caller to
// write its sstable at before calling BulkIngest.
func (e *Engine) IngestFileNumber() uint64 { return e.versions.NewFileNumber() }

// IngestPath returns the path a bulk-ingest sstable with the given file
// number must be written to.
func (e *Engine) IngestPath(fileNumber uint64) string {
	return filepath.Join(e.opts.Dir, tableFileName(fileNumber))
}

// backgroundLoop drives the mutable -> immutable -> flushed-to-L0 ->
// released state machine plus ongoing compaction, on the
// single errgroup goroutine Open starts.
func (e *Engine) backgroundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.flushCh:
			if err := e.opts.FlushLimiter.Wait(ctx); err != nil {
				continue
			}
			if err := e.flushImmutable(); err != nil {
				log.Errorf("mke: flush failed: %v", err)
				continue
			}
			if err := e.maybeCompact(ctx); err != nil {
				log.Errorf("mke: compaction failed: %v", err)
			}
		}
	}
}

// flushImmutable writes the retired memtable out as a new L0 sstable
// and durably records it in the manifest before releasing the
// memtable.
func (e *Engine) flushImmutable() error {
	e.mu.RLock()
	imm := e.imm
	e.mu.RUnlock()
	if imm == nil {
		return nil
	}

	number := e.versions.NewFileNumber()
	path := e.IngestPath(number)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(errors.IOError, err, "mke: create flush sstable")
	}

	builder := sstable.NewBuilder(f)
	it := imm.NewIterator()
	for it.Valid() {
		entry := it.Entry()
		key := sstable.EncodeKey(entry.Key)
		value := entry.Value
		if entry.Deleted {
			value = nil
		}
		if err := builder.Add(key, value); err != nil {
			f.Close()
			return err
		}
		it.Next()
	}
	size, err := builder.Finish()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(errors.IOError, err, "mke: sync flush sstable")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errors.IOError, err, "mke: close flush sstable")
	}

	edit := manifest.NewEdit()
	edit.AddFile(0, &manifest.FileMetadata{
		Number:       number,
		Size:         size,
		SmallestKey:  builder.FirstKey(),
		LargestKey:   builder.LastKey(),
		AllowedSeeks: 100,
	})
	if err := e.versions.LogAndApply(edit); err != nil {
		return err
	}
	flushedV := e.versions.Current()
	metrics.L0Files.WithLabelValues(e.opts.Dir).Set(float64(len(flushedV.Files(0))))
	flushedV.Unref()

	e.mu.Lock()
	e.imm = nil
	e.mu.Unlock()
	return nil
}

// maybeCompact asks the compaction picker for one plan against the
// current version and, if there is one, executes it.
func (e *Engine) maybeCompact(ctx context.Context) error {
	if e.opts.DisableCompaction {
		return nil
	}
	for {
		v := e.versions.Current()
		picker := compaction.NewPickerWithLimits(v, e.versions, e.opts.compactionLimits())
		plan := picker.Pick()
		if plan == nil {
			v.Unref()
			return nil
		}

		allInputs := append(append([]*manifest.FileMetadata{}, plan.Inputs...), plan.NextInputs...)
		readers := make([]*sstable.Reader, 0, len(allInputs))
		closers := make([]io.Closer, 0, len(allInputs))
		for _, fm := range allInputs {
			f, err := os.Open(e.IngestPath(fm.Number))
			if err != nil {
				v.Unref()
				closeAll(closers)
				return errors.Wrap(errors.IOError, err, "mke: open compaction input")
			}
			r, err := sstable.Open(&osFileSource{f})
			if err != nil {
				v.Unref()
				closeAll(closers)
				return err
			}
			readers = append(readers, r)
			closers = append(closers, f)
		}

		var outFiles []*os.File
		outputs, err := compaction.Run(plan, readers, func() uint64 { return e.versions.NewFileNumber() },
			func(fileNumber uint64) (io.Writer, error) {
				f, err := os.OpenFile(e.IngestPath(fileNumber), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
				if err != nil {
					return nil, err
				}
				outFiles = append(outFiles, f)
				return f, nil
			}, e.minVisibleSeq)
		closeAll(closers)
		v.Unref()
		// Outputs are synced and closed before LogAndApply records them.
		for _, f := range outFiles {
			if serr := f.Sync(); serr != nil && err == nil {
				err = errors.Wrap(errors.IOError, serr, "mke: sync compaction output")
			}
			f.Close()
		}
		if err != nil {
			return err
		}

		edit := manifest.NewEdit()
		for _, fm := range plan.Inputs {
			edit.DeleteFile(plan.Level, fm.Number)
		}
		for _, fm := range plan.NextInputs {
			edit.DeleteFile(plan.Level+1, fm.Number)
		}
		for _, out := range outputs {
			edit.AddFile(plan.Level+1, out)
		}
		if len(plan.Inputs) > 0 {
			edit.SetCompactPointer(plan.Level, plan.Inputs[len(plan.Inputs)-1].LargestKey)
		}
		if err := e.versions.LogAndApply(edit); err != nil {
			return err
		}
		for _, fm := range plan.Inputs {
			os.Remove(e.IngestPath(fm.Number))
		}
		for _, fm := range plan.NextInputs {
			os.Remove(e.IngestPath(fm.Number))
		}
		metrics.CompactionsRun.WithLabelValues(strconv.Itoa(plan.Level), plan.Trigger).Inc()
		nowV := e.versions.Current()
		metrics.L0Files.WithLabelValues(e.opts.Dir).Set(float64(len(nowV.Files(0))))
		nowV.Unref()
		if plan.Level == 0 {
			// This compaction drained files out of L0: wake any writer
			// parked in waitForL0RoomLocked.
			e.notifyL0Change()
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		c.Close()
	}
}

// Close stops the background loop, closes the WAL file, and releases
// the data directory lock.
func (e *Engine) Close() error {
	if e.bgCancel != nil {
		e.bgCancel()
		_ = e.bgGroup.Wait()
	}
	var err error
	if e.walFile != nil {
		err = e.walFile.Close()
	}
	if e.lock != nil {
		if uerr := e.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
