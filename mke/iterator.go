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
	"path/filepath"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/mke/manifest"
	"github.com/cubefs/dirmeta/mke/memtable"
	"github.com/cubefs/dirmeta/mke/sstable"
	"github.com/cubefs/dirmeta/proto"
)

// rowSource is one ordered stream the merging iterator draws from: a
// memtable or an open sstable.
type rowSource interface {
	Valid() bool
	Row() (key proto.RowKey, value []byte, deleted bool)
	Next()
	Seek(key proto.RowKey)
	Close() error
	Err() error
}

// memSource adapts a memtable iterator, holding a ref on the memtable
// so a concurrent rotate/flush cannot release it mid-iteration.
type memSource struct {
	it  memtable.Iterator
	mem *memtable.Memtable
}

func (s *memSource) Valid() bool { return s.it.Valid() }

func (s *memSource) Row() (proto.RowKey, []byte, bool) {
	e := s.it.Entry()
	return e.Key, e.Value, e.Deleted
}

func (s *memSource) Next()                { s.it.Next() }
func (s *memSource) Seek(k proto.RowKey)  { s.it.Seek(k) }
func (s *memSource) Err() error           { return nil }
func (s *memSource) Close() error {
	s.mem.Unref()
	return nil
}

// tableSource adapts one sstable reader, decoding each entry's key as
// it surfaces.
type tableSource struct {
	f     *os.File
	it    *sstable.Iterator
	key   proto.RowKey
	value []byte
	valid bool
	err   error
}

func openTableSource(path string) (*tableSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "mke: open sstable for iteration")
	}
	r, err := sstable.Open(&osFileSource{f})
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &tableSource{f: f, it: r.NewIterator()}
	s.it.SeekToFirst()
	s.load()
	return s, nil
}

func (s *tableSource) load() {
	if err := s.it.Err(); err != nil {
		s.valid, s.err = false, err
		return
	}
	if !s.it.Valid() {
		s.valid = false
		return
	}
	k, err := sstable.DecodeKey(s.it.Key())
	if err != nil {
		s.valid, s.err = false, err
		return
	}
	s.key, s.value, s.valid = k, s.it.Value(), true
}

func (s *tableSource) Valid() bool { return s.valid }

func (s *tableSource) Row() (proto.RowKey, []byte, bool) {
	return s.key, s.value, s.key.ValueType == proto.ValueTypeDeletion
}

func (s *tableSource) Next() {
	s.it.Next()
	s.load()
}

func (s *tableSource) Seek(k proto.RowKey) {
	s.it.Seek(sstable.EncodeKey(k))
	s.load()
}

func (s *tableSource) Err() error   { return s.err }
func (s *tableSource) Close() error { return s.f.Close() }

// Iterator yields every live row in key order at a consistent snapshot,
// with seek support: a k-way merge over the
// active memtable, the immutable memtable (if any) and every table file
// in the pinned version. Rows newer than the snapshot's sequence are
// invisible, shadowed versions collapse to the newest visible one, and
// tombstoned keys are skipped entirely.
type Iterator struct {
	maxSeq  proto.Sequence
	version *manifest.Version
	sources []rowSource

	lastUser proto.RowKey
	haveLast bool

	valid bool
	key   proto.RowKey
	value []byte
	err   error
}

// NewIterator opens an iterator at snap; a nil snap reads at the
// current sequence. The returned iterator is positioned on the first
// row; callers must Close it to release the pinned memtables, version,
// and file handles.
func (e *Engine) NewIterator(snap *Snapshot) (*Iterator, error) {
	var maxSeq proto.Sequence
	var version *manifest.Version
	if snap != nil {
		maxSeq = snap.seq
		version = snap.version
		version.Ref()
	} else {
		e.mu.RLock()
		maxSeq = proto.Sequence(e.seq)
		e.mu.RUnlock()
		version = e.versions.Current()
	}

	e.mu.RLock()
	mem, imm := e.mem, e.imm
	mem.Ref()
	if imm != nil {
		imm.Ref()
	}
	e.mu.RUnlock()

	it := &Iterator{maxSeq: maxSeq, version: version}
	it.sources = append(it.sources, &memSource{it: mem.NewIterator(), mem: mem})
	if imm != nil {
		it.sources = append(it.sources, &memSource{it: imm.NewIterator(), mem: imm})
	}
	for level := 0; level < manifest.NumLevels; level++ {
		for _, fm := range version.Files(level) {
			src, err := openTableSource(filepath.Join(e.opts.Dir, tableFileName(fm.Number)))
			if err != nil {
				it.Close()
				return nil, err
			}
			it.sources = append(it.sources, src)
		}
	}
	it.advance()
	return it, nil
}

func (it *Iterator) Valid() bool          { return it.valid }
func (it *Iterator) Key() proto.RowKey    { return it.key }
func (it *Iterator) Value() []byte        { return it.value }
func (it *Iterator) Err() error           { return it.err }

// Next moves to the next live row.
func (it *Iterator) Next() { it.advance() }

// Seek positions the iterator on the first live row whose user key is
// >= (parent, nameHash).
func (it *Iterator) Seek(parent proto.DirID, nameHash proto.Hash128) {
	// Sequence pinned to maxSeq so versions newer than the snapshot
	// sort before the target and are skipped positionally.
	target := proto.RowKey{Parent: parent, NameHash: nameHash, Sequence: it.maxSeq}
	for _, s := range it.sources {
		s.Seek(target)
	}
	it.haveLast = false
	it.advance()
}

// advance pops rows in merged key order until one is visible at the
// snapshot: sequences above maxSeq are skipped, only the first (newest)
// visible version of each user key counts, and a tombstone consumes
// its user key without yielding it.
func (it *Iterator) advance() {
	for {
		best := -1
		var bestKey proto.RowKey
		for i, s := range it.sources {
			if err := s.Err(); err != nil {
				it.valid, it.err = false, err
				return
			}
			if !s.Valid() {
				continue
			}
			k, _, _ := s.Row()
			if best == -1 || memtable.Compare(k, bestKey) < 0 {
				best, bestKey = i, k
			}
		}
		if best == -1 {
			it.valid = false
			return
		}
		key, value, deleted := it.sources[best].Row()
		it.sources[best].Next()

		if key.Sequence > uint64(it.maxSeq) {
			continue
		}
		if it.haveLast && key.Parent == it.lastUser.Parent && key.NameHash == it.lastUser.NameHash {
			continue
		}
		it.lastUser, it.haveLast = key, true
		if deleted {
			continue
		}
		it.key, it.value, it.valid = key, value, true
		return
	}
}

// Close releases every pinned resource. Safe to call more than once.
func (it *Iterator) Close() error {
	var err error
	for _, s := range it.sources {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}
	it.sources = nil
	if it.version != nil {
		it.version.Unref()
		it.version = nil
	}
	it.valid = false
	return err
}
