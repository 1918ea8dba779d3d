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

package manifest

import (
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/util/btree"
)

// NumLevels bounds the LSM's depth.
const NumLevels = 7

// btreeItem adapts FileMetadata to github.com/cubefs/cubefs/util/btree's
// Item interface (Less/Copy) so each level's file list stays ordered by
// smallest key.
type btreeItem struct{ f *FileMetadata }

func (i *btreeItem) Less(than btree.Item) bool {
	return i.f.Less(than.(*btreeItem).f)
}

func (i *btreeItem) Copy() btree.Item {
	cp := *i.f
	return &btreeItem{f: &cp}
}

// Version is one immutable snapshot of the live file set, refcounted so
// an in-flight iterator can keep reading from a version the compactor
// has already superseded.
type Version struct {
	levels [NumLevels]*btree.BTree
	refs   int32
}

func newVersion() *Version {
	v := &Version{}
	for i := range v.levels {
		v.levels[i] = btree.New(32)
	}
	return v
}

func (v *Version) Ref()   { atomic.AddInt32(&v.refs, 1) }
func (v *Version) Unref() int32 { return atomic.AddInt32(&v.refs, -1) }

// Files returns level i's files in smallest-key order.
func (v *Version) Files(level int) []*FileMetadata {
	var out []*FileMetadata
	v.levels[level].Ascend(func(it btree.Item) bool {
		out = append(out, it.(*btreeItem).f)
		return true
	})
	return out
}

// clone deep-copies the version's btrees so an Edit can be applied
// without mutating any version a reader might be pinning.
func (v *Version) clone() *Version {
	nv := newVersion()
	for i := range v.levels {
		v.levels[i].Ascend(func(it btree.Item) bool {
			f := it.(*btreeItem).f
			cp := *f
			nv.levels[i].ReplaceOrInsert(&btreeItem{f: &cp})
			return true
		})
	}
	return nv
}

// apply returns a new Version with e's adds/deletes applied to v.
func (v *Version) apply(e *Edit) *Version {
	nv := v.clone()
	for level, nums := range e.DeletedFiles {
		for _, n := range nums {
			nv.levels[level].Ascend(func(it btree.Item) bool {
				if it.(*btreeItem).f.Number == n {
					nv.levels[level].Delete(it)
					return false
				}
				return true
			})
		}
	}
	for level, files := range e.AddedFiles {
		for _, f := range files {
			nv.levels[level].ReplaceOrInsert(&btreeItem{f: f})
		}
	}
	return nv
}

// Set owns the current Version and the durable log of edits that built
// it, and serializes manifest mutations behind a mutex.
type Set struct {
	mu             sync.Mutex
	current        *Version
	nextFileNumber uint64
	lastSequence   uint64
	compactPointer [NumLevels][]byte
	dir            string
	log            *logWriter

	// tailedName/tailedSize remember the manifest file and length last
	// replayed, so a read-only observer's TailManifest can cheaply
	// detect "nothing new".
	tailedName string
	tailedSize int64
}

// NewSet creates an empty manifest (a brand-new MKE with no sstables).
func NewSet(dir string) *Set {
	return &Set{current: newVersion(), dir: dir, nextFileNumber: 1}
}

func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ref()
	return s.current
}

// NewFileNumber allocates the next sstable file number.
func (s *Set) NewFileNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextFileNumber
	s.nextFileNumber++
	return n
}

// LogAndApply durably appends e to the manifest log, then swaps in the
// resulting Version. Crash-safety: the sstable referenced by e must
// already be fully written and synced before this is called;
// violating that ordering is how an orphan file is produced, which
// restart recovery sweeps.
func (s *Set) LogAndApply(e *Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.NextFileNumber = s.nextFileNumber
	if e.LastSequence == 0 {
		e.LastSequence = s.lastSequence
	}

	if s.log == nil {
		if err := s.createManifestLocked(); err != nil {
			return err
		}
	}
	if err := s.log.append(e); err != nil {
		return err
	}

	s.current = s.current.apply(e)
	if e.LastSequence > s.lastSequence {
		s.lastSequence = e.LastSequence
	}
	for level, ptr := range e.CompactPointer {
		s.compactPointer[level] = ptr
	}
	return nil
}

// LastSequence returns the highest sequence number durably recorded in
// the manifest, used to resume sequence allocation after a restart.
func (s *Set) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

// CompactPointer returns the last key compacted out of level, the
// round-robin cursor for picking the next compaction's input file.
func (s *Set) CompactPointer(level int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactPointer[level]
}
