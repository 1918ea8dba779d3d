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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/mke/wal"
)

// logWriter appends Edit records to the manifest log file using the
// same block-framed format the data WAL uses; one log writer serves
// both purposes.
type logWriter struct {
	file *os.File
	w    *wal.Writer
	name string
}

func manifestFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", number))
}

func currentFileName(dir string) string {
	return filepath.Join(dir, "CURRENT")
}

// createManifestLocked opens a fresh manifest file, writes a snapshot
// edit describing the current version, and atomically repoints CURRENT
// at it. Called with s.mu held.
func (s *Set) createManifestLocked() error {
	number := s.nextFileNumber
	s.nextFileNumber++
	name := manifestFileName(s.dir, number)

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(errors.IOError, err, "manifest: create manifest file")
	}
	lw := &logWriter{file: f, w: wal.NewWriter(f), name: name}

	snapshot := NewEdit()
	snapshot.NextFileNumber = s.nextFileNumber
	snapshot.LastSequence = s.lastSequence
	for level := 0; level < NumLevels; level++ {
		for _, fm := range s.current.Files(level) {
			snapshot.AddFile(level, fm)
		}
		if ptr := s.compactPointer[level]; ptr != nil {
			snapshot.SetCompactPointer(level, ptr)
		}
	}
	if err := lw.append(snapshot); err != nil {
		f.Close()
		return err
	}

	if err := setCurrentLocked(s.dir, number); err != nil {
		f.Close()
		return err
	}
	s.log = lw
	return nil
}

func (lw *logWriter) append(e *Edit) error {
	if err := lw.w.AddRecord(e.Encode()); err != nil {
		return err
	}
	return lw.w.Sync()
}

// setCurrentLocked writes the manifest file name to a temp file and
// renames it over CURRENT, so a crash mid-write never leaves CURRENT
// pointing at a half-written name.
func setCurrentLocked(dir string, manifestNumber uint64) error {
	tmp := filepath.Join(dir, fmt.Sprintf("CURRENT.%06d.tmp", manifestNumber))
	contents := filepath.Base(manifestFileName(dir, manifestNumber)) + "\n"
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return errors.Wrap(errors.IOError, err, "manifest: write CURRENT temp file")
	}
	if err := os.Rename(tmp, currentFileName(dir)); err != nil {
		return errors.Wrap(errors.IOError, err, "manifest: rename CURRENT into place")
	}
	return nil
}

// Recover reopens the manifest named by the CURRENT file and replays its
// edits into a fresh Version. It tolerates a torn final record in the
// manifest log, which simply
// stops replay at the last complete edit.
func Recover(dir string) (*Set, error) {
	currentBytes, err := os.ReadFile(currentFileName(dir))
	if os.IsNotExist(err) {
		return NewSet(dir), nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "manifest: read CURRENT")
	}
	name := trimNewline(currentBytes)
	path := filepath.Join(dir, name)

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "manifest: open manifest log")
	}
	defer f.Close()

	s := NewSet(dir)
	s.tailedName = name
	if fi, err := f.Stat(); err == nil {
		s.tailedSize = fi.Size()
	}
	r := wal.NewReader(f)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		e, err := Decode(rec)
		if err != nil {
			// A corrupt (not merely torn) edit record is not recoverable
			// silently; surface it rather than resurrecting a partial
			// version.
			return nil, err
		}
		s.current = s.current.apply(e)
		if e.NextFileNumber > s.nextFileNumber {
			s.nextFileNumber = e.NextFileNumber
		}
		if e.LastSequence > s.lastSequence {
			s.lastSequence = e.LastSequence
		}
		for level, ptr := range e.CompactPointer {
			s.compactPointer[level] = ptr
		}
	}
	return s, nil
}

// TailManifest re-reads CURRENT and, if the primary has appended edits
// or rotated the manifest since the last replay, rebuilds this Set's
// view from the live log. Replay always restarts
// from the head of the log: an edit stream rebuilds the version from
// scratch, which makes growth and rotation the same case and avoids
// resuming a block-framed reader mid-file. Versions pinned by readers
// keep their own refs; only the Set's current pointer is swapped.
// Returns true when the view changed.
func (s *Set) TailManifest() (bool, error) {
	currentBytes, err := os.ReadFile(currentFileName(s.dir))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.IOError, err, "manifest: read CURRENT")
	}
	name := trimNewline(currentBytes)
	fi, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return false, errors.Wrap(errors.IOError, err, "manifest: stat manifest log")
	}

	s.mu.Lock()
	unchanged := name == s.tailedName && fi.Size() == s.tailedSize
	s.mu.Unlock()
	if unchanged {
		return false, nil
	}

	fresh, err := Recover(s.dir)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.current = fresh.current
	if fresh.nextFileNumber > s.nextFileNumber {
		s.nextFileNumber = fresh.nextFileNumber
	}
	if fresh.lastSequence > s.lastSequence {
		s.lastSequence = fresh.lastSequence
	}
	s.compactPointer = fresh.compactPointer
	s.tailedName, s.tailedSize = fresh.tailedName, fresh.tailedSize
	s.mu.Unlock()
	return true, nil
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}
