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

package storage

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/cubefs/dirmeta/errors"
)

// Local is a Backend over a POSIX directory tree, the default backend
// for every mke.Engine data directory.
type Local struct {
	root string
}

// NewLocal roots a Local backend at dir, creating it if absent.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.IOError, err, "storage: mkdir %s", dir)
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(name string) string { return filepath.Join(l.root, name) }

func (l *Local) ReadSequential(name string) (Reader, error) {
	f, err := os.Open(l.path(name))
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "storage: open %s", name)
	}
	return f, nil
}

func (l *Local) ReadAt(name string) (ReaderAt, error) {
	f, err := os.Open(l.path(name))
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "storage: open %s", name)
	}
	return f, nil
}

func (l *Local) Append(name string) (Writer, error) {
	f, err := os.OpenFile(l.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "storage: append-open %s", name)
	}
	return f, nil
}

func (l *Local) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(l.path(dir))
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "storage: readdir %s", dir)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

func (l *Local) Rename(oldName, newName string) error {
	if err := os.Rename(l.path(oldName), l.path(newName)); err != nil {
		return errors.Wrap(errors.IOError, err, "storage: rename %s -> %s", oldName, newName)
	}
	return nil
}

func (l *Local) Remove(name string) error {
	if err := os.Remove(l.path(name)); err != nil {
		return errors.Wrap(errors.IOError, err, "storage: remove %s", name)
	}
	return nil
}

// localLock holds the fcntl-style advisory lock on the LOCK file that
// enforces single-writer-per-directory.
type localLock struct {
	f *os.File
}

func (l *Local) Lock(name string) (Lock, error) {
	f, err := os.OpenFile(l.path(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "storage: open lock file %s", name)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(errors.IOError, err, "storage: %s already locked by another process", name)
	}
	return &localLock{f: f}, nil
}

func (l *localLock) Unlock() error {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
