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
	"bytes"
	"sync"

	"github.com/cubefs/dirmeta/errors"
)

// DevNull is an in-memory Backend that never touches disk: writes are
// buffered in memory and published to the name on Sync or Close (Sync is
// instant), reads return whatever was last synced to the same name
// within this process. It exists so the
// MKE's write/flush/compaction path can be throughput-benchmarked
// without I/O being the bottleneck under measurement.
type DevNull struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewDevNull builds an empty in-memory backend.
func NewDevNull() *DevNull {
	return &DevNull{files: make(map[string][]byte)}
}

type devNullReader struct{ r *bytes.Reader }

func (r *devNullReader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *devNullReader) Close() error               { return nil }

type devNullReaderAt struct{ data []byte }

func (r *devNullReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(r.data).ReadAt(p, off)
}
func (r *devNullReaderAt) Close() error { return nil }

type devNullWriter struct {
	be   *DevNull
	name string
	buf  bytes.Buffer
}

func (w *devNullWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *devNullWriter) Sync() error {
	w.be.mu.Lock()
	w.be.files[w.name] = append([]byte(nil), w.buf.Bytes()...)
	w.be.mu.Unlock()
	return nil
}

func (w *devNullWriter) Close() error { return w.Sync() }

func (d *DevNull) ReadSequential(name string) (Reader, error) {
	d.mu.Lock()
	data, ok := d.files[name]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.NotFound, "storage: devnull: %s", name)
	}
	return &devNullReader{r: bytes.NewReader(data)}, nil
}

func (d *DevNull) ReadAt(name string) (ReaderAt, error) {
	d.mu.Lock()
	data, ok := d.files[name]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.NotFound, "storage: devnull: %s", name)
	}
	return &devNullReaderAt{data: data}, nil
}

func (d *DevNull) Append(name string) (Writer, error) {
	w := &devNullWriter{be: d, name: name}
	d.mu.Lock()
	w.buf.Write(d.files[name]) // appends after what name already holds
	d.mu.Unlock()
	return w, nil
}

func (d *DevNull) List(string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	return names, nil
}

func (d *DevNull) Rename(oldName, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[oldName]
	if !ok {
		return errors.New(errors.NotFound, "storage: devnull: %s", oldName)
	}
	d.files[newName] = data
	delete(d.files, oldName)
	return nil
}

func (d *DevNull) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, name)
	return nil
}

type devNullLock struct{}

func (devNullLock) Unlock() error { return nil }

func (d *DevNull) Lock(string) (Lock, error) { return devNullLock{}, nil }
