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

// Package wal is the MKE's write-ahead log: a block-structured file with
// 32-bit CRCs over each physical record. It is the
// durability boundary: Put is durable once Writer.Sync returns.
// The block/record framing is LevelDB's log format: records are split
// across fixed-size
// (32 KiB) blocks when necessary, each physical record carries a 4-byte
// CRC32C, a 2-byte length and a 1-byte type tag
// (full/first/middle/last), so a logical record larger than one block
// can be reassembled by the reader.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cubefs/dirmeta/errors"
)

const (
	BlockSize  = 32 * 1024
	headerSize = 4 + 2 + 1 // crc + length + type

	recTypeFull   = 1
	recTypeFirst  = 2
	recTypeMiddle = 3
	recTypeLast   = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Writer appends logical records to a WAL file, splitting them across
// blocks as needed.
type Writer struct {
	dest        io.Writer
	syncer      interface{ Sync() error }
	blockOffset int
}

// NewWriter wraps dest, which must be positioned at the current end of
// the log (an empty file for a fresh log). If dest also implements
// Sync() error, Writer.Sync calls through to it.
func NewWriter(dest io.Writer) *Writer {
	w := &Writer{dest: dest}
	if s, ok := dest.(interface{ Sync() error }); ok {
		w.syncer = s
	}
	return w
}

// AddRecord appends one logical record, fragmenting it across blocks.
func (w *Writer) AddRecord(data []byte) error {
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < headerSize {
			if leftover > 0 {
				if _, err := w.dest.Write(make([]byte, leftover)); err != nil {
					return errors.Wrap(errors.IOError, err, "wal: pad block")
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - headerSize
		fragment := len(data)
		end := true
		if fragment > avail {
			fragment = avail
			end = false
		}

		var recType byte
		switch {
		case begin && end:
			recType = recTypeFull
		case begin:
			recType = recTypeFirst
		case end:
			recType = recTypeLast
		default:
			recType = recTypeMiddle
		}

		if err := w.writePhysicalRecord(recType, data[:fragment]); err != nil {
			return err
		}
		data = data[fragment:]
		begin = false
		if end {
			break
		}
	}
	return nil
}

func (w *Writer) writePhysicalRecord(recType byte, payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(payload)))
	hdr[6] = recType

	crc := crc32.Checksum(payload, crcTable)
	crc = crc32.Update(crc, crcTable, []byte{recType})
	binary.LittleEndian.PutUint32(hdr[0:4], crc)

	if _, err := w.dest.Write(hdr[:]); err != nil {
		return errors.Wrap(errors.IOError, err, "wal: write record header")
	}
	if _, err := w.dest.Write(payload); err != nil {
		return errors.Wrap(errors.IOError, err, "wal: write record payload")
	}
	w.blockOffset += headerSize + len(payload)
	return nil
}

// Sync flushes the underlying file to stable storage. A failure here is
// fatal to the in-flight write batch.
func (w *Writer) Sync() error {
	if w.syncer == nil {
		return nil
	}
	if err := w.syncer.Sync(); err != nil {
		return errors.Wrap(errors.IOError, err, "wal: sync")
	}
	return nil
}
