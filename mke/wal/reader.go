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

package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cubefs/dirmeta/errors"
)

// Reader replays a WAL file for recovery. It is tolerant of a torn
// final record: recovery rebuilds state including every row whose
// WAL-sync completed and none with a higher sequence.
type Reader struct {
	src         io.Reader
	block       [BlockSize]byte
	blockLen    int
	blockOffset int
	eof         bool
	scratch     []byte
}

func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next logical record, or io.EOF when the log is
// exhausted (cleanly or because the tail was torn).
func (r *Reader) Next() ([]byte, error) {
	r.scratch = r.scratch[:0]
	inFragment := false
	for {
		recType, payload, err := r.nextPhysicalRecord()
		if err != nil {
			if inFragment && err == io.EOF {
				// Torn write: drop the partial logical record silently.
				return nil, io.EOF
			}
			return nil, err
		}
		switch recType {
		case recTypeFull:
			return payload, nil
		case recTypeFirst:
			r.scratch = append(r.scratch[:0], payload...)
			inFragment = true
		case recTypeMiddle:
			if !inFragment {
				continue // orphaned fragment after a torn write; skip
			}
			r.scratch = append(r.scratch, payload...)
		case recTypeLast:
			if !inFragment {
				continue
			}
			r.scratch = append(r.scratch, payload...)
			return r.scratch, nil
		default:
			return nil, io.EOF
		}
	}
}

func (r *Reader) nextPhysicalRecord() (byte, []byte, error) {
	for {
		if r.blockOffset+headerSize > r.blockLen {
			if r.eof {
				return 0, nil, io.EOF
			}
			n, err := io.ReadFull(r.src, r.block[:])
			if n == 0 {
				return 0, nil, io.EOF
			}
			if err != nil {
				// Short final block: usable prefix only (torn write).
				r.eof = true
			}
			r.blockLen = n
			r.blockOffset = 0
			if r.blockOffset+headerSize > r.blockLen {
				return 0, nil, io.EOF
			}
		}

		hdr := r.block[r.blockOffset : r.blockOffset+headerSize]
		crc := binary.LittleEndian.Uint32(hdr[0:4])
		length := binary.LittleEndian.Uint16(hdr[4:6])
		recType := hdr[6]

		start := r.blockOffset + headerSize
		end := start + int(length)
		if end > r.blockLen {
			// Torn write mid-record: stop here, everything before is valid.
			return 0, nil, io.EOF
		}
		payload := r.block[start:end]

		got := crc32.Checksum(payload, crcTable)
		got = crc32.Update(got, crcTable, []byte{recType})
		if got != crc {
			// The full record is present but its checksum is wrong: this
			// is corruption, not a torn tail, and must not be
			// conflated with a clean end of log.
			return 0, nil, errors.New(errors.Corruption, "wal: checksum mismatch at offset %d", r.blockOffset)
		}

		r.blockOffset = end
		return recType, payload, nil
	}
}
