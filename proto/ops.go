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

package proto

import (
	"encoding/binary"

	"github.com/cubefs/dirmeta/errors"
)

// Op identifies what a Request.Payload contains; the transport never
// looks at it beyond routing to a Handler.
const (
	OpLookup uint32 = iota + 1
	OpCreate
	OpMkdir
	OpUnlink
	OpGetIndex
	OpIngestSplit
)

// --- wire helpers shared by every op payload ---

func putString(buf *[]byte, s string) {
	var lenb [2]byte
	binary.BigEndian.PutUint16(lenb[:], uint16(len(s)))
	*buf = append(*buf, lenb[:]...)
	*buf = append(*buf, s...)
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New(errors.Corruption, "proto: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, errors.New(errors.Corruption, "proto: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

func putBytes(buf *[]byte, p []byte) {
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(p)))
	*buf = append(*buf, lenb[:]...)
	*buf = append(*buf, p...)
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New(errors.Corruption, "proto: truncated bytes length")
	}
	n := int(binary.BigEndian.Uint32(b))
	b = b[4:]
	if len(b) < n {
		return nil, nil, errors.New(errors.Corruption, "proto: truncated bytes body")
	}
	return b[:n], b[n:], nil
}

func putDirID(buf *[]byte, d DirID) {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], d.RegistryID)
	binary.BigEndian.PutUint64(b[8:16], d.DirectoryNo)
	*buf = append(*buf, b[:]...)
}

func takeDirID(b []byte) (DirID, []byte, error) {
	if len(b) < 16 {
		return DirID{}, nil, errors.New(errors.Corruption, "proto: truncated dir id")
	}
	d := DirID{
		RegistryID:  binary.BigEndian.Uint64(b[0:8]),
		DirectoryNo: binary.BigEndian.Uint64(b[8:16]),
	}
	return d, b[16:], nil
}

func putUint32(buf *[]byte, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	*buf = append(*buf, b[:]...)
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New(errors.Corruption, "proto: truncated uint32")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func putUint64(buf *[]byte, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	*buf = append(*buf, b[:]...)
}

func takeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.New(errors.Corruption, "proto: truncated uint64")
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// --- Lookup ---

// LookupRequest asks for the child named Name under Dir.
type LookupRequest struct {
	Dir  DirID
	Name string
}

func (r LookupRequest) Encode() []byte {
	var buf []byte
	putDirID(&buf, r.Dir)
	putString(&buf, r.Name)
	return buf
}

func DecodeLookupRequest(b []byte) (LookupRequest, error) {
	dir, b, err := takeDirID(b)
	if err != nil {
		return LookupRequest{}, err
	}
	name, _, err := takeString(b)
	if err != nil {
		return LookupRequest{}, err
	}
	return LookupRequest{Dir: dir, Name: name}, nil
}

// LookupResponse carries back the child's attributes, if found, the
// absolute deadline the server's lease grant is good until, and the
// directory's current DPI so the client can refresh its routing cache
// opportunistically.
type LookupResponse struct {
	Found bool
	Value InodeValue
	// LeaseDue is the server-granted lease expiry in absolute
	// microseconds; at or before the caller's clock reading it means
	// no lease was granted and the answer must not be cached.
	LeaseDue int64
	Index    []byte // dpi.Index.Encode(), always attached
}

func (r LookupResponse) Encode() []byte {
	var buf []byte
	if r.Found {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	putBytes(&buf, r.Value.Encode())
	putUint64(&buf, uint64(r.LeaseDue))
	putBytes(&buf, r.Index)
	return buf
}

func DecodeLookupResponse(b []byte) (LookupResponse, error) {
	if len(b) < 1 {
		return LookupResponse{}, errors.New(errors.Corruption, "proto: truncated lookup response")
	}
	found := b[0] == 1
	b = b[1:]
	valueBytes, b, err := takeBytes(b)
	if err != nil {
		return LookupResponse{}, err
	}
	value, _ := DecodeInodeValue(valueBytes)
	leaseDue, b, err := takeUint64(b)
	if err != nil {
		return LookupResponse{}, err
	}
	index, _, err := takeBytes(b)
	if err != nil {
		return LookupResponse{}, err
	}
	return LookupResponse{Found: found, Value: value, LeaseDue: int64(leaseDue), Index: index}, nil
}

// --- Create / Mkdir (identical wire shape: create a child row, return
// the assigned inode number) ---

type CreateRequest struct {
	Dir                 DirID
	Name                string
	Mode                uint32
	UID                 uint32
	GID                 uint32
	InodeNo             uint64
	ZerothServerOfChild ServerID // only meaningful for Mkdir
}

func (r CreateRequest) Encode() []byte {
	var buf []byte
	putDirID(&buf, r.Dir)
	putString(&buf, r.Name)
	putUint32(&buf, r.Mode)
	putUint32(&buf, r.UID)
	putUint32(&buf, r.GID)
	putUint64(&buf, r.InodeNo)
	putUint32(&buf, r.ZerothServerOfChild)
	return buf
}

func DecodeCreateRequest(b []byte) (CreateRequest, error) {
	dir, b, err := takeDirID(b)
	if err != nil {
		return CreateRequest{}, err
	}
	name, b, err := takeString(b)
	if err != nil {
		return CreateRequest{}, err
	}
	mode, b, err := takeUint32(b)
	if err != nil {
		return CreateRequest{}, err
	}
	uid, b, err := takeUint32(b)
	if err != nil {
		return CreateRequest{}, err
	}
	gid, b, err := takeUint32(b)
	if err != nil {
		return CreateRequest{}, err
	}
	inodeNo, b, err := takeUint64(b)
	if err != nil {
		return CreateRequest{}, err
	}
	zeroth, _, err := takeUint32(b)
	if err != nil {
		return CreateRequest{}, err
	}
	return CreateRequest{Dir: dir, Name: name, Mode: mode, UID: uid, GID: gid, InodeNo: inodeNo, ZerothServerOfChild: zeroth}, nil
}

// CreateResponse echoes the committed row and the owning directory's DPI.
type CreateResponse struct {
	Value InodeValue
	Index []byte
}

func (r CreateResponse) Encode() []byte {
	var buf []byte
	putBytes(&buf, r.Value.Encode())
	putBytes(&buf, r.Index)
	return buf
}

func DecodeCreateResponse(b []byte) (CreateResponse, error) {
	valueBytes, b, err := takeBytes(b)
	if err != nil {
		return CreateResponse{}, err
	}
	value, _ := DecodeInodeValue(valueBytes)
	index, _, err := takeBytes(b)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{Value: value, Index: index}, nil
}

// --- Unlink ---

type UnlinkRequest struct {
	Dir  DirID
	Name string
}

func (r UnlinkRequest) Encode() []byte {
	var buf []byte
	putDirID(&buf, r.Dir)
	putString(&buf, r.Name)
	return buf
}

func DecodeUnlinkRequest(b []byte) (UnlinkRequest, error) {
	dir, b, err := takeDirID(b)
	if err != nil {
		return UnlinkRequest{}, err
	}
	name, _, err := takeString(b)
	if err != nil {
		return UnlinkRequest{}, err
	}
	return UnlinkRequest{Dir: dir, Name: name}, nil
}

// UnlinkResponse carries back the owning directory's DPI only.
type UnlinkResponse struct {
	Index []byte
}

func (r UnlinkResponse) Encode() []byte {
	var buf []byte
	putBytes(&buf, r.Index)
	return buf
}

func DecodeUnlinkResponse(b []byte) (UnlinkResponse, error) {
	index, _, err := takeBytes(b)
	if err != nil {
		return UnlinkResponse{}, err
	}
	return UnlinkResponse{Index: index}, nil
}

// --- GetIndex ---

type GetIndexRequest struct {
	Dir DirID
}

func (r GetIndexRequest) Encode() []byte {
	var buf []byte
	putDirID(&buf, r.Dir)
	return buf
}

func DecodeGetIndexRequest(b []byte) (GetIndexRequest, error) {
	dir, _, err := takeDirID(b)
	if err != nil {
		return GetIndexRequest{}, err
	}
	return GetIndexRequest{Dir: dir}, nil
}

type GetIndexResponse struct {
	Index []byte
}

func (r GetIndexResponse) Encode() []byte {
	var buf []byte
	putBytes(&buf, r.Index)
	return buf
}

func DecodeGetIndexResponse(b []byte) (GetIndexResponse, error) {
	index, _, err := takeBytes(b)
	if err != nil {
		return GetIndexResponse{}, err
	}
	return GetIndexResponse{Index: index}, nil
}

// --- IngestSplit (server-to-server: dc.Shipper's wire form) ---

type IngestSplitRequest struct {
	Dir         DirID
	Child       uint32
	Table       []byte
	SmallestKey []byte
	LargestKey  []byte
}

func (r IngestSplitRequest) Encode() []byte {
	var buf []byte
	putDirID(&buf, r.Dir)
	putUint32(&buf, r.Child)
	putBytes(&buf, r.Table)
	putBytes(&buf, r.SmallestKey)
	putBytes(&buf, r.LargestKey)
	return buf
}

func DecodeIngestSplitRequest(b []byte) (IngestSplitRequest, error) {
	dir, b, err := takeDirID(b)
	if err != nil {
		return IngestSplitRequest{}, err
	}
	child, b, err := takeUint32(b)
	if err != nil {
		return IngestSplitRequest{}, err
	}
	table, b, err := takeBytes(b)
	if err != nil {
		return IngestSplitRequest{}, err
	}
	smallest, b, err := takeBytes(b)
	if err != nil {
		return IngestSplitRequest{}, err
	}
	largest, _, err := takeBytes(b)
	if err != nil {
		return IngestSplitRequest{}, err
	}
	return IngestSplitRequest{Dir: dir, Child: child, Table: table, SmallestKey: smallest, LargestKey: largest}, nil
}

type IngestSplitResponse struct{}

func (IngestSplitResponse) Encode() []byte { return nil }

func DecodeIngestSplitResponse([]byte) (IngestSplitResponse, error) {
	return IngestSplitResponse{}, nil
}
