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

// Package transport defines the single opaque RPC call boundary dirmeta
// servers speak: {op, err, payload_bytes}, moved by one of two
// interchangeable backends, transport/udp (default) and transport/grpcrpc
// (optional). Neither backend is aware of what op or payload mean --
// encoding the payload is entirely the caller's concern (dc.Shipper and
// client.Client are the only packages that interpret it).
package transport

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/proto"
)

// Handler answers one RPC call. Implemented by the server package and
// (for tests) by dc/client callers directly.
type Handler func(ctx context.Context, req *proto.Request) (*proto.Response, error)

// Caller issues an RPC call to a remote address, encoding/decoding being
// the backend's job. addr is backend-specific (host:port for both udp
// and grpcrpc).
type Caller interface {
	Call(ctx context.Context, addr string, req *proto.Request) (*proto.Response, error)
	Close() error
}

// EncodeRequest serializes a Request envelope: 4-byte op, a flags byte
// (bit 0: forwarded), a length-prefixed ReqID, then the raw payload.
// Used by both backends so the wire format of the envelope itself only
// needs writing once.
func EncodeRequest(req *proto.Request) []byte {
	buf := make([]byte, 4+1+2+len(req.ReqID)+len(req.Payload))
	binary.BigEndian.PutUint32(buf[0:4], req.Op)
	if req.Forwarded {
		buf[4] = 1
	}
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(req.ReqID)))
	n := copy(buf[7:], req.ReqID)
	copy(buf[7+n:], req.Payload)
	return buf
}

// DecodeRequest is the inverse of EncodeRequest.
func DecodeRequest(b []byte) (*proto.Request, error) {
	if len(b) < 7 {
		return nil, errors.New(errors.Corruption, "transport: short request: %d bytes", len(b))
	}
	op := binary.BigEndian.Uint32(b[0:4])
	forwarded := b[4]&1 != 0
	idLen := int(binary.BigEndian.Uint16(b[5:7]))
	if len(b) < 7+idLen {
		return nil, errors.New(errors.Corruption, "transport: truncated request id")
	}
	reqID := string(b[7 : 7+idLen])
	payload := append([]byte(nil), b[7+idLen:]...)
	return &proto.Request{Op: op, ReqID: reqID, Payload: payload, Forwarded: forwarded}, nil
}

// EncodeResponse serializes a Response envelope: 4-byte op, a
// length-prefixed Err string, then the raw payload.
func EncodeResponse(resp *proto.Response) []byte {
	buf := make([]byte, 4+2+len(resp.Err)+len(resp.Payload))
	binary.BigEndian.PutUint32(buf[0:4], resp.Op)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(resp.Err)))
	n := copy(buf[6:], resp.Err)
	copy(buf[6+n:], resp.Payload)
	return buf
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(b []byte) (*proto.Response, error) {
	if len(b) < 6 {
		return nil, errors.New(errors.Corruption, "transport: short response: %d bytes", len(b))
	}
	op := binary.BigEndian.Uint32(b[0:4])
	errLen := int(binary.BigEndian.Uint16(b[4:6]))
	if len(b) < 6+errLen {
		return nil, errors.New(errors.Corruption, "transport: truncated response error")
	}
	errStr := string(b[6 : 6+errLen])
	payload := append([]byte(nil), b[6+errLen:]...)
	return &proto.Response{Op: op, Err: errStr, Payload: payload}, nil
}
