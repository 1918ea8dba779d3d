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

// Package udp is dirmeta's default transport backend: a net.PacketConn
// datagram transport with inline delivery for payloads at or under
// MaxInlineMsgSize and a detachable multi-datagram reassembly buffer
// above it: a synchronous send followed by a deadline-bounded receive
// loop on the client, and handler dispatch off the receive loop onto a
// github.com/cubefs/cubefs/blobstore/util/taskpool worker pool on the
// server.
package udp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/transport"
)

// datagram header: callID(8) | fragIndex(4) | fragCount(4) | totalLen(4) | isResponse(1)
const headerSize = 21

// Options configures the udp backend.
type Options struct {
	// MaxInlineMsgSize is the largest encoded envelope that still fits a
	// single datagram. Default proto.DefaultUDPMaxMsgSize.
	MaxInlineMsgSize int
	// MaxTotalMsgSize bounds a reassembled multi-fragment message.
	// Default 1 MiB.
	MaxTotalMsgSize int
	// Timeout is the client-side RPC deadline when the caller's context
	// carries none. Default proto.DefaultRPCTimeout seconds.
	Timeout time.Duration
	// Workers sizes the server's handler dispatch pool.
	Workers int
}

func (o *Options) setDefaults() {
	if o.MaxInlineMsgSize <= 0 {
		o.MaxInlineMsgSize = proto.DefaultUDPMaxMsgSize
	}
	if o.MaxTotalMsgSize <= 0 {
		o.MaxTotalMsgSize = 1 << 20
	}
	if o.Timeout <= 0 {
		o.Timeout = proto.DefaultRPCTimeout * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
}

func putHeader(buf []byte, callID uint64, fragIndex, fragCount, totalLen uint32, isResponse bool) {
	binary.BigEndian.PutUint64(buf[0:8], callID)
	binary.BigEndian.PutUint32(buf[8:12], fragIndex)
	binary.BigEndian.PutUint32(buf[12:16], fragCount)
	binary.BigEndian.PutUint32(buf[16:20], totalLen)
	if isResponse {
		buf[20] = 1
	} else {
		buf[20] = 0
	}
}

type header struct {
	callID     uint64
	fragIndex  uint32
	fragCount  uint32
	totalLen   uint32
	isResponse bool
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, errors.New(errors.Corruption, "udp: short datagram: %d bytes", len(buf))
	}
	return header{
		callID:     binary.BigEndian.Uint64(buf[0:8]),
		fragIndex:  binary.BigEndian.Uint32(buf[8:12]),
		fragCount:  binary.BigEndian.Uint32(buf[12:16]),
		totalLen:   binary.BigEndian.Uint32(buf[16:20]),
		isResponse: buf[20] != 0,
	}, nil
}

// fragment splits payload into datagram-sized chunks, each carrying the
// same callID so the receiver can reassemble in order.
func fragment(callID uint64, payload []byte, isResponse bool, maxInline int) [][]byte {
	chunkSize := maxInline - headerSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	total := len(payload)
	fragCount := (total + chunkSize - 1) / chunkSize
	if fragCount == 0 {
		fragCount = 1
	}
	out := make([][]byte, 0, fragCount)
	for i := 0; i < fragCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		buf := make([]byte, headerSize+(end-start))
		putHeader(buf, callID, uint32(i), uint32(fragCount), uint32(total), isResponse)
		copy(buf[headerSize:], payload[start:end])
		out = append(out, buf)
	}
	return out
}

// reassembly accumulates fragments for one in-flight callID.
type reassembly struct {
	parts    [][]byte
	got      int
	total    int
	from     net.Addr
	deadline time.Time
}

func (r *reassembly) complete() bool { return r.total >= 0 && r.got == len(r.parts) }

func (r *reassembly) payload() []byte {
	out := make([]byte, 0, r.total)
	for _, p := range r.parts {
		out = append(out, p...)
	}
	return out
}

// Server answers RPC calls received over one UDP socket, dispatching
// each complete request to handler on the worker pool.
type Server struct {
	conn    net.PacketConn
	handler transport.Handler
	opts    Options
	pool    taskpool.TaskPool

	mu      sync.Mutex
	inbound map[string]*reassembly // keyed by remoteAddr|callID

	closeOnce sync.Once
	done      chan struct{}
}

// Listen opens a UDP socket bound to addr and starts the receive loop in
// the background.
func Listen(addr string, handler transport.Handler, opts Options) (*Server, error) {
	opts.setDefaults()
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.IOError, err, "udp: listen %s", addr)
	}
	s := &Server{
		conn:    conn,
		handler: handler,
		opts:    opts,
		pool:    taskpool.New(opts.Workers, opts.Workers),
		inbound: make(map[string]*reassembly),
		done:    make(chan struct{}),
	}
	go s.serve()
	go s.reapStale()
	return s, nil
}

func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *Server) serve() {
	buf := make([]byte, s.opts.MaxInlineMsgSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Warnf("udp: read failed: %s", err)
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		s.pool.Run(func() { s.handleDatagram(datagram, from) })
	}
}

func (s *Server) handleDatagram(datagram []byte, from net.Addr) {
	hdr, err := parseHeader(datagram)
	if err != nil {
		log.Warnf("udp: %s", err)
		return
	}
	key := from.String() + ":" + itoa(hdr.callID)
	payload, ready := s.collect(key, hdr, datagram[headerSize:], from)
	if !ready {
		return
	}

	req, err := transport.DecodeRequest(payload)
	if err != nil {
		log.Warnf("udp: decode request from %s: %s", from, err)
		return
	}
	resp, err := s.handler(context.Background(), req)
	if err != nil {
		resp = &proto.Response{Op: req.Op, Err: err.Error()}
	}
	out := transport.EncodeResponse(resp)
	for _, frag := range fragment(hdr.callID, out, true, s.opts.MaxInlineMsgSize) {
		if _, err := s.conn.WriteTo(frag, from); err != nil {
			log.Warnf("udp: reply to %s failed: %s", from, err)
			return
		}
	}
}

func (s *Server) collect(key string, hdr header, part []byte, from net.Addr) ([]byte, bool) {
	if hdr.fragCount == 1 {
		return append([]byte(nil), part...), true
	}
	if int(hdr.totalLen) > s.opts.MaxTotalMsgSize {
		log.Warnf("udp: dropping %d-byte message from %s: over max total size %d", hdr.totalLen, from, s.opts.MaxTotalMsgSize)
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.inbound[key]
	if !ok {
		r = &reassembly{
			parts:    make([][]byte, hdr.fragCount),
			total:    int(hdr.totalLen),
			from:     from,
			deadline: time.Now().Add(s.opts.Timeout),
		}
		s.inbound[key] = r
	}
	if int(hdr.fragIndex) >= len(r.parts) {
		return nil, false
	}
	if r.parts[hdr.fragIndex] == nil {
		r.parts[hdr.fragIndex] = append([]byte(nil), part...)
		r.got++
	}
	if !r.complete() {
		return nil, false
	}
	delete(s.inbound, key)
	return r.payload(), true
}

// reapStale drops reassembly state for callers that never completed a
// fragmented send, bounding memory under packet loss.
func (s *Server) reapStale() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, r := range s.inbound {
				if now.After(r.deadline) {
					delete(s.inbound, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

// Client issues RPC calls over UDP: one connected socket per Call, a
// synchronous send followed by a deadline-bounded receive loop.
type Client struct {
	opts Options
}

// NewClient builds a Client; opts.Timeout is the default deadline when
// ctx carries none.
func NewClient(opts Options) *Client {
	opts.setDefaults()
	return &Client{opts: opts}
}

func (c *Client) Call(ctx context.Context, addr string, req *proto.Request) (*proto.Response, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.Disconnected, err, "udp: dial %s", addr)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.opts.Timeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	callID := callIDFromReqID(req.ReqID)
	payload := transport.EncodeRequest(req)
	for _, frag := range fragment(callID, payload, false, c.opts.MaxInlineMsgSize) {
		if _, err := conn.Write(frag); err != nil {
			return nil, errors.Wrap(errors.Disconnected, err, "udp: send")
		}
	}

	var r *reassembly
	buf := make([]byte, c.opts.MaxInlineMsgSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, errors.Wrap(errors.Disconnected, err, "udp: recv timeout")
		}
		hdr, err := parseHeader(buf[:n])
		if err != nil {
			return nil, err
		}
		if hdr.fragCount == 1 {
			resp, err := transport.DecodeResponse(buf[headerSize:n])
			if err != nil {
				return nil, err
			}
			return responseOrErr(resp)
		}
		if r == nil {
			if int(hdr.totalLen) > c.opts.MaxTotalMsgSize {
				return nil, errors.New(errors.BufferFull, "udp: %d-byte response exceeds max total size %d", hdr.totalLen, c.opts.MaxTotalMsgSize)
			}
			r = &reassembly{parts: make([][]byte, hdr.fragCount), total: int(hdr.totalLen)}
		}
		if int(hdr.fragIndex) < len(r.parts) && r.parts[hdr.fragIndex] == nil {
			r.parts[hdr.fragIndex] = append([]byte(nil), buf[headerSize:n]...)
			r.got++
		}
		if r.complete() {
			resp, err := transport.DecodeResponse(r.payload())
			if err != nil {
				return nil, err
			}
			return responseOrErr(resp)
		}
	}
}

func responseOrErr(resp *proto.Response) (*proto.Response, error) {
	return resp, nil
}

func (c *Client) Close() error { return nil }

// callIDFromReqID derives a correlation id from the request's ReqID
// (itself a uuid minted by the client caller), falling back to a fresh
// uuid if ReqID is empty so unrelated calls never collide in the
// server's reassembly map.
func callIDFromReqID(reqID string) uint64 {
	if reqID == "" {
		reqID = uuid.NewString()
	}
	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for i := 0; i < len(reqID); i++ {
		h ^= uint64(reqID[i])
		h *= 1099511628211
	}
	return h
}
