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

package udp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/proto"
)

func echoHandler(_ context.Context, req *proto.Request) (*proto.Response, error) {
	return &proto.Response{Op: req.Op, Payload: req.Payload}, nil
}

func startTestServer(t *testing.T, handler func(context.Context, *proto.Request) (*proto.Response, error), opts Options) (*Server, string) {
	t.Helper()
	s, err := Listen("127.0.0.1:0", handler, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, s.LocalAddr().String()
}

func TestCallRoundTripInline(t *testing.T) {
	_, addr := startTestServer(t, echoHandler, Options{})
	c := NewClient(Options{})

	resp, err := c.Call(context.Background(), addr, &proto.Request{Op: proto.OpLookup, ReqID: "t1", Payload: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, proto.OpLookup, resp.Op)
	require.Empty(t, resp.Err)
	require.Equal(t, []byte("hello"), resp.Payload)
}

func TestCallRoundTripFragmented(t *testing.T) {
	_, addr := startTestServer(t, echoHandler, Options{})
	c := NewClient(Options{})

	// Well past MaxInlineMsgSize so both directions fragment.
	payload := bytes.Repeat([]byte{0xA5}, 16*proto.DefaultUDPMaxMsgSize)
	resp, err := c.Call(context.Background(), addr, &proto.Request{Op: proto.OpIngestSplit, ReqID: "t2", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, payload, resp.Payload)
}

func TestHandlerErrorTravelsAsResponseErr(t *testing.T) {
	failing := func(_ context.Context, req *proto.Request) (*proto.Response, error) {
		return nil, errors.New(errors.NotFound, "no such row")
	}
	_, addr := startTestServer(t, failing, Options{})
	c := NewClient(Options{})

	resp, err := c.Call(context.Background(), addr, &proto.Request{Op: proto.OpLookup, ReqID: "t3"})
	require.NoError(t, err)
	require.Contains(t, resp.Err, "no such row")
}

func TestCallTimesOutAsDisconnected(t *testing.T) {
	// An address nobody serves: the send succeeds, the receive fails (a
	// refused port or the deadline), and the failure surfaces as Disconnected.
	c := NewClient(Options{Timeout: 100 * time.Millisecond})

	_, err := c.Call(context.Background(), "127.0.0.1:1", &proto.Request{Op: proto.OpLookup, ReqID: "t4"})
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.Disconnected))
}

func TestContextDeadlineOverridesDefault(t *testing.T) {
	c := NewClient(Options{Timeout: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Call(ctx, "127.0.0.1:1", &proto.Request{Op: proto.OpLookup, ReqID: "t5"})
	require.Error(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestFragmentReassemblesInOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 500)
	frags := fragment(42, payload, false, 256)
	require.Greater(t, len(frags), 1)

	r := &reassembly{}
	for i := len(frags) - 1; i >= 0; i-- { // deliver out of order
		hdr, err := parseHeader(frags[i])
		require.NoError(t, err)
		require.Equal(t, uint64(42), hdr.callID)
		if r.parts == nil {
			r.parts = make([][]byte, hdr.fragCount)
			r.total = int(hdr.totalLen)
		}
		if r.parts[hdr.fragIndex] == nil {
			r.parts[hdr.fragIndex] = frags[i][headerSize:]
			r.got++
		}
	}
	require.True(t, r.complete())
	require.Equal(t, payload, r.payload())
}
