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

package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/dc"
	"github.com/cubefs/dirmeta/dpi"
	"github.com/cubefs/dirmeta/llt"
	"github.com/cubefs/dirmeta/proto"
)

// testLease keeps server-side writer waits short enough for tests.
var testLease = llt.Options{LeaseDuration: int64(50 * time.Millisecond / time.Microsecond)}

// loopCaller routes Call straight into an in-process Registry by
// address, standing in for the transport backends.
type loopCaller struct {
	registries map[string]*Registry
}

func (c *loopCaller) Call(ctx context.Context, addr string, req *proto.Request) (*proto.Response, error) {
	r, ok := c.registries[addr]
	if !ok {
		return nil, fmt.Errorf("loopCaller: unknown addr %s", addr)
	}
	return r.Handle(ctx, req)
}

func (c *loopCaller) Close() error { return nil }

func addrOf(id proto.ServerID) (string, error) { return fmt.Sprintf("s%d", id), nil }

func newTestRegistry(t *testing.T, serverID proto.ServerID, numServers, numVirtual uint32, split dc.Options, caller *loopCaller) *Registry {
	t.Helper()
	r := NewRegistry(Options{
		ServerID:          serverID,
		DataDir:           t.TempDir(),
		NumServers:        numServers,
		NumVirtualServers: numVirtual,
		SplitOptions:      split,
	}, caller, addrOf)
	caller.registries[fmt.Sprintf("s%d", serverID)] = r
	return r
}

// noSplit keeps every partition under threshold so single-registry
// tests never trip the split path.
var noSplit = dc.Options{EntryThreshold: 1 << 20, ByteThreshold: 1 << 40, Leases: testLease}

func TestHandleCreateLookupUnlink(t *testing.T) {
	caller := &loopCaller{registries: map[string]*Registry{}}
	r := newTestRegistry(t, 0, 1, 16, noSplit, caller)
	ctx := context.Background()
	dir := proto.DirID{RegistryID: 1, DirectoryNo: 7}

	create := proto.CreateRequest{Dir: dir, Name: "hello.txt", Mode: 0o644, UID: 10, GID: 20, InodeNo: 99}
	resp, err := r.Handle(ctx, &proto.Request{Op: proto.OpCreate, Payload: create.Encode()})
	require.NoError(t, err)
	require.Empty(t, resp.Err)
	created, err := proto.DecodeCreateResponse(resp.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(99), created.Value.InodeNo)

	resp, err = r.Handle(ctx, &proto.Request{Op: proto.OpLookup, Payload: proto.LookupRequest{Dir: dir, Name: "hello.txt"}.Encode()})
	require.NoError(t, err)
	require.Empty(t, resp.Err)
	looked, err := proto.DecodeLookupResponse(resp.Payload)
	require.NoError(t, err)
	require.True(t, looked.Found)
	require.Equal(t, uint64(99), looked.Value.InodeNo)
	require.Equal(t, uint32(10), looked.Value.UID)

	// Every reply piggybacks a decodable DPI with bit 0 set.
	idx, err := dpi.Decode(looked.Index, true)
	require.NoError(t, err)
	require.True(t, idx.Bitmap.Get(0))

	resp, err = r.Handle(ctx, &proto.Request{Op: proto.OpUnlink, Payload: proto.UnlinkRequest{Dir: dir, Name: "hello.txt"}.Encode()})
	require.NoError(t, err)
	require.Empty(t, resp.Err)

	resp, err = r.Handle(ctx, &proto.Request{Op: proto.OpLookup, Payload: proto.LookupRequest{Dir: dir, Name: "hello.txt"}.Encode()})
	require.NoError(t, err)
	looked, err = proto.DecodeLookupResponse(resp.Payload)
	require.NoError(t, err)
	require.False(t, looked.Found)
}

func TestHandleCreateDuplicateIsAlreadyExists(t *testing.T) {
	caller := &loopCaller{registries: map[string]*Registry{}}
	r := newTestRegistry(t, 0, 1, 16, noSplit, caller)
	ctx := context.Background()
	dir := proto.DirID{RegistryID: 1, DirectoryNo: 8}

	create := proto.CreateRequest{Dir: dir, Name: "dup", InodeNo: 1}
	resp, err := r.Handle(ctx, &proto.Request{Op: proto.OpCreate, Payload: create.Encode()})
	require.NoError(t, err)
	require.Empty(t, resp.Err)

	resp, err = r.Handle(ctx, &proto.Request{Op: proto.OpCreate, Payload: create.Encode()})
	require.NoError(t, err)
	require.Contains(t, resp.Err, "already exists")
}

func TestHandleUnknownOp(t *testing.T) {
	caller := &loopCaller{registries: map[string]*Registry{}}
	r := newTestRegistry(t, 0, 1, 16, noSplit, caller)

	resp, err := r.Handle(context.Background(), &proto.Request{Op: 9999})
	require.NoError(t, err)
	require.Contains(t, resp.Err, "unknown op")
}

// Two symmetric servers: creates routed to server 0 overflow partition
// 0, one split fires, and afterwards every pre-split name is found on
// the server the authoritative DPI routes it to.
func TestSplitMovesRowsToPeerServer(t *testing.T) {
	caller := &loopCaller{registries: map[string]*Registry{}}
	split := dc.Options{EntryThreshold: 8, ByteThreshold: 1 << 40, Leases: testLease}
	r0 := newTestRegistry(t, 0, 2, 2, split, caller)
	newTestRegistry(t, 1, 2, 2, split, caller)

	ctx := context.Background()
	dir := proto.DirID{RegistryID: 1, DirectoryNo: 9}

	var names []string
	var authoritative *dpi.Index
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("file-%04d", i)
		create := proto.CreateRequest{Dir: dir, Name: name, InodeNo: uint64(i + 1)}
		resp, err := r0.Handle(ctx, &proto.Request{Op: proto.OpCreate, Payload: create.Encode()})
		require.NoError(t, err)
		require.Empty(t, resp.Err)
		names = append(names, name)

		out, err := proto.DecodeCreateResponse(resp.Payload)
		require.NoError(t, err)
		idx, err := dpi.Decode(out.Index, true)
		require.NoError(t, err)
		if idx.Bitmap.Get(1) {
			authoritative = idx
			break
		}
	}
	require.NotNil(t, authoritative, "no split fired within 200 creates")

	for _, name := range names {
		sid, err := authoritative.SelectServer(name)
		require.NoError(t, err)
		addr, err := addrOf(sid)
		require.NoError(t, err)
		resp, err := caller.Call(ctx, addr, &proto.Request{Op: proto.OpLookup, Payload: proto.LookupRequest{Dir: dir, Name: name}.Encode()})
		require.NoError(t, err)
		require.Empty(t, resp.Err)
		looked, err := proto.DecodeLookupResponse(resp.Payload)
		require.NoError(t, err)
		require.True(t, looked.Found, "name %s not found on server %d after split", name, sid)
	}
}

func TestStatsReportsOpenDirectories(t *testing.T) {
	caller := &loopCaller{registries: map[string]*Registry{}}
	r := newTestRegistry(t, 3, 1, 16, noSplit, caller)

	st := r.Stats()
	require.Equal(t, proto.ServerID(3), st.ServerID)
	require.Zero(t, st.OpenDirs)

	_, err := r.Open(proto.DirID{RegistryID: 1, DirectoryNo: 11})
	require.NoError(t, err)

	st = r.Stats()
	require.Equal(t, 1, st.OpenDirs)
	require.Equal(t, "idle", st.Dirs[0].Phase)
}
