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

// Package server hosts the directories a dirmeta process is responsible
// for and answers the opaque transport.Handler calls routed to it,
// translating op codes into dc.Directory / mke.Engine calls: a registry
// keyed by directory identity, one mutex per entry, lazily opened on
// first reference.
package server

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/dirmeta/dc"
	"github.com/cubefs/dirmeta/dpi"
	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/hash128"
	"github.com/cubefs/dirmeta/mke"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/transport"
)

// Options configures the directory registry.
type Options struct {
	// ServerID is this process's identity in the DPI ring.
	ServerID proto.ServerID
	// DataDir is the base directory; one subdirectory per DirID.
	DataDir string
	// NumServers/NumVirtualServers seed a fresh directory's DPI.
	NumServers        uint32
	NumVirtualServers uint32
	SplitOptions      dc.Options
	EngineOptions     mke.Options // Dir/Backend left zero, filled in per-directory
}

// Registry owns every directory this process currently serves and
// implements transport.Handler by dispatching on proto.Op.
type Registry struct {
	opts   Options
	caller transport.Caller
	// addrOf resolves a peer ServerID to a dialable address, for
	// cross-server split shipping (dc.Shipper).
	addrOf func(proto.ServerID) (string, error)

	mu   sync.Mutex
	dirs map[string]*dc.Directory
}

// NewRegistry builds an empty registry. caller and addrOf are used only
// for outbound split-ship calls to peer servers; a single-server
// deployment may pass a caller that always errors, since Splittable
// never triggers without multiple virtual servers in play.
func NewRegistry(opts Options, caller transport.Caller, addrOf func(proto.ServerID) (string, error)) *Registry {
	return &Registry{opts: opts, caller: caller, addrOf: addrOf, dirs: make(map[string]*dc.Directory)}
}

func (r *Registry) dataDir(id proto.DirID) string {
	return filepath.Join(r.opts.DataDir, id.String())
}

// DirStats reports one open directory's split state, for the admin HTTP
// server's /stats route.
type DirStats struct {
	Dir    string `json:"dir"`
	Phase  string `json:"phase"`
	Target uint32 `json:"target,omitempty"`
}

// Stats reports this process's identity and every currently open
// directory's split phase.
type Stats struct {
	ServerID proto.ServerID `json:"server_id"`
	OpenDirs int            `json:"open_dirs"`
	Dirs     []DirStats     `json:"dirs"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	dirs := make([]*dc.Directory, 0, len(r.dirs))
	for _, d := range r.dirs {
		dirs = append(dirs, d)
	}
	r.mu.Unlock()

	out := Stats{ServerID: r.opts.ServerID, OpenDirs: len(dirs), Dirs: make([]DirStats, 0, len(dirs))}
	for _, d := range dirs {
		phase, target := d.Phase()
		phaseName := "idle"
		if phase == dc.Splitting {
			phaseName = "splitting"
		}
		out.Dirs = append(out.Dirs, DirStats{Dir: d.ID.String(), Phase: phaseName, Target: target})
	}
	return out
}

// Open returns the Directory for id, opening its engine and seeding a
// fresh DPI if this is the first reference.
func (r *Registry) Open(id proto.DirID) (*dc.Directory, error) {
	key := id.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dirs[key]; ok {
		return d, nil
	}

	engOpts := r.opts.EngineOptions
	engOpts.Dir = r.dataDir(id)
	engine, err := mke.Open(engOpts)
	if err != nil {
		return nil, err
	}

	// The zeroth server is a property of the directory, not of whoever
	// opens it first: hash (DirID, N) so every server in the cluster
	// seeds the same anchor for the same directory.
	zeroth := dpi.ZerothServerFor(id, r.opts.NumServers)
	index, err := dpi.NewIndex(zeroth, r.opts.NumServers, r.opts.NumVirtualServers)
	if err != nil {
		return nil, err
	}

	d := dc.New(id, index, engine, &shipper{r: r}, r.opts.SplitOptions)
	r.dirs[key] = d
	return d, nil
}

// shipper adapts Registry to dc.Shipper by round-tripping an
// IngestSplitRequest to the target server over the transport.
type shipper struct{ r *Registry }

func (s *shipper) ShipTable(ctx context.Context, target proto.ServerID, dir proto.DirID, child uint32, table, smallestKey, largestKey []byte) error {
	if s.r.caller == nil || s.r.addrOf == nil {
		return errors.New(errors.NotSupported, "server: no outbound caller configured for split shipping")
	}
	addr, err := s.r.addrOf(target)
	if err != nil {
		return err
	}
	payload := proto.IngestSplitRequest{Dir: dir, Child: child, Table: table, SmallestKey: smallestKey, LargestKey: largestKey}.Encode()
	resp, err := s.r.caller.Call(ctx, addr, &proto.Request{Op: proto.OpIngestSplit, Payload: payload})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(errors.Disconnected, "server: ship to %d: %s", target, resp.Err)
	}
	return nil
}

// Handle implements transport.Handler.
func (r *Registry) Handle(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	resp, err := r.dispatch(ctx, req)
	if err != nil {
		log.Errorf("server: op %d failed: %s", req.Op, err)
		return &proto.Response{Op: req.Op, Err: err.Error()}, nil
	}
	return resp, nil
}

func (r *Registry) dispatch(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	switch req.Op {
	case proto.OpLookup:
		return r.handleLookup(ctx, req)
	case proto.OpCreate:
		return r.handleCreate(ctx, req)
	case proto.OpMkdir:
		return r.handleMkdir(ctx, req)
	case proto.OpUnlink:
		return r.handleUnlink(ctx, req)
	case proto.OpGetIndex:
		return r.handleGetIndex(req)
	case proto.OpIngestSplit:
		return r.handleIngestSplit(ctx, req)
	default:
		return nil, errors.New(errors.InvalidArgument, "server: unknown op %d", req.Op)
	}
}

// maybeForward relays a request that hashed into a partition owned by a
// peer. This is how a stale client's wrong-server hop resolves
//: the authoritative index here routes the call onward, and
// the owner's reply piggybacks its index so the client converges. A
// request already forwarded once is handled locally regardless; the
// relaying server consulted the authoritative index, so a second hop
// can only mean the two servers disagree transiently, and handling
// locally just degrades to an older (still total) mapping.
func (r *Registry) maybeForward(ctx context.Context, req *proto.Request, d *dc.Directory, h proto.Hash128) (*proto.Response, bool, error) {
	if req.Forwarded || r.caller == nil || r.addrOf == nil {
		return nil, false, nil
	}
	idx := d.Index()
	owner := idx.ServerForPartition(idx.PartitionFor(h))
	if owner == r.opts.ServerID {
		return nil, false, nil
	}
	addr, err := r.addrOf(owner)
	if err != nil {
		return nil, false, err
	}
	log.Infof("server %d: forwarding op %d for %v to owner %d", r.opts.ServerID, req.Op, d.ID, owner)
	fwd := *req
	fwd.Forwarded = true
	resp, err := r.caller.Call(ctx, addr, &fwd)
	if err != nil {
		return nil, false, errors.Wrap(errors.Disconnected, err, "server: forward to %d", owner)
	}
	return resp, true, nil
}

func (r *Registry) handleLookup(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	in, err := proto.DecodeLookupRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(in.Dir)
	if err != nil {
		return nil, err
	}
	h := hash128.Name(in.Name)
	if resp, forwarded, err := r.maybeForward(ctx, req, d, h); forwarded || err != nil {
		return resp, err
	}
	value, found, leaseDue, err := d.Lookup(h)
	if err != nil {
		return nil, err
	}
	out := proto.LookupResponse{Found: found, Value: value, LeaseDue: leaseDue, Index: d.Index().Encode()}
	return &proto.Response{Op: req.Op, Payload: out.Encode()}, nil
}

func (r *Registry) handleCreate(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	in, err := proto.DecodeCreateRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(in.Dir)
	if err != nil {
		return nil, err
	}
	if resp, forwarded, err := r.maybeForward(ctx, req, d, hash128.Name(in.Name)); forwarded || err != nil {
		return resp, err
	}
	value := proto.InodeValue{InodeNo: in.InodeNo, Mode: in.Mode, UID: in.UID, GID: in.GID}
	if err := d.CreateChild(in.Name, value); err != nil {
		return nil, err
	}
	out := proto.CreateResponse{Value: value, Index: d.Index().Encode()}
	return &proto.Response{Op: req.Op, Payload: out.Encode()}, nil
}

func (r *Registry) handleMkdir(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	in, err := proto.DecodeCreateRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(in.Dir)
	if err != nil {
		return nil, err
	}
	if resp, forwarded, err := r.maybeForward(ctx, req, d, hash128.Name(in.Name)); forwarded || err != nil {
		return resp, err
	}
	value := proto.InodeValue{InodeNo: in.InodeNo, Mode: in.Mode, UID: in.UID, GID: in.GID, ZerothServerOfChild: in.ZerothServerOfChild}
	if err := d.CreateChild(in.Name, value); err != nil {
		return nil, err
	}
	out := proto.CreateResponse{Value: value, Index: d.Index().Encode()}
	return &proto.Response{Op: req.Op, Payload: out.Encode()}, nil
}

func (r *Registry) handleUnlink(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	in, err := proto.DecodeUnlinkRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(in.Dir)
	if err != nil {
		return nil, err
	}
	h := hash128.Name(in.Name)
	if resp, forwarded, err := r.maybeForward(ctx, req, d, h); forwarded || err != nil {
		return resp, err
	}
	if err := d.RemoveChild(h); err != nil {
		return nil, err
	}
	out := proto.UnlinkResponse{Index: d.Index().Encode()}
	return &proto.Response{Op: req.Op, Payload: out.Encode()}, nil
}

func (r *Registry) handleGetIndex(req *proto.Request) (*proto.Response, error) {
	in, err := proto.DecodeGetIndexRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(in.Dir)
	if err != nil {
		return nil, err
	}
	out := proto.GetIndexResponse{Index: d.Index().Encode()}
	return &proto.Response{Op: req.Op, Payload: out.Encode()}, nil
}

func (r *Registry) handleIngestSplit(_ context.Context, req *proto.Request) (*proto.Response, error) {
	in, err := proto.DecodeIngestSplitRequest(req.Payload)
	if err != nil {
		return nil, err
	}
	d, err := r.Open(in.Dir)
	if err != nil {
		return nil, err
	}
	if err := d.IngestSplitTable(in.Child, in.Table, in.SmallestKey, in.LargestKey); err != nil {
		return nil, err
	}
	out := proto.IngestSplitResponse{}
	return &proto.Response{Op: req.Op, Payload: out.Encode()}, nil
}

