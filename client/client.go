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

// Package client is the thin POSIX-ish facade over the cluster:
// Lookup, Create, Mkdir, Unlink wrappers that drive hash128 ->
// dpi.SelectServer -> transport.Call, consulting the LLT cache first.
// Protocol logic lives in the packages underneath; the client only
// composes them.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cubefs/dirmeta/dpi"
	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/hash128"
	"github.com/cubefs/dirmeta/llt"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/transport"
)

// Resolver maps a server id to a dialable address. A static map is
// enough for dirmeta's symmetric, master-less deployment: the DPI
// already tells every client which server owns a partition, so all
// that's left is an address.
type Resolver interface {
	AddrOf(id proto.ServerID) (string, error)
}

// StaticResolver is a fixed id->address table, set up once from config
// at process start.
type StaticResolver map[proto.ServerID]string

func (r StaticResolver) AddrOf(id proto.ServerID) (string, error) {
	addr, ok := r[id]
	if !ok {
		return "", errors.New(errors.NotFound, "client: no address for server %d", id)
	}
	return addr, nil
}

// Options configures a Client.
type Options struct {
	Resolver Resolver
	Caller   transport.Caller
	Cache    llt.Options // the local lookup-lease cache; zero value is usable
	// ParanoidChecks extends invariant verification to every decoded DPI
	//, at the cost of the extra scan.
	ParanoidChecks bool
}

// Client is one process's handle onto the dirmeta cluster: a resolver,
// an RPC caller, a per-directory DPI cache refreshed by every reply's
// piggybacked index, and an LLT instance caching lookups locally.
type Client struct {
	opts   Options
	ino    uint64 // atomic counter seeding locally-generated inode/dir numbers
	nodeID uint64 // random high bits so concurrent clients don't collide

	cache *llt.Table

	mu      sync.RWMutex
	indexes map[string]*dpi.Index // DirID.String() -> cached DPI
}

// New builds a Client. opts.Cache.Capacity defaults to 4096 entries if
// zero, a generous default for a single process's working set.
func New(opts Options) *Client {
	if opts.Cache.Capacity == 0 {
		opts.Cache.Capacity = 4096
	}
	if opts.Cache.LeaseDuration == 0 {
		opts.Cache.LeaseDuration = int64(5 * time.Second / time.Microsecond)
	}
	opts.Cache.Mode = llt.Internal
	return &Client{
		opts:    opts,
		nodeID:  randomNodeID(),
		cache:   llt.New(opts.Cache),
		indexes: make(map[string]*dpi.Index),
	}
}

func randomNodeID() uint64 {
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// nextID mints a process-unique id for a newly created inode or
// directory: a monotonic counter folded with this client's random node
// id, the same shape DirID.RegistryID/DirectoryNo already expects. There
// is no central allocator in this design (spec Non-goals exclude a
// master); collisions across processes are avoided by the random high
// bits, the same tradeoff uuid.NewString() makes for request ids.
func (c *Client) nextID() uint64 {
	return c.nodeID ^ atomic.AddUint64(&c.ino, 1)
}

func (c *Client) indexFor(dir proto.DirID) (*dpi.Index, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[dir.String()]
	return idx, ok
}

// noteIndex decodes the DPI a reply piggybacked and merges it into any
// cached copy for the same directory. Merge, not replace: the bitmap is
// merge-monotone, so OR-ing in a reply from a server that has itself
// fallen behind on some other branch can never regress bits this client
// already learned elsewhere.
func (c *Client) noteIndex(dir proto.DirID, encoded []byte) {
	if len(encoded) == 0 {
		return
	}
	idx, err := dpi.Decode(encoded, c.opts.ParanoidChecks)
	if err != nil {
		return
	}
	c.mu.Lock()
	if prior, ok := c.indexes[dir.String()]; ok {
		if _, err := prior.Merge(idx); err == nil {
			c.mu.Unlock()
			return
		}
	}
	c.indexes[dir.String()] = idx
	c.mu.Unlock()
}

// resolve picks the server owning name under dir, fetching and caching
// the directory's DPI on first reference.
func (c *Client) resolve(ctx context.Context, dir proto.DirID, name string) (proto.ServerID, error) {
	idx, ok := c.indexFor(dir)
	if !ok {
		fetched, err := c.fetchIndex(ctx, dir)
		if err != nil {
			return 0, err
		}
		idx = fetched
	}
	return idx.SelectServer(name)
}

func (c *Client) fetchIndex(ctx context.Context, dir proto.DirID) (*dpi.Index, error) {
	// The bootstrap request always goes to server 0, whatever the
	// directory's zeroth server is: any server answers GetIndex, opening
	// the directory and seeding its DPI on first reference.
	addr, err := c.opts.Resolver.AddrOf(0)
	if err != nil {
		return nil, err
	}
	req := proto.GetIndexRequest{Dir: dir}.Encode()
	resp, err := c.call(ctx, addr, proto.OpGetIndex, req)
	if err != nil {
		return nil, err
	}
	out, err := proto.DecodeGetIndexResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	idx, err := dpi.Decode(out.Index, c.opts.ParanoidChecks)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.indexes[dir.String()] = idx
	c.mu.Unlock()
	return idx, nil
}

func (c *Client) call(ctx context.Context, addr string, op uint32, payload []byte) (*proto.Response, error) {
	req := &proto.Request{Op: op, ReqID: uuid.NewString(), Payload: payload}
	resp, err := c.opts.Caller.Call(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(errors.Unknown, "client: %s", resp.Err)
	}
	return resp, nil
}

func (c *Client) addrForServer(id proto.ServerID) (string, error) {
	return c.opts.Resolver.AddrOf(id)
}

// leaseKeyNow returns the cache key and current monotonic clock reading
// (microseconds) used by every LLT operation.
func leaseKeyNow(dir proto.DirID, name string) (llt.Key, int64) {
	return llt.Key{Dir: dir, NameHash: hash128.Name(name)}, time.Now().UnixMicro()
}

// Close releases the underlying caller's resources.
func (c *Client) Close() error {
	if c.opts.Caller == nil {
		return nil
	}
	return c.opts.Caller.Close()
}
