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

package client

import (
	"context"
	"time"

	"github.com/cubefs/dirmeta/llt"
	"github.com/cubefs/dirmeta/proto"
)

func attrsOf(v proto.InodeValue) llt.Attrs {
	return llt.Attrs{InodeNo: v.InodeNo, Mode: v.Mode, UID: v.UID, GID: v.GID, ZerothServerOfChild: v.ZerothServerOfChild}
}

func valueOf(a llt.Attrs) proto.InodeValue {
	return proto.InodeValue{InodeNo: a.InodeNo, Mode: a.Mode, UID: a.UID, GID: a.GID, ZerothServerOfChild: a.ZerothServerOfChild}
}

// Lookup resolves name under dir, trusting the LLT cache when it holds
// a live Shared lease for the pair and otherwise round-tripping to the
// owning server. A locally Locked entry means a writer in this process
// has the name in flight: wait for its transition instead of racing it
// to the server.
func (c *Client) Lookup(ctx context.Context, dir proto.DirID, name string) (proto.InodeValue, bool, error) {
	key, now := leaseKeyNow(dir, name)
	attrs, state, trusted := c.cache.Lookup(now, key)
	if trusted {
		return valueOf(attrs), true, nil
	}
	if state == llt.Locked {
		c.waitLeaseTransition(ctx, key)
		if attrs, _, trusted := c.cache.Lookup(time.Now().UnixMicro(), key); trusted {
			return valueOf(attrs), true, nil
		}
	}

	server, err := c.resolve(ctx, dir, name)
	if err != nil {
		return proto.InodeValue{}, false, err
	}
	addr, err := c.addrForServer(server)
	if err != nil {
		return proto.InodeValue{}, false, err
	}
	resp, err := c.call(ctx, addr, proto.OpLookup, proto.LookupRequest{Dir: dir, Name: name}.Encode())
	if err != nil {
		return proto.InodeValue{}, false, err
	}
	out, err := proto.DecodeLookupResponse(resp.Payload)
	if err != nil {
		return proto.InodeValue{}, false, err
	}
	c.noteIndex(dir, out.Index)
	if !out.Found {
		return proto.InodeValue{}, false, nil
	}
	// Cache only for as long as the server's authoritative lease grant
	// runs; a due at or before now means a writer held the name Locked
	// server-side and the answer must not be cached at all.
	if now = time.Now().UnixMicro(); out.LeaseDue > now {
		c.cache.FillUntil(now, key, attrsOf(out.Value), out.LeaseDue)
	}
	return out.Value, true, nil
}

// leaseWaiter adapts a channel to llt.Notify for one-shot transition
// waits; the buffered channel keeps late notifications from blocking
// the table's notify loop.
type leaseWaiter struct{ ch chan struct{} }

func (w *leaseWaiter) LeaseChanged(llt.Key, llt.State, int64) {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// waitLeaseTransition blocks until a Locked lease in the local cache
// transitions (commit or abort), the ctx ends, or a lease duration has
// passed, whichever is first. The fallback timer covers a writer that
// dies without resolving its lock.
func (c *Client) waitLeaseTransition(ctx context.Context, key llt.Key) {
	w := &leaseWaiter{ch: make(chan struct{}, 1)}
	c.cache.Subscribe(key, w)
	timeout := time.Duration(c.opts.Cache.LeaseDuration) * time.Microsecond
	select {
	case <-w.ch:
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

// Create inserts a new file row named name under dir with the given
// attributes, allocating its inode number locally.
func (c *Client) Create(ctx context.Context, dir proto.DirID, name string, mode, uid, gid uint32) (proto.InodeValue, error) {
	return c.createChild(ctx, dir, name, proto.OpCreate, proto.InodeValue{Mode: mode, UID: uid, GID: gid})
}

// Mkdir creates a child directory entry named name under dir, assigning
// the new subdirectory's identity and recording in ZerothServerOfChild
// the server handling the Mkdir call itself (clients that later look the
// entry up cache that value off the reply). The child's own DPI is
// seeded separately, from dpi.ZerothServerFor in server.Registry.Open,
// so the recorded value does not decide where its partition 0 lives.
func (c *Client) Mkdir(ctx context.Context, dir proto.DirID, name string, mode, uid, gid uint32) (proto.DirID, proto.InodeValue, error) {
	child := proto.DirID{RegistryID: dir.RegistryID, DirectoryNo: c.nextID()}
	server, err := c.resolve(ctx, dir, name)
	if err != nil {
		return proto.DirID{}, proto.InodeValue{}, err
	}
	value, err := c.createChildOnServer(ctx, dir, name, proto.OpMkdir, proto.InodeValue{
		InodeNo: child.DirectoryNo, Mode: mode, UID: uid, GID: gid, ZerothServerOfChild: server,
	}, server)
	return child, value, err
}

func (c *Client) createChild(ctx context.Context, dir proto.DirID, name string, op uint32, value proto.InodeValue) (proto.InodeValue, error) {
	server, err := c.resolve(ctx, dir, name)
	if err != nil {
		return proto.InodeValue{}, err
	}
	value.InodeNo = c.nextID()
	return c.createChildOnServer(ctx, dir, name, op, value, server)
}

// createChildOnServer runs the writer side of the LLT transition table
// around a Create/Mkdir round trip: acquire the lease (Shared→Locked,
// freezing its due), hold the write until the frozen due has passed so
// every lease holder has had time to observe expiry (the writer
// waiting rule), then publish the committed payload. Failures abort
// back to Shared with the old payload.
func (c *Client) createChildOnServer(ctx context.Context, dir proto.DirID, name string, op uint32, value proto.InodeValue, server proto.ServerID) (proto.InodeValue, error) {
	key, now := leaseKeyNow(dir, name)
	writerSeq := c.nextID()
	frozenDue, err := c.cache.WriterAcquire(now, key, writerSeq)
	if err != nil {
		return proto.InodeValue{}, err
	}
	waitForFrozenDue(now, frozenDue)

	addr, err := c.addrForServer(server)
	if err != nil {
		_ = c.cache.WriterAbort(key)
		return proto.InodeValue{}, err
	}
	req := proto.CreateRequest{
		Dir: dir, Name: name, Mode: value.Mode, UID: value.UID, GID: value.GID,
		InodeNo: value.InodeNo, ZerothServerOfChild: value.ZerothServerOfChild,
	}.Encode()
	resp, err := c.call(ctx, addr, op, req)
	if err != nil {
		_ = c.cache.WriterAbort(key)
		return proto.InodeValue{}, err
	}
	out, err := proto.DecodeCreateResponse(resp.Payload)
	if err != nil {
		_ = c.cache.WriterAbort(key)
		return proto.InodeValue{}, err
	}
	c.noteIndex(dir, out.Index)
	if err := c.cache.WriterCommit(time.Now().UnixMicro(), key, attrsOf(out.Value)); err != nil {
		return proto.InodeValue{}, err
	}
	return out.Value, nil
}

// Unlink removes name from dir. The lease protocol is the same as for
// create, but the commit evicts the entry instead of publishing a
// payload.
func (c *Client) Unlink(ctx context.Context, dir proto.DirID, name string) error {
	server, err := c.resolve(ctx, dir, name)
	if err != nil {
		return err
	}
	key, now := leaseKeyNow(dir, name)
	frozenDue, err := c.cache.WriterAcquire(now, key, c.nextID())
	if err != nil {
		return err
	}
	waitForFrozenDue(now, frozenDue)

	addr, err := c.addrForServer(server)
	if err != nil {
		_ = c.cache.WriterAbort(key)
		return err
	}
	resp, err := c.call(ctx, addr, proto.OpUnlink, proto.UnlinkRequest{Dir: dir, Name: name}.Encode())
	if err != nil {
		_ = c.cache.WriterAbort(key)
		return err
	}
	out, err := proto.DecodeUnlinkResponse(resp.Payload)
	if err != nil {
		_ = c.cache.WriterAbort(key)
		return err
	}
	c.noteIndex(dir, out.Index)
	return c.cache.WriterCommitEvict(time.Now().UnixMicro(), key)
}

// waitForFrozenDue parks the writer until the frozen due has passed
// under the loosely synchronized clock assumption. The wait
// is bounded by max_lease_duration and is not interruptible by ctx;
// cancellation stays best-effort.
func waitForFrozenDue(now, frozenDue int64) {
	if wait := frozenDue - now; wait > 0 {
		time.Sleep(time.Duration(wait) * time.Microsecond)
	}
}
