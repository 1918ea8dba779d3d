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

// Package llt implements the lookup-lease table: an LRU-bounded cache of
// directory-lookup leases with a three-state coherence protocol
// (Free/Shared/Locked) coordinating concurrent readers against
// mutating writers: one record per key looked up through a sharded
// map, with container/list-backed LRU bookkeeping for eviction order.
package llt

import "github.com/cubefs/dirmeta/proto"

// State is a lease's coherence state.
type State uint8

const (
	Free State = iota
	Shared
	Locked
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Shared:
		return "Shared"
	case Locked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// Key identifies a lease: a directory and the hash of one child name.
type Key struct {
	Dir      proto.DirID
	NameHash proto.Hash128
}

// Attrs is the cached payload a Shared or Locked lease carries.
type Attrs struct {
	InodeNo             uint64
	Mode                uint32
	UID                 uint32
	GID                 uint32
	ZerothServerOfChild proto.ServerID
}

// Lease is one entry of the lookup-lease table.
type Lease struct {
	key   Key
	state State
	// due is the lease deadline in monotonic microseconds; frozen once
	// Locked.
	due        int64
	attrs      Attrs
	refs       int32
	writerSeq  uint64
	notifyList []Notify
}

// Notify is called on clients gossip-subscribed to a Shared lease so
// they can observe an extension or a Locked transition without
// polling.
type Notify interface {
	LeaseChanged(key Key, state State, due int64)
}

// State returns the lease's current coherence state.
func (l *Lease) State() State { return l.state }

// Due returns the lease's current (or frozen) deadline.
func (l *Lease) Due() int64 { return l.due }

// Attrs returns the cached payload.
func (l *Lease) Attrs() Attrs { return l.attrs }

// Refs returns the in-process pin count.
func (l *Lease) Refs() int32 { return l.refs }
