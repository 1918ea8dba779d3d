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

package llt

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/metrics"
)

// Mode picks who serializes access to a Table's entries.
type Mode uint8

const (
	// External assumes the caller already holds a per-directory mutex
	// (the dc package's Directory lock) before calling any Table
	// method, so the table does no locking of its own.
	External Mode = iota
	// Internal has the table guard itself with a sharded set of
	// mutexes keyed by DirID: every directory's leases serialize
	// independently instead of through one global lock.
	Internal
)

// shardCount is the number of independent lock/LRU shards in Internal
// mode; picked so contention is spread without per-directory allocation.
const shardCount = 64

// Stats counts protocol events.
type Stats struct {
	Hits        int64
	Misses      int64
	WriterWaits int64
	Evictions   int64
}

// Options configures a Table.
type Options struct {
	Capacity       int
	LeaseDuration  int64 // lease_d, microseconds
	ClockSkewBound int64 // δ, microseconds; documents the assumption leases rely on
	Mode           Mode
}

type shard struct {
	mu     sync.Mutex
	leases map[Key]*Lease
	lru    *list.List
	elemOf map[Key]*list.Element
}

// Table is the lookup-lease table: an LRU-bounded map from (DirID,
// NameHash) to a *Lease.
type Table struct {
	opts   Options
	shards [shardCount]*shard
	stats  Stats
}

func New(opts Options) *Table {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	t := &Table{opts: opts}
	for i := range t.shards {
		t.shards[i] = &shard{
			leases: make(map[Key]*Lease),
			lru:    list.New(),
			elemOf: make(map[Key]*list.Element),
		}
	}
	return t
}

func shardIndex(key Key) uint32 {
	h := key.Dir.RegistryID*1099511628211 ^ key.Dir.DirectoryNo
	return uint32(h % uint64(shardCount))
}

func (t *Table) shardFor(key Key) *shard { return t.shards[shardIndex(key)] }

func (t *Table) lock(s *shard) {
	if t.opts.Mode == Internal {
		s.mu.Lock()
	}
}

func (t *Table) unlock(s *shard) {
	if t.opts.Mode == Internal {
		s.mu.Unlock()
	}
}

func (t *Table) perShardCapacity() int {
	c := t.opts.Capacity / shardCount
	if c < 1 {
		c = 1
	}
	return c
}

// Lookup implements the `lookup(name)` event. A Shared lease
// whose due has not passed is a trusted hit: due is extended and
// subscribed gossip watchers are notified. An expired Shared lease is
// reported as a miss (Shared→Free per the transition table) even though
// the record itself is left in place for Fill to refresh. A Locked lease
// is reported as "not yet" so the caller can retry once the pending
// write resolves.
func (t *Table) Lookup(now int64, key Key) (attrs Attrs, state State, trusted bool) {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok {
		atomic.AddInt64(&t.stats.Misses, 1)
		metrics.LeaseEvents.WithLabelValues("lookup_miss").Inc()
		return Attrs{}, Free, false
	}
	t.touchLocked(s, l)

	switch l.state {
	case Shared:
		if now < l.due {
			l.due = now + t.opts.LeaseDuration
			atomic.AddInt64(&t.stats.Hits, 1)
			metrics.LeaseEvents.WithLabelValues("lookup_hit").Inc()
			t.notifyLocked(l)
			return l.attrs, Shared, true
		}
		l.state = Free
		atomic.AddInt64(&t.stats.Misses, 1)
		metrics.LeaseEvents.WithLabelValues("lookup_expired").Inc()
		return Attrs{}, Free, false
	case Locked:
		atomic.AddInt64(&t.stats.Misses, 1)
		metrics.LeaseEvents.WithLabelValues("lookup_locked").Inc()
		return Attrs{}, Locked, false
	default: // Free
		atomic.AddInt64(&t.stats.Misses, 1)
		metrics.LeaseEvents.WithLabelValues("lookup_miss").Inc()
		return Attrs{}, Free, false
	}
}

// Fill creates or refreshes a lease to Shared with the given payload,
// used after a cache miss resolves against the MKE. Fill is a no-op on an
// entry currently Locked: a pending writer owns the record.
func (t *Table) Fill(now int64, key Key, attrs Attrs) {
	t.FillUntil(now, key, attrs, now+t.opts.LeaseDuration)
}

// FillUntil is Fill with a caller-supplied deadline. A client cache
// adopting the authoritative server's lease expiry uses this so both
// sides agree (within clock skew) on when the lease dies; a due at or
// before now leaves the entry present but immediately expired.
func (t *Table) FillUntil(now int64, key Key, attrs Attrs, due int64) {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if ok && l.state == Locked {
		return
	}
	if !ok {
		l = &Lease{key: key}
		s.leases[key] = l
		t.linkLocked(s, l)
	}
	l.state = Shared
	l.attrs = attrs
	l.due = due
	t.touchLocked(s, l)
	t.evictIfOverCapacityLocked(s)
	metrics.LeaseEvents.WithLabelValues("fill").Inc()
}

// WriterAcquire implements `writer_acquire`: state must be
// Free or Shared. The lease transitions to Locked immediately and its
// due is frozen; the caller must wait until now >= the returned due
// before calling WriterCommit (the "writer waiting rule").
func (t *Table) WriterAcquire(now int64, key Key, writerSeq uint64) (frozenDue int64, err error) {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok {
		l = &Lease{key: key, state: Free, due: now}
		s.leases[key] = l
		t.linkLocked(s, l)
	}
	if l.state == Locked {
		return 0, errors.New(errors.InvalidArgument, "llt: lease %v already locked by writer seq %d", key, l.writerSeq)
	}
	t.touchLocked(s, l)
	l.state = Locked
	l.writerSeq = writerSeq
	metrics.LeaseEvents.WithLabelValues("writer_acquire").Inc()
	// due is left as-is: it is now the frozen deadline lease holders
	// must observe before the writer may publish.
	return l.due, nil
}

// WriterCommit implements `writer_commit`: requires state
// Locked and now >= the frozen due. On success the new payload is
// published, due is extended from now, and the lease returns to Shared.
func (t *Table) WriterCommit(now int64, key Key, attrs Attrs) error {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok || l.state != Locked {
		return errors.New(errors.InvalidArgument, "llt: lease %v not locked", key)
	}
	if now < l.due {
		atomic.AddInt64(&t.stats.WriterWaits, 1)
		metrics.LeaseEvents.WithLabelValues("writer_wait").Inc()
		return errors.New(errors.InvalidArgument, "llt: writer must wait until frozen due %d (now %d)", l.due, now)
	}
	l.attrs = attrs
	l.state = Shared
	l.due = now + t.opts.LeaseDuration
	metrics.LeaseEvents.WithLabelValues("writer_commit").Inc()
	t.notifyLocked(l)
	return nil
}

// WriterCommitEvict is writer_commit's eviction arm:
// requires Locked and now >= the frozen due, then removes the lease
// outright. Used by writers whose effect is deletion, where there is no
// payload left to publish.
func (t *Table) WriterCommitEvict(now int64, key Key) error {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok || l.state != Locked {
		return errors.New(errors.InvalidArgument, "llt: lease %v not locked", key)
	}
	if now < l.due {
		atomic.AddInt64(&t.stats.WriterWaits, 1)
		metrics.LeaseEvents.WithLabelValues("writer_wait").Inc()
		return errors.New(errors.InvalidArgument, "llt: writer must wait until frozen due %d (now %d)", l.due, now)
	}
	l.state = Free
	t.notifyLocked(l)
	t.unlinkLocked(s, l)
	delete(s.leases, key)
	atomic.AddInt64(&t.stats.Evictions, 1)
	metrics.LeaseEvents.WithLabelValues("writer_commit_evict").Inc()
	return nil
}

// WriterAbort implements `writer_abort`: Locked→Shared with
// the old payload, no payload change.
func (t *Table) WriterAbort(key Key) error {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok || l.state != Locked {
		return errors.New(errors.InvalidArgument, "llt: lease %v not locked", key)
	}
	l.state = Shared
	metrics.LeaseEvents.WithLabelValues("writer_abort").Inc()
	t.notifyLocked(l)
	return nil
}

// Pin increments a lease's pin count, removing it from LRU eviction
// candidacy.
func (t *Table) Pin(key Key) {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok {
		return
	}
	l.refs++
	t.unlinkLocked(s, l)
}

// Unpin decrements a lease's pin count, restoring it to the LRU chain
// once refs reaches zero.
func (t *Table) Unpin(key Key) {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok || l.refs == 0 {
		return
	}
	l.refs--
	if l.refs == 0 {
		t.linkLocked(s, l)
	}
}

// Evict implements the `eviction` event: only a Free,
// unpinned entry may be removed.
func (t *Table) Evict(key Key) error {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)
	return t.evictLocked(s, key)
}

func (t *Table) evictLocked(s *shard, key Key) error {
	l, ok := s.leases[key]
	if !ok {
		return nil
	}
	if l.state != Free || l.refs != 0 {
		return errors.New(errors.InvalidArgument, "llt: lease %v not evictable (state=%s refs=%d)", key, l.state, l.refs)
	}
	t.unlinkLocked(s, l)
	delete(s.leases, key)
	atomic.AddInt64(&t.stats.Evictions, 1)
	metrics.LeaseEvents.WithLabelValues("eviction").Inc()
	return nil
}

// Subscribe registers n for gossip notification of key's Shared-lease
// extensions and Locked transitions.
func (t *Table) Subscribe(key Key, n Notify) {
	s := t.shardFor(key)
	t.lock(s)
	defer t.unlock(s)

	l, ok := s.leases[key]
	if !ok {
		l = &Lease{key: key, state: Free}
		s.leases[key] = l
		t.linkLocked(s, l)
	}
	l.notifyList = append(l.notifyList, n)
}

func (t *Table) notifyLocked(l *Lease) {
	for _, n := range l.notifyList {
		n.LeaseChanged(l.key, l.state, l.due)
	}
}

func (t *Table) touchLocked(s *shard, l *Lease) {
	if l.refs > 0 {
		return
	}
	if e, ok := s.elemOf[l.key]; ok {
		s.lru.MoveToBack(e)
	}
}

func (t *Table) linkLocked(s *shard, l *Lease) {
	if l.refs > 0 {
		return
	}
	if _, ok := s.elemOf[l.key]; ok {
		return
	}
	e := s.lru.PushBack(l)
	s.elemOf[l.key] = e
}

func (t *Table) unlinkLocked(s *shard, l *Lease) {
	if e, ok := s.elemOf[l.key]; ok {
		s.lru.Remove(e)
		delete(s.elemOf, l.key)
	}
}

// evictIfOverCapacityLocked drops the oldest Free, unpinned entry when
// the shard has grown past its quota. Entries that are Shared, Locked,
// or pinned are left alone even if that means briefly exceeding
// capacity; only Free, unpinned entries are ever evicted.
func (t *Table) evictIfOverCapacityLocked(s *shard) {
	capacity := t.perShardCapacity()
	for len(s.leases) > capacity {
		e := s.lru.Front()
		if e == nil {
			return
		}
		l := e.Value.(*Lease)
		if l.state != Free || l.refs != 0 {
			// Oldest LRU entry isn't evictable; walk forward to the
			// first entry that is, evict it and return. If no entry is
			// evictable, warn and leave the shard over quota.
			for next := e.Next(); next != nil; next = next.Next() {
				nl := next.Value.(*Lease)
				if nl.state == Free && nl.refs == 0 {
					t.unlinkLocked(s, nl)
					delete(s.leases, nl.key)
					atomic.AddInt64(&t.stats.Evictions, 1)
					metrics.LeaseEvents.WithLabelValues("eviction").Inc()
					return
				}
			}
			log.Warnf("llt: shard over capacity (%d/%d) with no evictable entry", len(s.leases), capacity)
			return
		}
		t.unlinkLocked(s, l)
		delete(s.leases, l.key)
		atomic.AddInt64(&t.stats.Evictions, 1)
		metrics.LeaseEvents.WithLabelValues("eviction").Inc()
	}
}

// Stats returns a snapshot of the table's event counters.
func (t *Table) Stats() Stats {
	return Stats{
		Hits:        atomic.LoadInt64(&t.stats.Hits),
		Misses:      atomic.LoadInt64(&t.stats.Misses),
		WriterWaits: atomic.LoadInt64(&t.stats.WriterWaits),
		Evictions:   atomic.LoadInt64(&t.stats.Evictions),
	}
}

// Len returns the number of leases currently tracked, for tests and
// diagnostics.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		t.lock(s)
		n += len(s.leases)
		t.unlock(s)
	}
	return n
}
