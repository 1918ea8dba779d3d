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

// Package config is the single place dirmetad's process configuration is
// declared and clamped: an explicit struct with enumerated fields
// rather than string-keyed settings, read with
// github.com/cubefs/cubefs/blobstore/common/config's JSON loader.
package config

import (
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/dirmeta/dc"
	"github.com/cubefs/dirmeta/llt"
	"github.com/cubefs/dirmeta/mke"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/transport/grpcrpc"
	"github.com/cubefs/dirmeta/transport/udp"
)

// TransportKind picks dirmetad's RPC backend.
type TransportKind string

const (
	TransportUDP  TransportKind = "udp"
	TransportGRPC TransportKind = "grpc"
)

// Config is dirmetad's JSON-loadable process configuration: the server
// identity, cluster membership, and the tuning options each subsystem
// recognizes.
type Config struct {
	// BindAddr is this process's own listen address ("host:port").
	BindAddr string `json:"bind_addr"`
	// HTTPBindAddr serves the admin surface: pprof/profile routes and
	// /stats. Left empty, no admin HTTP server is started.
	HTTPBindAddr string `json:"http_bind_addr"`
	// ServerID is this process's identity in the DPI ring.
	ServerID proto.ServerID `json:"server_id"`
	// DataDir is the base directory; dirmetad opens one mke.Engine
	// subdirectory per DirID under it.
	DataDir string `json:"data_dir"`
	// Members is the static cluster membership table: ServerID -> address.
	// dirmeta has no master (spec Non-goals), so this is loaded once at
	// process start rather than discovered.
	Members []proto.Node `json:"members"`

	// NumServers/NumVirtualServers seed a directory's DPI the first time
	// this process opens it.
	NumServers        uint32 `json:"num_servers"`
	NumVirtualServers uint32 `json:"num_virtual_servers"`

	// MaxLeaseDurationMS is the lease TTL upper bound, in milliseconds.
	MaxLeaseDurationMS int64 `json:"max_lease_duration_ms"`
	// MaxNumLeases caps the lookup-lease table.
	MaxNumLeases int `json:"max_num_leases"`

	// WriteBufferSize is the memtable rotation threshold, in bytes.
	WriteBufferSize int `json:"write_buffer_size"`
	// LevelFactor, L0SoftLimit, L0HardLimit are the engine's compaction
	// policy knobs, threaded into mke.Options below; zero means
	// "use the compaction package's built-in default".
	LevelFactor int `json:"level_factor"`
	L0SoftLimit int `json:"l0_soft_limit"`
	L0HardLimit int `json:"l0_hard_limit"`
	// DisableCompaction puts every local mke.Engine in read-mostly mode.
	DisableCompaction bool `json:"disable_compaction"`
	// ParanoidChecks extends DPI decode validation.
	ParanoidChecks bool `json:"paranoid_checks"`

	// SplitEntryThreshold/SplitByteThreshold feed dc.Options.
	SplitEntryThreshold int    `json:"split_entry_threshold"`
	SplitByteThreshold  uint64 `json:"split_byte_threshold"`

	// Transport picks the RPC backend.
	Transport       TransportKind `json:"transport"`
	RPCTimeoutMS    int64         `json:"rpc_timeout_ms"`
	UDPMaxInlineMsg int           `json:"udp_max_inline_msgsz"`
	UDPMaxTotalMsg  int           `json:"udp_max_total_msgsz"`
	UDPWorkers      int           `json:"udp_workers"`

	LogLevel log.Level `json:"log_level"`
}

// SetDefaults clamps every numeric option to its documented bound and
// fills in zero values.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./run/dirmeta"
	}
	if c.NumServers == 0 {
		c.NumServers = 1
	}
	if c.NumVirtualServers == 0 {
		c.NumVirtualServers = 1024
	}
	if c.NumVirtualServers > 65536 {
		c.NumVirtualServers = 65536
	}
	if c.NumServers > c.NumVirtualServers {
		c.NumServers = c.NumVirtualServers
	}
	if c.MaxLeaseDurationMS <= 0 {
		c.MaxLeaseDurationMS = 5000
	}
	if c.MaxNumLeases <= 0 {
		c.MaxNumLeases = 1 << 16
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = mke.MemtableSizeThreshold
	}
	if c.SplitEntryThreshold <= 0 {
		c.SplitEntryThreshold = 100000
	}
	if c.SplitByteThreshold == 0 {
		c.SplitByteThreshold = 64 << 20
	}
	if c.Transport == "" {
		c.Transport = TransportUDP
	}
	if c.RPCTimeoutMS <= 0 {
		c.RPCTimeoutMS = int64(proto.DefaultRPCTimeout * 1000)
	}
	if c.UDPMaxInlineMsg <= 0 {
		c.UDPMaxInlineMsg = proto.DefaultUDPMaxMsgSize
	}
	if c.UDPMaxTotalMsg <= 0 {
		c.UDPMaxTotalMsg = 1 << 20
	}
	if c.UDPWorkers <= 0 {
		c.UDPWorkers = 32
	}
}

// EngineOptions translates the config's LSM knobs into mke.Options
// (Dir/Backend left zero; server.Registry fills Dir in per-directory).
func (c *Config) EngineOptions() mke.Options {
	return mke.Options{
		WriteBufferSize:   c.WriteBufferSize,
		DisableCompaction: c.DisableCompaction,
		L0SoftLimit:       c.L0SoftLimit,
		L0HardLimit:       c.L0HardLimit,
		LevelFactor:       c.LevelFactor,
	}
}

// SplitOptions translates the config's split thresholds and lease
// knobs into dc.Options. The same max_lease_duration/max_num_leases
// pair configures both the server-side authoritative lease table here
// and the client cache in LeaseOptions, so both sides agree on the
// lease TTL.
func (c *Config) SplitOptions() dc.Options {
	return dc.Options{
		EntryThreshold: c.SplitEntryThreshold,
		ByteThreshold:  c.SplitByteThreshold,
		Leases:         c.LeaseOptions(),
	}
}

// LeaseOptions translates the config's LLT knobs into llt.Options.
func (c *Config) LeaseOptions() llt.Options {
	return llt.Options{
		Capacity:      c.MaxNumLeases,
		LeaseDuration: c.MaxLeaseDurationMS * 1000, // microseconds
		Mode:          llt.Internal,
	}
}

// UDPOptions translates the config's transport knobs into udp.Options.
func (c *Config) UDPOptions() udp.Options {
	return udp.Options{
		MaxInlineMsgSize: c.UDPMaxInlineMsg,
		MaxTotalMsgSize:  c.UDPMaxTotalMsg,
		Timeout:          msDuration(c.RPCTimeoutMS),
		Workers:          c.UDPWorkers,
	}
}

// GRPCOptions translates the config's transport knobs into grpcrpc.Options.
func (c *Config) GRPCOptions() grpcrpc.Options {
	return grpcrpc.Options{Timeout: msDuration(c.RPCTimeoutMS)}
}

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// AddrOf looks up a cluster member's address by ServerID, the static
// resolver dirmetad hands to server.Registry and client.Client alike.
func (c *Config) AddrOf(id proto.ServerID) (string, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m.Addr, true
		}
	}
	return "", false
}
