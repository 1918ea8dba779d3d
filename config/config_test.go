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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dirmeta/proto"
)

func TestSetDefaultsFillsZeroValues(t *testing.T) {
	var c Config
	c.SetDefaults()

	require.Equal(t, uint32(1), c.NumServers)
	require.Equal(t, uint32(1024), c.NumVirtualServers)
	require.Equal(t, int64(5000), c.MaxLeaseDurationMS)
	require.Equal(t, 1<<16, c.MaxNumLeases)
	require.Positive(t, c.WriteBufferSize)
	require.Equal(t, TransportUDP, c.Transport)
	require.Equal(t, int64(proto.DefaultRPCTimeout*1000), c.RPCTimeoutMS)
	require.Equal(t, proto.DefaultUDPMaxMsgSize, c.UDPMaxInlineMsg)
}

func TestSetDefaultsClampsVirtualServers(t *testing.T) {
	c := Config{NumVirtualServers: 1 << 20}
	c.SetDefaults()
	require.Equal(t, uint32(65536), c.NumVirtualServers)
}

func TestSetDefaultsClampsNumServersToVirtual(t *testing.T) {
	c := Config{NumServers: 64, NumVirtualServers: 16}
	c.SetDefaults()
	require.Equal(t, uint32(16), c.NumServers)
}

func TestOptionTranslation(t *testing.T) {
	c := Config{
		MaxLeaseDurationMS: 2000,
		MaxNumLeases:       128,
		WriteBufferSize:    1 << 20,
		DisableCompaction:  true,
		RPCTimeoutMS:       750,
	}
	c.SetDefaults()

	eng := c.EngineOptions()
	require.Equal(t, 1<<20, eng.WriteBufferSize)
	require.True(t, eng.DisableCompaction)

	lease := c.LeaseOptions()
	require.Equal(t, 128, lease.Capacity)
	require.Equal(t, int64(2000*1000), lease.LeaseDuration)

	u := c.UDPOptions()
	require.Equal(t, 750*time.Millisecond, u.Timeout)
}

func TestAddrOf(t *testing.T) {
	c := Config{Members: []proto.Node{{ID: 0, Addr: "a:1"}, {ID: 2, Addr: "c:3"}}}

	addr, ok := c.AddrOf(2)
	require.True(t, ok)
	require.Equal(t, "c:3", addr)

	_, ok = c.AddrOf(1)
	require.False(t, ok)
}
