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

// dirmetad is the process entry point: loads a config.Config, starts a
// Registry's chosen transport listener, and blocks for SIGTERM/SIGINT.
package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"

	dirconfig "github.com/cubefs/dirmeta/config"
	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/metrics"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/server"
	"github.com/cubefs/dirmeta/transport"
	"github.com/cubefs/dirmeta/transport/grpcrpc"
	"github.com/cubefs/dirmeta/transport/udp"
)

func main() {
	config.Init("f", "", "dirmetad.json")

	cfg := &dirconfig.Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatalf("dirmetad: load config: %s", err)
	}
	cfg.SetDefaults()
	log.SetOutputLevel(cfg.LogLevel)

	registry := server.NewRegistry(server.Options{
		ServerID:          cfg.ServerID,
		DataDir:           cfg.DataDir,
		NumServers:        cfg.NumServers,
		NumVirtualServers: cfg.NumVirtualServers,
		SplitOptions:      cfg.SplitOptions(),
		EngineOptions:     cfg.EngineOptions(),
	}, outboundCaller(cfg), func(id proto.ServerID) (string, error) {
		addr, ok := cfg.AddrOf(id)
		if !ok {
			return "", errors.New(errors.NotFound, "dirmetad: no address for server %d", id)
		}
		return addr, nil
	})

	registerLogLevel()

	stop := serve(cfg, registry.Handle)
	defer stop()

	var httpSrv *server.HTTPServer
	if cfg.HTTPBindAddr != "" {
		httpSrv = server.NewHTTPServer(registry)
		httpSrv.Serve(cfg.HTTPBindAddr)
		defer httpSrv.Stop()
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch
	log.Info("dirmetad: shutting down")
}

// registerLogLevel exposes the runtime log-level change handler on the
// profile mux.
func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

// outboundCaller builds the Caller dirmetad uses for split-shipping RPCs
// to peer servers (dc.Shipper, wired in server.Registry), matching
// cfg.Transport.
func outboundCaller(cfg *dirconfig.Config) transport.Caller {
	switch cfg.Transport {
	case dirconfig.TransportGRPC:
		return grpcrpc.NewClient(cfg.GRPCOptions())
	default:
		return udp.NewClient(cfg.UDPOptions())
	}
}

// serve starts the configured listener in the background and returns a
// function that stops it cleanly.
func serve(cfg *dirconfig.Config, handler transport.Handler) func() {
	switch cfg.Transport {
	case dirconfig.TransportGRPC:
		srv := grpcrpc.NewServer(handler, metrics.GRPCMetrics)
		lis, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			log.Fatalf("dirmetad: listen %s: %s", cfg.BindAddr, err)
		}
		go func() {
			if err := srv.GRPCServer().Serve(lis); err != nil {
				log.Errorf("dirmetad: grpc serve: %s", err)
			}
		}()
		return srv.GRPCServer().GracefulStop
	default:
		srv, err := udp.Listen(cfg.BindAddr, handler, cfg.UDPOptions())
		if err != nil {
			log.Fatalf("dirmetad: listen %s: %s", cfg.BindAddr, err)
		}
		return func() { srv.Close() }
	}
}
