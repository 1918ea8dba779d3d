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

// Package grpcrpc is dirmeta's optional transport backend: the same
// {op, err, payload} call moved over google.golang.org/grpc instead of
// raw UDP datagrams, for deployments that want HTTP/2 multiplexing,
// TLS and grpc's connection management. Since the RPC payload is opaque
// bytes, there are no generated .proto stubs: a raw codec and
// a hand-built grpc.ServiceDesc stand in for protoc-gen-go, with
// grpcprometheus.ServerMetrics wired directly onto the server.
package grpcrpc

import (
	"context"
	"time"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/cubefs/dirmeta/errors"
	"github.com/cubefs/dirmeta/proto"
	"github.com/cubefs/dirmeta/transport"
)

// codecName is registered as a grpc content-subtype so both ends agree
// to skip protobuf marshaling entirely: the wire bytes produced by
// transport.EncodeRequest/EncodeResponse pass straight through.
const codecName = "dirmetaraw"

// rawCodec implements google.golang.org/grpc/encoding.Codec over plain
// []byte, since dirmeta's envelope encoding (transport.EncodeRequest/
// EncodeResponse) already produces wire-ready bytes.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*rawMessage)
	if !ok {
		return nil, errors.New(errors.InvalidArgument, "grpcrpc: codec given non-raw message")
	}
	return b.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*rawMessage)
	if !ok {
		return errors.New(errors.InvalidArgument, "grpcrpc: codec given non-raw message")
	}
	b.data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

type rawMessage struct{ data []byte }

const serviceName = "dirmeta.Transport"
const methodName = "Call"

// callFullMethod is what Client dials; it must match serviceDesc below.
var callFullMethod = "/" + serviceName + "/" + methodName

// serviceDesc is the hand-built equivalent of what protoc-gen-go-grpc
// would generate for a one-method "Call(bytes) returns (bytes)" service.
func serviceDesc(handler transport.Handler) grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: methodName,
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
					in := new(rawMessage)
					if err := dec(in); err != nil {
						return nil, err
					}
					run := func(ctx context.Context, req interface{}) (interface{}, error) {
						r := req.(*rawMessage)
						request, err := transport.DecodeRequest(r.data)
						if err != nil {
							return nil, status.Error(codes.InvalidArgument, err.Error())
						}
						resp, err := handler(ctx, request)
						if err != nil {
							resp = &proto.Response{Op: request.Op, Err: err.Error()}
						}
						return &rawMessage{data: transport.EncodeResponse(resp)}, nil
					}
					if interceptor == nil {
						return run(ctx, in)
					}
					info := &grpc.UnaryServerInfo{Server: nil, FullMethod: callFullMethod}
					return interceptor(ctx, in, info, run)
				},
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "dirmeta/transport.proto",
	}
}

// Options configures the grpcrpc backend.
type Options struct {
	Timeout time.Duration // default proto.DefaultRPCTimeout seconds
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = proto.DefaultRPCTimeout * time.Second
	}
}

// Server wraps a *grpc.Server registered with the hand-built service
// desc and instrumented with grpc-ecosystem/go-grpc-prometheus.
type Server struct {
	grpcServer *grpc.Server
}

// NewServer builds a grpc.Server serving handler as the single dirmeta
// RPC method, with serverMetrics (may be nil) instrumenting every call.
func NewServer(handler transport.Handler, serverMetrics *grpcprometheus.ServerMetrics) *Server {
	var opts []grpc.ServerOption
	if serverMetrics != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(serverMetrics.UnaryServerInterceptor()))
	}
	s := grpc.NewServer(opts...)
	desc := serviceDesc(handler)
	s.RegisterService(&desc, nil)
	if serverMetrics != nil {
		serverMetrics.InitializeMetrics(s)
	}
	return &Server{grpcServer: s}
}

// GRPCServer exposes the underlying *grpc.Server so cmd/dirmetad can
// call Serve(net.Listener)/GracefulStop directly.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// Client issues RPC calls to a dirmeta grpcrpc server. One *grpc.ClientConn
// per remote address, dialed lazily and cached.
type Client struct {
	opts Options
	dial func(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error)

	mu    chanMutex
	conns map[string]*grpc.ClientConn
}

type chanMutex chan struct{}

func (m chanMutex) Lock()   { m <- struct{}{} }
func (m chanMutex) Unlock() { <-m }

// NewClient builds a Client using grpc.Dial for connection management
// (grpc's own backoff/keepalive; the UDP backend sends each datagram
// once and does not retransmit).
func NewClient(opts Options) *Client {
	opts.setDefaults()
	m := make(chanMutex, 1)
	return &Client{opts: opts, dial: grpc.Dial, mu: m, conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}
	cc, err := c.dial(addr, grpc.WithInsecure(), grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, errors.Wrap(errors.Disconnected, err, "grpcrpc: dial %s", addr)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) Call(ctx context.Context, addr string, req *proto.Request) (*proto.Response, error) {
	cc, err := c.connFor(addr)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	in := &rawMessage{data: transport.EncodeRequest(req)}
	out := new(rawMessage)
	err = cc.Invoke(ctx, callFullMethod, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, errors.Wrap(errors.Disconnected, err, "grpcrpc: call %s", addr)
	}
	return transport.DecodeResponse(out.data)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
