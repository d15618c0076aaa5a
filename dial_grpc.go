//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

// rawCodec hands message bytes to gRPC unchanged; the Codec of the client
// or server does the encoding.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "rpcwire-raw" }

// grpcMethod maps "Service.Method" to the gRPC path "/Service/Method".
func grpcMethod(method string) string {
	if strings.HasPrefix(method, "/") {
		return method
	}
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		return "/" + method[:i] + "/" + method[i+1:]
	}
	return "/" + method
}

// methodName is the inverse of grpcMethod.
func methodName(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i] + "." + path[i+1:]
	}
	return path
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &grpcClient{conn: conn, codec: o.codec}, nil
}

type grpcClient struct {
	conn  *grpc.ClientConn
	codec Codec
}

func (c *grpcClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("encoding arguments of %s: %w", method, err)
	}
	resp, err := c.CallRaw(ctx, method, body)
	if err != nil || reply == nil {
		return err
	}
	return c.codec.Decode(resp, reply)
}

func (c *grpcClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var resp []byte
	err := c.conn.Invoke(ctx, grpcMethod(method), &payload, &resp)
	return resp, err
}

func (c *grpcClient) Notify(ctx context.Context, method string, args interface{}) error {
	return c.Call(ctx, method, args, nil)
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

// grpcServer routes every gRPC method to the handler registered under its
// dotted name.
type grpcServer struct {
	ln       net.Listener
	srv      *grpc.Server
	codec    Codec
	handlers handlerSet
	log      logrus.FieldLogger
}

func listenGRPC(addr string, o *serverOptions) (Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, osError("listen", err)
	}
	s := &grpcServer{
		ln:    ln,
		codec: o.codec,
		log:   defaultOptions().with(o.wire).log.WithField("addr", ln.Addr().String()),
	}
	s.srv = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(s.handle),
	)
	return s, nil
}

func (s *grpcServer) handle(_ any, stream grpc.ServerStream) error {
	path, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	fn, ok := s.handlers.lookup(methodName(path))
	if !ok {
		return status.Errorf(codes.Unimplemented, "method not found: %s", path)
	}

	var in []byte
	if err := stream.RecvMsg(&in); err != nil {
		return err
	}
	out, err := fn(stream.Context(), s.codec, in)
	if err != nil {
		return status.Error(codes.Unknown, err.Error())
	}
	return stream.SendMsg(&out)
}

func (s *grpcServer) Register(name string, handler interface{}) error {
	return s.handlers.addService(name, handler)
}

func (s *grpcServer) RegisterRaw(method string, handler RawHandler) error {
	return s.handlers.addRaw(method, handler)
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.srv.GracefulStop)
	defer stop()

	s.log.Info("serving grpc")
	err := s.srv.Serve(s.ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *grpcServer) Close() error {
	s.srv.Stop()
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *grpcServer) Addr() string { return s.ln.Addr().String() }
