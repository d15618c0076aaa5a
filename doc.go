// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcwire is the transport core of an RPC stack: length-framed
// messages over stream connections, pluggable transport filters negotiated
// at runtime, a per-connection server session and a client call channel.
//
// # Layers
//
// An Engine owns a worker pool that every I/O completion is delivered on,
// a buffer allocator and a filter registry. Servers and channels are built
// from an engine:
//
//	engine := rpcwire.NewEngine(rpcwire.WithLogger(log))
//	defer engine.Close()
//
//	srv, err := engine.Listen(addr, factory, nil)
//	go srv.Serve(ctx)
//
//	ch := engine.NewChannel(addr)
//	reply, err := ch.Call(ctx, bufs)
//
// Every message is a 4-byte big-endian length followed by the payload. A
// length with the top bit set marks a control frame, which a server sends
// before closing a connection it cannot serve, for example when a message
// exceeds the configured maximum.
//
// Transport filters (TLS, PSK encryption, compression) sit between the
// framing and the socket. They are negotiated per connection and take
// effect at the next message boundary, never in the middle of a message.
//
// # Transport Selection
//
// Dial and Listen give a protocol-agnostic Client and Server on top:
//
//	go build              # wire and json transports
//	go build -tags grpc   # also the gRPC transport
//
// Client usage:
//
//	client, err := rpcwire.Dial(ctx, "localhost:9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	var result MyResponse
//	err = client.Call(ctx, "Service.Method", &MyRequest{...}, &result)
//
//	resp, err := client.CallRaw(ctx, "echo", payload)
//
// Server usage:
//
//	server, err := rpcwire.Listen(":9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server.RegisterRaw("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
//	    return payload, nil
//	})
//	server.Serve(ctx)
//
// Application code should only depend on the Client/Server interfaces,
// making transport selection a deployment decision rather than a code change.
package rpcwire
