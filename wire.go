// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/codec"
	"github.com/luxfi/rpcwire/filter"
)

// MessageType identifies wire envelope types
type MessageType uint8

const (
	MsgRequest   MessageType = 0x01
	MsgResponse  MessageType = 0x02
	MsgError     MessageType = 0x03
	MsgNotify    MessageType = 0x04
	MsgNegotiate MessageType = 0x05
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgError:
		return "error"
	case MsgNotify:
		return "notify"
	case MsgNegotiate:
		return "negotiate"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// RuntimeVersion is the envelope version written by this package.
const RuntimeVersion = 1

// envelope is one message of the wire transport:
//
//	[protocol u8][type varint][reqID varint][method string][body]
//
// protocol names the codec the body was encoded with.
type envelope struct {
	proto  codec.ProtocolID
	typ    MessageType
	id     uint64
	method string
	body   buffer.Buffer
}

// encodeEnvelope lays env out behind a length-sized margin. The body is
// spliced in, not copied.
func encodeEnvelope(env envelope) ([]buffer.Buffer, error) {
	out := codec.NewOut(0)
	out.Reset(env.proto, LengthSize, buffer.Buffer{}, RuntimeVersion, codec.ArchiveVersion)
	defer out.Clear()

	if _, err := out.Write([]byte{byte(env.proto)}); err != nil {
		return nil, err
	}
	if err := out.WriteUvarint(uint64(env.typ)); err != nil {
		return nil, err
	}
	if err := out.WriteUvarint(env.id); err != nil {
		return nil, err
	}
	if err := out.WriteString(env.method); err != nil {
		return nil, err
	}
	out.Insert(env.body)
	return out.ExtractByteBuffers(), nil
}

func decodeEnvelope(payload buffer.Buffer) (envelope, error) {
	p := payload.Bytes()
	if len(p) == 0 {
		return envelope{}, &Error{Code: CodeProtocolError, Op: "decode", Context: "empty message"}
	}
	env := envelope{proto: codec.ProtocolID(p[0])}
	if _, ok := codec.Lookup(env.proto); !ok {
		return envelope{}, &Error{Code: CodeProtocolError, Op: "decode", Context: fmt.Sprintf("unknown codec protocol %d", p[0])}
	}

	var in codec.In
	if err := in.Reset(payload.Slice(1, buffer.All), env.proto, RuntimeVersion, codec.ArchiveVersion); err != nil {
		return envelope{}, &Error{Code: CodeVersionMismatch, Op: "decode", Err: err}
	}
	typ, err := in.ReadUvarint()
	if err != nil {
		return envelope{}, &Error{Code: CodeProtocolError, Op: "decode", Err: err}
	}
	if env.id, err = in.ReadUvarint(); err != nil {
		return envelope{}, &Error{Code: CodeProtocolError, Op: "decode", Err: err}
	}
	if env.method, err = in.ReadString(); err != nil {
		return envelope{}, &Error{Code: CodeProtocolError, Op: "decode", Err: err}
	}
	env.typ = MessageType(typ)
	env.body = in.Rest()
	return env, nil
}

// WireClient is a Client over a CallChannel. Calls are serialized; a call
// that fails on the transport is retried on a fresh connection when
// retries are enabled.
type WireClient struct {
	engine  *Engine
	ch      *CallChannel
	codec   Codec
	proto   codec.ProtocolID
	filters []filter.ID
	retries int
	log     logrus.FieldLogger

	mu     sync.Mutex
	nextID uint64
}

var _ Client = (*WireClient)(nil)

func dialWire(ctx context.Context, addr string, o *dialOptions) (Client, error) {
	return newWireClient(ctx, addr, o)
}

// DialWire connects a WireClient to addr.
func DialWire(ctx context.Context, addr string, opts ...DialOption) (*WireClient, error) {
	o := &dialOptions{codec: defaultCodec}
	for _, opt := range opts {
		opt(o)
	}
	return newWireClient(ctx, addr, o)
}

func newWireClient(ctx context.Context, addr string, o *dialOptions) (*WireClient, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, osError("resolve", err)
	}

	engine := NewEngine(o.wire...)
	c := &WireClient{
		engine:  engine,
		ch:      engine.NewChannel(tcpAddr),
		codec:   o.codec,
		proto:   protocolOf(o.codec),
		filters: engine.opts.filters,
		retries: o.retries,
		log:     engine.opts.log.WithField("addr", tcpAddr.String()),
	}

	c.mu.Lock()
	err = c.ensureConnectedLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return nil, multierror.Append(err, c.ch.Close(), engine.Close()).ErrorOrNil()
	}
	return c, nil
}

// Channel returns the channel the client calls over.
func (c *WireClient) Channel() *CallChannel { return c.ch }

// Engine returns the client's engine.
func (c *WireClient) Engine() *Engine { return c.engine }

// Call encodes args, calls method and decodes the answer into reply.
func (c *WireClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	body, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("encoding arguments of %s: %w", method, err)
	}
	resp, err := c.CallRaw(ctx, method, body)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return c.codec.Decode(resp, reply)
}

// CallRaw calls method with a pre-encoded payload.
func (c *WireClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	env, err := c.do(ctx, MsgRequest, method, payload)
	if err != nil {
		return nil, err
	}
	return env.body.Bytes(), nil
}

// Notify sends a one-way message.
func (c *WireClient) Notify(ctx context.Context, method string, args interface{}) error {
	body, err := c.codec.Encode(args)
	if err != nil {
		return fmt.Errorf("encoding arguments of %s: %w", method, err)
	}
	_, err = c.do(ctx, MsgNotify, method, body)
	return err
}

// RequestTransportFilters asks the server to install ids and installs
// them locally once it agreed. The filters are negotiated again after a
// reconnect.
func (c *WireClient) RequestTransportFilters(ctx context.Context, ids ...filter.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = slices.Clone(ids)
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	return c.negotiateLocked(ctx)
}

// Close closes the channel and the engine.
func (c *WireClient) Close() error {
	var result *multierror.Error
	if err := c.ch.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *WireClient) do(ctx context.Context, typ MessageType, method string, body []byte) (envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 0; ; attempt++ {
		env, err := c.roundTripLocked(ctx, typ, method, body)
		c.engine.opts.metrics.call(err)
		if err == nil || attempt >= c.retries || !retryable(err) {
			return env, err
		}
		wait := b.Duration()
		c.log.WithError(err).WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt + 1,
			"wait":    wait,
		}).Debug("retrying call")
		select {
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// retryable reports whether err left the request unanswered because of
// the connection rather than the request.
func retryable(err error) bool {
	return errors.Is(err, ErrPeerDisconnect) ||
		errors.Is(err, ErrSocket) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrResolve)
}

func (c *WireClient) roundTripLocked(ctx context.Context, typ MessageType, method string, body []byte) (envelope, error) {
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return envelope{}, err
	}
	if !slices.Equal(c.ch.TransportFilters(), c.filters) {
		if err := c.negotiateLocked(ctx); err != nil {
			return envelope{}, err
		}
	}

	c.nextID++
	id := c.nextID
	bufs, err := encodeEnvelope(envelope{
		proto:  c.proto,
		typ:    typ,
		id:     id,
		method: method,
		body:   buffer.Wrap(body),
	})
	if err != nil {
		return envelope{}, &Error{Code: CodeProtocolError, Op: method, Err: err}
	}
	if typ == MsgNotify {
		return envelope{}, c.ch.Send(ctx, bufs)
	}

	payload, err := c.ch.Call(ctx, bufs)
	if err != nil {
		return envelope{}, err
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		return envelope{}, err
	}
	if env.id != id {
		return envelope{}, &Error{
			Code:    CodeProtocolError,
			Op:      method,
			Context: fmt.Sprintf("answer to request %d, want %d", env.id, id),
		}
	}
	switch env.typ {
	case MsgResponse:
		return env, nil
	case MsgError:
		return envelope{}, &Error{Code: CodeRemote, Op: method, Context: string(env.body.Bytes())}
	default:
		return envelope{}, &Error{Code: CodeProtocolError, Op: method, Context: "unexpected " + env.typ.String()}
	}
}

func (c *WireClient) ensureConnectedLocked(ctx context.Context) error {
	if c.ch.Connected() {
		return nil
	}
	if err := c.ch.Connect(ctx); err != nil {
		return err
	}
	if len(c.filters) == 0 {
		return nil
	}
	return c.negotiateLocked(ctx)
}

func (c *WireClient) negotiateLocked(ctx context.Context) error {
	c.nextID++
	id := c.nextID
	bufs, err := encodeEnvelope(envelope{
		proto: c.proto,
		typ:   MsgNegotiate,
		id:    id,
		body:  buffer.Wrap(filter.EncodeRequest(c.filters)),
	})
	if err != nil {
		return &Error{Code: CodeProtocolError, Op: "negotiate", Err: err}
	}
	payload, err := c.ch.Call(ctx, bufs)
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		return err
	}
	if env.typ != MsgResponse || env.id != id {
		return &Error{Code: CodeProtocolError, Op: "negotiate", Context: "unexpected " + env.typ.String()}
	}
	status, err := filter.DecodeStatus(env.body.Bytes())
	if err != nil {
		return &Error{Code: CodeProtocolError, Op: "negotiate", Err: err}
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("negotiating %v: %w", c.filters, err)
	}
	return c.ch.SetTransportFilters(c.filters)
}

// WireServer is a Server over the session layer. Every session handles one
// request at a time; the handler runs on its own goroutine and the session
// resumes reading once the answer has been written.
type WireServer struct {
	engine *Engine
	srv    *SessionServer
	codec  Codec
	log    logrus.FieldLogger

	handlers handlerSet
}

var (
	_ Server         = (*WireServer)(nil)
	_ SessionFactory = (*WireServer)(nil)
	_ Dispatcher     = (*WireServer)(nil)
	_ SessionCloser  = (*WireServer)(nil)
)

func listenWire(addr string, o *serverOptions) (Server, error) {
	return newWireServer(addr, o)
}

// ListenWire starts a WireServer listening on addr.
func ListenWire(addr string, opts ...ServerOption) (*WireServer, error) {
	o := &serverOptions{codec: defaultCodec}
	for _, opt := range opts {
		opt(o)
	}
	return newWireServer(addr, o)
}

func newWireServer(addr string, o *serverOptions) (*WireServer, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, osError("resolve", err)
	}

	engine := NewEngine(o.wire...)
	ws := &WireServer{
		engine: engine,
		codec:  o.codec,
		log:    engine.opts.log,
	}
	srv, err := engine.Listen(tcpAddr, ws, nil)
	if err != nil {
		return nil, multierror.Append(err, engine.Close()).ErrorOrNil()
	}
	ws.srv = srv
	return ws, nil
}

// Engine returns the server's engine.
func (ws *WireServer) Engine() *Engine { return ws.engine }

// Sessions returns the live sessions.
func (ws *WireServer) Sessions() []*Session { return ws.srv.Sessions() }

// RegisterRaw registers a handler that receives and returns raw bytes.
func (ws *WireServer) RegisterRaw(method string, handler RawHandler) error {
	return ws.handlers.addRaw(method, handler)
}

// Register publishes the methods of handler shaped like net/rpc methods,
// optionally taking a context first, as "name.Method".
func (ws *WireServer) Register(name string, handler interface{}) error {
	return ws.handlers.addService(name, handler)
}

// codecFor returns the server codec if it speaks proto.
func (ws *WireServer) codecFor(proto codec.ProtocolID) Codec {
	if protocolOf(ws.codec) == proto {
		return ws.codec
	}
	return ProtocolCodec{ID: proto}
}

// Serve accepts connections until ctx is done or the server is closed.
func (ws *WireServer) Serve(ctx context.Context) error {
	return ws.srv.Serve(ctx)
}

// Close closes the listener, every session and the engine.
func (ws *WireServer) Close() error {
	var result *multierror.Error
	if err := ws.srv.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := ws.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Addr returns the listen address.
func (ws *WireServer) Addr() string { return ws.srv.Addr().String() }

// CreateSession implements SessionFactory.
func (ws *WireServer) CreateSession(*Session) (Dispatcher, error) { return ws, nil }

// OnSessionClosed implements SessionCloser.
func (ws *WireServer) OnSessionClosed(s *Session, err error) {
	s.Logger().WithError(err).Debug("session closed")
}

// OnMessageReady implements Dispatcher.
func (ws *WireServer) OnMessageReady(s *Session, payload buffer.Buffer) bool {
	env, err := decodeEnvelope(payload)
	if err != nil {
		s.Logger().WithError(err).Warn("malformed envelope")
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Code: CodeProtocolError}
		}
		s.sendError(e.Code, err.Error())
		return true
	}

	switch env.typ {
	case MsgRequest:
		go ws.serve(s, env)
		return true

	case MsgNotify:
		fn, ok := ws.handlers.lookup(env.method)
		if !ok {
			s.Logger().WithField("method", env.method).Debug("notification for unknown method")
			return false
		}
		go func() {
			if _, err := fn(s.Context(), ws.codecFor(env.proto), env.body.Bytes()); err != nil {
				s.Logger().WithError(err).WithField("method", env.method).Debug("notification failed")
			}
		}()
		return false

	case MsgNegotiate:
		status := filter.StatusUnknownFilter
		if ids, err := filter.DecodeRequest(env.body.Bytes()); err == nil {
			status = s.ProposeTransport(ids)
		}
		ws.reply(s, envelope{
			proto: env.proto,
			typ:   MsgResponse,
			id:    env.id,
			body:  buffer.Wrap(filter.EncodeStatus(status)),
		})
		return true

	default:
		s.sendError(CodeProtocolError, "unexpected "+env.typ.String())
		return true
	}
}

func (ws *WireServer) serve(s *Session, req envelope) {
	resp := envelope{proto: req.proto, typ: MsgResponse, id: req.id, method: req.method}

	fn, ok := ws.handlers.lookup(req.method)
	if !ok {
		resp.typ = MsgError
		resp.body = buffer.Wrap([]byte("method not found: " + req.method))
		ws.reply(s, resp)
		return
	}

	out, err := fn(s.Context(), ws.codecFor(req.proto), req.body.Bytes())
	if err != nil {
		resp.typ = MsgError
		resp.body = buffer.Wrap([]byte(err.Error()))
	} else {
		resp.body = buffer.Wrap(out)
	}
	ws.reply(s, resp)
}

// reply writes resp, replacing it with an error answer when it cannot be
// sent.
func (ws *WireServer) reply(s *Session, resp envelope) {
	bufs, err := encodeEnvelope(resp)
	if err == nil {
		err = s.Reply(bufs)
	}
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}

	s.Logger().WithError(err).WithField("method", resp.method).Warn("replying")
	resp.typ = MsgError
	resp.body = buffer.Wrap([]byte(err.Error()))
	if bufs, err = encodeEnvelope(resp); err == nil {
		err = s.Reply(bufs)
	}
	if err != nil {
		s.fail(err)
	}
}
