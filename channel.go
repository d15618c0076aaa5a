// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/filter"
)

// ChannelState is the state of a CallChannel.
type ChannelState int32

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelWriting
	ChannelReading
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelWriting:
		return "writing"
	case ChannelReading:
		return "reading"
	case ChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Direction tells a progress callback which way bytes are moving.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// ProgressAction is returned by a progress callback.
type ProgressAction int

const (
	ProgressContinue ProgressAction = iota
	ProgressCancel
)

// ProgressFunc is called after every partial transfer with payload byte
// counts, length headers excluded. Returning ProgressCancel aborts the
// operation with ErrClientCancel. It runs with the channel locked and must
// not call back into the channel.
type ProgressFunc func(done, total int, dir Direction) ProgressAction

// CallChannel is the client end of a connection. It runs one operation at a
// time: connect, send, receive, or a whole call. Every operation is tagged
// with the channel's epoch when it starts; Cancel and Close advance the
// epoch, and completions carrying an older epoch are dropped.
//
// The Async methods return at once and report on a reactor worker. The
// blocking methods drive the same state machine and wait for it.
type CallChannel struct {
	engine *Engine
	opts   options
	addr   net.Addr
	log    logrus.FieldLogger

	mu       sync.Mutex
	state    ChannelState
	epoch    uint64
	nextOp   uint64
	op       *operation
	conn     *asyncConn
	chain    *filter.Chain
	sink     *channelSink
	pending  filter.Pending
	progress ProgressFunc
	closed   bool
}

type operation struct {
	id      uint64
	name    string
	connect bool
	send    bool
	receive bool
	bufs    []buffer.Buffer
	done    func(buffer.Buffer, error)
	timer   *time.Timer

	// write side
	writing bool
	out     []buffer.Buffer
	written int
	header  int
	total   int

	// read side
	phase   readPhase
	custom  bool
	control bool
	prefix  int
	hdr     buffer.Buffer
	body    buffer.Buffer
	have    int
}

// channelSink receives the completions of one connection. Its epoch is
// compared with the channel's under the channel lock.
type channelSink struct {
	c     *CallChannel
	epoch uint64
}

func (s *channelSink) OnReadCompleted(buf buffer.Buffer, err error) { s.c.onRead(s, buf, err) }
func (s *channelSink) OnWriteCompleted(n int, err error)            { s.c.onWrite(s, n, err) }

// deferred collects work that must run after the channel lock is released:
// chain operations may complete synchronously and re-enter the channel.
type deferred []func()

func (d *deferred) add(fn func()) { *d = append(*d, fn) }

func (d *deferred) run() {
	for _, fn := range *d {
		fn()
	}
}

// NewChannel returns an unconnected channel to addr.
func (e *Engine) NewChannel(addr net.Addr, opts ...Option) *CallChannel {
	o := e.options(opts)
	return &CallChannel{
		engine:   e,
		opts:     o,
		addr:     addr,
		log:      o.log.WithField("addr", addr.String()),
		progress: o.progress,
	}
}

// Addr returns the address the channel connects to.
func (c *CallChannel) Addr() net.Addr { return c.addr }

// State returns the channel state.
func (c *CallChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ChannelClosed
	}
	return c.state
}

// Epoch returns the current epoch.
func (c *CallChannel) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Connected reports whether the channel holds a connection.
func (c *CallChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SetProgress replaces the progress callback.
func (c *CallChannel) SetProgress(fn ProgressFunc) {
	c.mu.Lock()
	c.progress = fn
	c.mu.Unlock()
}

// TransportFilters returns the IDs of the installed transport filters.
func (c *CallChannel) TransportFilters() []filter.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chain == nil {
		return nil
	}
	return filter.IDs(c.chain.Transport())
}

// SetTransportFilters builds the given transport filters and installs them
// as soon as no operation is in flight, which is at once if the channel is
// idle. The server must have agreed to the same filters.
func (c *CallChannel) SetTransportFilters(ids []filter.ID) error {
	filters, err := c.opts.registry.Build(ids, filter.RoleClient)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.chain == nil {
		c.mu.Unlock()
		for _, f := range filters {
			if cl, ok := f.(io.Closer); ok {
				_ = cl.Close()
			}
		}
		return &Error{Code: CodeClosed, Op: "negotiate", Context: "not connected"}
	}
	c.pending.Propose(filters)
	c.pending.CommitOnNextFlush()
	var d deferred
	if c.op == nil {
		c.commitLocked(&d)
	}
	c.mu.Unlock()
	d.run()
	return nil
}

func (c *CallChannel) commitLocked(d *deferred) {
	if c.chain == nil || !c.pending.Armed() {
		return
	}
	filters, ok := c.pending.Take()
	if !ok {
		return
	}
	old := c.chain
	c.chain = old.Rebuild(filters)
	ids := filter.IDs(filters)
	d.add(func() {
		if err := old.CloseTransport(); err != nil {
			c.log.WithError(err).Warn("releasing retired transport filters")
		}
		c.log.WithField("filters", ids).Debug("installed transport filters")
	})
}

// ConnectAsync connects the channel if it is not connected yet.
func (c *CallChannel) ConnectAsync(done func(error)) {
	c.begin(&operation{name: "connect", connect: true, done: func(_ buffer.Buffer, err error) { done(err) }})
}

// SendAsync writes one message, connecting first if needed.
func (c *CallChannel) SendAsync(bufs []buffer.Buffer, done func(error)) {
	c.begin(&operation{name: "send", connect: true, send: true, bufs: bufs, done: func(_ buffer.Buffer, err error) { done(err) }})
}

// ReceiveAsync reads one message.
func (c *CallChannel) ReceiveAsync(done func(buffer.Buffer, error)) {
	c.begin(&operation{name: "receive", receive: true, done: done})
}

// CallAsync connects if needed, writes the request and reads the response.
func (c *CallChannel) CallAsync(bufs []buffer.Buffer, done func(buffer.Buffer, error)) {
	c.begin(&operation{name: "call", connect: true, send: true, receive: true, bufs: bufs, done: done})
}

// Connect is the blocking form of ConnectAsync.
func (c *CallChannel) Connect(ctx context.Context) error {
	_, err := c.await(ctx, &operation{name: "connect", connect: true})
	return err
}

// Send is the blocking form of SendAsync.
func (c *CallChannel) Send(ctx context.Context, bufs []buffer.Buffer) error {
	_, err := c.await(ctx, &operation{name: "send", connect: true, send: true, bufs: bufs})
	return err
}

// Receive is the blocking form of ReceiveAsync.
func (c *CallChannel) Receive(ctx context.Context) (buffer.Buffer, error) {
	return c.await(ctx, &operation{name: "receive", receive: true})
}

// Call is the blocking form of CallAsync.
func (c *CallChannel) Call(ctx context.Context, bufs []buffer.Buffer) (buffer.Buffer, error) {
	return c.await(ctx, &operation{name: "call", connect: true, send: true, receive: true, bufs: bufs})
}

type result struct {
	buf buffer.Buffer
	err error
}

func (c *CallChannel) await(ctx context.Context, op *operation) (buffer.Buffer, error) {
	ch := make(chan result, 1)
	op.done = func(b buffer.Buffer, err error) { ch <- result{b, err} }
	epoch, id := c.begin(op)
	select {
	case r := <-ch:
		return r.buf, r.err
	case <-ctx.Done():
		code := CodeClientCancel
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = CodeClientTimeout
		}
		c.abort(epoch, id, &Error{Code: code, Op: op.name, Err: ctx.Err()})
		r := <-ch
		return r.buf, r.err
	}
}

// begin starts op and returns the epoch and id it runs under. A rejected
// operation reports through its callback and gets id zero.
func (c *CallChannel) begin(op *operation) (uint64, uint64) {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	switch {
	case c.closed:
		err = &Error{Code: CodeClosed, Op: op.name}
	case c.op != nil:
		err = &Error{Code: CodeBusy, Op: op.name, Context: c.op.name + " in progress"}
	case op.send && buffer.TotalLen(op.bufs) > c.opts.maxMessage:
		err = &Error{
			Code: CodeMessageTooLong,
			Op:   op.name,
			Context: fmt.Sprintf("%s exceeds limit of %s",
				sizestr.ToString(int64(buffer.TotalLen(op.bufs))), sizestr.ToString(int64(c.opts.maxMessage))),
		}
	}
	if err != nil {
		c.deliver(&d, op, buffer.Buffer{}, err)
		return c.epoch, 0
	}

	c.nextOp++
	op.id = c.nextOp
	c.op = op
	epoch := c.epoch
	if c.opts.timeout > 0 {
		op.timer = time.AfterFunc(c.opts.timeout, func() { c.onTimeout(epoch, op.id) })
	}
	c.commitLocked(&d)
	c.nextLocked(op, &d)
	return epoch, op.id
}

// nextLocked issues the next step of op.
func (c *CallChannel) nextLocked(op *operation, d *deferred) {
	switch {
	case c.conn == nil:
		if !op.connect {
			c.finishLocked(op, buffer.Buffer{}, &Error{Code: CodeClosed, Op: op.name, Context: "not connected"}, false, d)
			return
		}
		op.connect = false
		c.state = ChannelConnecting
		epoch, id := c.epoch, op.id
		d.add(func() { go c.dial(epoch, id) })

	case op.send:
		op.send = false
		if c.chain.CustomFraming() {
			if e := checkCustomFrame(op.name, op.bufs); e != nil {
				c.finishLocked(op, buffer.Buffer{}, e, false, d)
				return
			}
		}
		op.writing = true
		op.out = op.bufs
		if !c.chain.CustomFraming() {
			op.out = frameMessage(op.bufs)
		}
		op.total = buffer.TotalLen(op.bufs)
		op.header = buffer.TotalLen(op.out) - op.total
		c.state = ChannelWriting
		chain, out := c.chain, op.out
		d.add(func() { chain.Write(out) })

	case op.receive:
		op.receive = false
		op.phase = phaseLength
		op.custom = c.chain.CustomFraming()
		op.hdr = c.opts.alloc.Alloc(LengthSize)
		op.have = 0
		c.state = ChannelReading
		c.readLocked(op, d)

	default:
		c.finishLocked(op, buffer.Buffer{}, nil, false, d)
	}
}

func (c *CallChannel) readLocked(op *operation, d *deferred) {
	var (
		buf buffer.Buffer
		n   int
	)
	if op.phase == phaseLength {
		buf, n = op.hdr.Slice(op.have, buffer.All), LengthSize-op.have
	} else {
		buf, n = op.body.Slice(op.have, buffer.All), op.body.Len()-op.have
	}
	chain := c.chain
	d.add(func() { chain.Read(buf, n) })
}

// finishLocked ends op and schedules its callback. With teardown set the
// connection is dropped as well.
func (c *CallChannel) finishLocked(op *operation, buf buffer.Buffer, err error, teardown bool, d *deferred) {
	if op.timer != nil {
		op.timer.Stop()
	}
	if c.op == op {
		c.op = nil
	}
	c.state = ChannelIdle
	if teardown {
		c.teardownLocked(d)
	} else {
		c.commitLocked(d)
	}
	if err != nil && !errors.Is(err, ErrClientCancel) {
		c.log.WithError(err).WithField("op", op.name).Debug("operation failed")
	}
	c.deliver(d, op, buf, err)
}

func (c *CallChannel) deliver(d *deferred, op *operation, buf buffer.Buffer, err error) {
	done := op.done
	metrics := c.opts.metrics
	r := c.engine.reactor
	d.add(func() {
		metrics.call(err)
		r.Dispatch(func() { done(buf, err) })
	})
}

// teardownLocked drops the connection. Completions still in flight on it
// carry a stale epoch from here on.
func (c *CallChannel) teardownLocked(d *deferred) {
	c.epoch++
	if c.conn == nil {
		return
	}
	conn, chain := c.conn, c.chain
	c.conn, c.chain, c.sink = nil, nil, nil
	d.add(func() {
		c.pending.Discard()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.WithError(err).Debug("closing connection")
		}
		if err := chain.Close(); err != nil {
			c.log.WithError(err).Warn("releasing filters")
		}
	})
}

func (c *CallChannel) dial(epoch, id uint64) {
	conn, err := c.opts.dialer(c.addr, c.opts.wrappers...)
	c.engine.reactor.Dispatch(func() { c.onConnected(epoch, id, conn, osError("dial", err)) })
}

func (c *CallChannel) onConnected(epoch, id uint64, conn net.Conn, err error) {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.op
	if epoch != c.epoch || op == nil || op.id != id {
		if conn != nil {
			d.add(func() { _ = conn.Close() })
		}
		return
	}
	if err != nil {
		c.finishLocked(op, buffer.Buffer{}, err, false, &d)
		return
	}
	wire, err := c.engine.wireFilters(c.opts, filter.RoleClient)
	if err != nil {
		d.add(func() { _ = conn.Close() })
		c.finishLocked(op, buffer.Buffer{}, fmt.Errorf("building %s wire filters: %w", c.opts.wire, err), false, &d)
		return
	}
	c.conn = newAsyncConn(conn, c.engine.reactor, c.opts.alloc)
	c.sink = &channelSink{c: c, epoch: c.epoch}
	c.chain = filter.NewChain(c.conn, c.sink, c.opts.wire, nil, wire)
	c.log.WithField("local", conn.LocalAddr().String()).Debug("connected")
	c.nextLocked(op, &d)
}

// currentLocked returns the live operation a completion on sink belongs to.
func (c *CallChannel) currentLocked(sink *channelSink) *operation {
	if c.sink != sink || sink.epoch != c.epoch {
		return nil
	}
	return c.op
}

func (c *CallChannel) onWrite(sink *channelSink, n int, err error) {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.currentLocked(sink)
	if op == nil || !op.writing {
		return
	}
	if err != nil {
		err = c.chain.HandleError(err)
	}
	if err != nil {
		c.finishLocked(op, buffer.Buffer{}, err, true, &d)
		return
	}
	op.written += n
	if !c.reportLocked(op, max(op.written-op.header, 0), op.total, DirectionSend, &d) {
		return
	}
	if rest := buffer.Advance(op.out, op.written); rest != nil {
		chain := c.chain
		d.add(func() { chain.Write(rest) })
		return
	}
	op.writing = false
	op.out = nil
	c.opts.metrics.frame("out", buffer.TotalLen(op.bufs))
	c.nextLocked(op, &d)
}

func (c *CallChannel) onRead(sink *channelSink, buf buffer.Buffer, err error) {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.currentLocked(sink)
	if op == nil || (op.phase != phaseLength && op.phase != phaseBody) {
		return
	}
	if err != nil {
		if err = c.chain.HandleError(err); err != nil {
			c.finishLocked(op, buffer.Buffer{}, err, true, &d)
			return
		}
		c.readLocked(op, &d)
		return
	}

	switch op.phase {
	case phaseLength:
		op.have += buffer.CopyAt(op.hdr, op.have, buf)
		if op.custom {
			if fs := c.chain.FrameSize(); fs > 0 && fs < LengthSize && op.have >= fs {
				err := &Error{Code: CodeProtocolError, Op: "read", Context: fmt.Sprintf("custom frame of %d bytes is shorter than %d", fs, LengthSize)}
				c.finishLocked(op, buffer.Buffer{}, err, true, &d)
				return
			}
		}
		if op.have < LengthSize {
			c.readLocked(op, &d)
			return
		}
		if err := c.beginBodyLocked(op); err != nil {
			c.finishLocked(op, buffer.Buffer{}, err, true, &d)
			return
		}
		if op.have == op.body.Len() {
			c.completeLocked(op, op.body, &d)
			return
		}
		c.readLocked(op, &d)

	case phaseBody:
		op.have += buffer.CopyAt(op.body, op.have, buf)
		if !c.reportLocked(op, op.have-op.prefix, op.body.Len()-op.prefix, DirectionReceive, &d) {
			return
		}
		if op.have < op.body.Len() {
			c.readLocked(op, &d)
			return
		}
		c.completeLocked(op, op.body, &d)
	}
}

func (c *CallChannel) beginBodyLocked(op *operation) error {
	var n int
	if op.custom {
		n = c.chain.FrameSize()
		if n < LengthSize {
			return &Error{Code: CodeProtocolError, Op: "read", Context: "frame size unknown after bootstrap read"}
		}
		op.prefix = 0
	} else {
		n, op.control = decodeLength(op.hdr.Bytes())
		if op.control && n > LengthSize+maxErrorContext {
			return &Error{Code: CodeProtocolError, Op: "read", Context: "oversized control frame"}
		}
		op.prefix = LengthSize
	}
	if n > c.opts.maxMessage {
		return &Error{
			Code: CodeMessageTooLong,
			Op:   "read",
			Context: fmt.Sprintf("response of %s exceeds limit of %s",
				sizestr.ToString(int64(n)), sizestr.ToString(int64(c.opts.maxMessage))),
		}
	}
	op.phase = phaseBody
	op.body = c.opts.alloc.Alloc(op.prefix + n)
	op.have = buffer.CopyAt(op.body, 0, op.hdr)
	op.hdr = buffer.Buffer{}
	return nil
}

func (c *CallChannel) completeLocked(op *operation, frame buffer.Buffer, d *deferred) {
	op.phase = phaseStopped
	switch {
	case op.control:
		c.finishLocked(op, buffer.Buffer{}, parseControl(frame.Bytes()[LengthSize:]), true, d)
		return
	case op.custom && isControlBody(frame.Bytes()):
		c.finishLocked(op, buffer.Buffer{}, parseControl(frame.Bytes()[LengthSize:]), true, d)
		return
	}
	payload := frame.Slice(op.prefix, buffer.All)
	c.opts.metrics.frame("in", payload.Len())
	c.finishLocked(op, payload, nil, false, d)
}

// reportLocked runs the progress callback. It returns false if the callback
// cancelled op.
func (c *CallChannel) reportLocked(op *operation, done, total int, dir Direction, d *deferred) bool {
	if c.progress == nil {
		return true
	}
	if c.progress(done, total, dir) != ProgressCancel {
		return true
	}
	c.finishLocked(op, buffer.Buffer{}, &Error{Code: CodeClientCancel, Op: op.name, Context: "cancelled by progress callback"}, true, d)
	return false
}

func (c *CallChannel) onTimeout(epoch, id uint64) {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.op
	if epoch != c.epoch || op == nil || op.id != id {
		return
	}
	code := CodeClientTimeout
	if c.state == ChannelConnecting {
		code = CodeConnectTimeout
	}
	c.finishLocked(op, buffer.Buffer{}, &Error{Code: code, Op: op.name, Context: c.opts.timeout.String()}, true, &d)
}

// abort ends the operation identified by epoch and id with err, if it is
// still running.
func (c *CallChannel) abort(epoch, id uint64, err error) {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.op
	if epoch != c.epoch || op == nil || op.id != id {
		return
	}
	c.finishLocked(op, buffer.Buffer{}, err, true, &d)
}

// Cancel advances the epoch by one. An operation in flight fails with
// ErrClientCancel and the connection is dropped; the next operation
// reconnects.
func (c *CallChannel) Cancel() {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	if op := c.op; op != nil {
		// teardown advances the epoch
		c.finishLocked(op, buffer.Buffer{}, &Error{Code: CodeClientCancel, Op: op.name}, true, &d)
		return
	}
	c.epoch++
	if c.sink != nil {
		// Nothing is in flight on the connection, so it stays usable.
		c.sink.epoch = c.epoch
	}
}

// Close cancels any operation in flight and drops the connection.
func (c *CallChannel) Close() error {
	var d deferred
	defer d.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if op := c.op; op != nil {
		c.finishLocked(op, buffer.Buffer{}, &Error{Code: CodeClientCancel, Op: op.name, Context: "channel closed"}, true, &d)
	} else {
		c.teardownLocked(&d)
	}
	c.state = ChannelClosed
	return nil
}
