// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/sizestr"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/rpcwire/buffer"
	"github.com/luxfi/rpcwire/filter"
)

// SessionState is the externally visible state of a server session.
type SessionState int32

const (
	StateReady SessionState = iota
	StateAccepting
	StateReadingLength
	StateReadingBody
	StateWritingBody
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAccepting:
		return "accepting"
	case StateReadingLength:
		return "reading length"
	case StateReadingBody:
		return "reading body"
	case StateWritingBody:
		return "writing body"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dispatcher receives the messages of one session.
//
// OnMessageReady runs on a reactor worker and owns payload afterwards. It
// returns true when it will answer with Session.Reply; the session then
// reads nothing more until that reply has been written.
type Dispatcher interface {
	OnMessageReady(s *Session, payload buffer.Buffer) (replyPending bool)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(s *Session, payload buffer.Buffer) bool

func (f DispatcherFunc) OnMessageReady(s *Session, payload buffer.Buffer) bool {
	return f(s, payload)
}

// SessionCloser is implemented by dispatchers that want to know when their
// session ends. err is nil for a local Close.
type SessionCloser interface {
	OnSessionClosed(s *Session, err error)
}

// SessionFactory creates the dispatcher of every accepted connection.
type SessionFactory interface {
	CreateSession(s *Session) (Dispatcher, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func(s *Session) (Dispatcher, error)

func (f SessionFactoryFunc) CreateSession(s *Session) (Dispatcher, error) { return f(s) }

type readPhase int

const (
	phaseProbe readPhase = iota
	phaseLength
	phaseBody
	phaseDispatch
	phaseStopped
)

type outMsg struct {
	bufs []buffer.Buffer
	// raw messages are sent as they are, without a length header.
	raw        bool
	reply      bool
	commit     bool
	closeAfter bool
	cause      error
}

// Session frames the messages of one accepted connection. One read and one
// write are outstanding at most; further sends queue behind the current
// write in order.
type Session struct {
	id         uuid.UUID
	server     *SessionServer
	conn       *asyncConn
	log        logrus.FieldLogger
	metrics    *Metrics
	alloc      buffer.Allocator
	maxLen     int
	negotiator *filter.Negotiator
	dispatcher Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	chain         *filter.Chain
	pending       filter.Pending
	rstate        SessionState
	phase         readPhase
	custom        bool
	control       bool
	hdr           buffer.Buffer
	body          buffer.Buffer
	have          int
	awaitingReply bool
	replyDone     bool
	commitOnReply bool

	writing bool
	cur     outMsg
	out     []buffer.Buffer
	written int
	queue   []outMsg

	closed   bool
	closeErr error
}

func newSession(srv *SessionServer, conn net.Conn) (*Session, error) {
	o := srv.opts
	s := &Session{
		id:         uuid.New(),
		server:     srv,
		conn:       newAsyncConn(conn, srv.engine.reactor, o.alloc),
		metrics:    o.metrics,
		alloc:      o.alloc,
		maxLen:     o.maxMessage,
		negotiator: filter.NewNegotiator(o.registry, filter.RoleServer, o.allowed...),
		rstate:     StateAccepting,
	}
	s.log = o.log.WithFields(logrus.Fields{
		"session": s.id.String(),
		"remote":  conn.RemoteAddr().String(),
	})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	wire, err := srv.engine.wireFilters(o, filter.RoleServer)
	if err != nil {
		return nil, fmt.Errorf("building %s wire filters: %w", o.wire, err)
	}
	s.chain = filter.NewChain(s.conn, s, o.wire, nil, wire)
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }

// Logger returns the session's logger.
func (s *Session) Logger() logrus.FieldLogger { return s.log }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the error that closed the session, nil while it is open or
// after a local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// State returns the session state. A write in progress takes precedence
// over the read side.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case s.writing:
		return StateWritingBody
	default:
		return s.rstate
	}
}

// WireProtocol returns the endpoint protocol of the connection.
func (s *Session) WireProtocol() filter.WireProtocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain.WireProtocol()
}

// TransportFilters returns the IDs of the installed transport filters.
func (s *Session) TransportFilters() []filter.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter.IDs(s.chain.Transport())
}

// SetErrorHook installs a hook that sees filter and socket errors before the
// session does. Returning nil from the hook retries the failed read.
func (s *Session) SetErrorHook(h filter.ErrorHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain.SetErrorHook(h)
}

// LockFilters rejects every later negotiation with StatusFiltersLocked.
func (s *Session) LockFilters() { s.negotiator.Lock() }

// ProposeTransport negotiates a new set of transport filters. On StatusOK
// the filters are installed once the next Reply has been written, so the
// reply itself still travels over the current chain.
func (s *Session) ProposeTransport(ids []filter.ID) filter.Status {
	filters, proto, status := s.negotiator.Negotiate(ids)
	s.metrics.negotiation(status.String())
	log := s.log.WithFields(logrus.Fields{
		"filters":  ids,
		"protocol": proto.String(),
	})
	if status != filter.StatusOK {
		log.WithField("status", status.String()).Info("rejected transport filters")
		return status
	}
	log.Debug("proposed transport filters")
	s.pending.Propose(filters)
	s.mu.Lock()
	s.commitOnReply = true
	s.mu.Unlock()
	return status
}

func (s *Session) start() {
	s.mu.Lock()
	s.phase = phaseProbe
	chain := s.chain
	s.mu.Unlock()
	chain.Read(buffer.Buffer{}, 0)
}

// Send queues an unsolicited message.
func (s *Session) Send(bufs []buffer.Buffer) error {
	return s.enqueue(outMsg{bufs: bufs})
}

// Reply queues the answer to the message being dispatched. Reading resumes
// once it has been written.
func (s *Session) Reply(bufs []buffer.Buffer) error {
	return s.enqueue(outMsg{bufs: bufs, reply: true})
}

// sendError writes a control frame and closes the session after it.
func (s *Session) sendError(code Code, context string) {
	s.metrics.reject(code)
	cause := &Error{Code: code, Context: context}
	if err := s.enqueue(outMsg{
		bufs:       errorFrame(code, context),
		raw:        true,
		closeAfter: true,
		cause:      cause,
	}); err != nil {
		s.close(cause)
	}
}

func (s *Session) enqueue(m outMsg) error {
	if !m.raw {
		if n := buffer.TotalLen(m.bufs); n > s.maxLen {
			return &Error{
				Code:    CodeMessageTooLong,
				Op:      "send",
				Context: fmt.Sprintf("%s exceeds limit of %s", sizestr.ToString(int64(n)), sizestr.ToString(int64(s.maxLen))),
			}
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Code: CodeClosed, Op: "send"}
	}
	if !m.raw && s.chain.CustomFraming() {
		if e := checkCustomFrame("send", m.bufs); e != nil {
			s.mu.Unlock()
			return e
		}
	}
	if m.reply && s.commitOnReply {
		m.commit = true
		s.commitOnReply = false
	}
	if s.writing {
		s.queue = append(s.queue, m)
		s.mu.Unlock()
		return nil
	}
	out, chain := s.beginWriteLocked(m)
	s.mu.Unlock()
	chain.Write(out)
	return nil
}

func (s *Session) beginWriteLocked(m outMsg) ([]buffer.Buffer, *filter.Chain) {
	s.writing = true
	s.cur = m
	s.written = 0
	s.out = m.bufs
	if !m.raw && !s.chain.CustomFraming() {
		s.out = frameMessage(m.bufs)
	}
	if m.commit {
		s.pending.CommitOnNextFlush()
	}
	return s.out, s.chain
}

// OnWriteCompleted implements filter.Sink.
func (s *Session) OnWriteCompleted(n int, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		err = s.chain.HandleError(err)
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return
	}
	s.written += n
	if rest := buffer.Advance(s.out, s.written); rest != nil {
		chain := s.chain
		s.mu.Unlock()
		chain.Write(rest)
		return
	}

	m := s.cur
	s.metrics.frame("out", buffer.TotalLen(m.bufs))
	s.writing, s.cur, s.out = false, outMsg{}, nil
	if m.closeAfter {
		s.mu.Unlock()
		if err := s.conn.CloseWrite(); err != nil {
			s.log.WithError(err).Debug("half-closing connection")
		}
		s.close(m.cause)
		return
	}

	retired := s.commitLocked()
	resume := false
	if m.reply && s.phase == phaseDispatch {
		if s.awaitingReply {
			resume = true
			s.enterProbeLocked()
		} else {
			s.replyDone = true
		}
	}
	var (
		next      []buffer.Buffer
		nextChain *filter.Chain
		more      = len(s.queue) > 0
	)
	if more {
		q := s.queue[0]
		s.queue = s.queue[1:]
		next, nextChain = s.beginWriteLocked(q)
	}
	readChain := s.chain
	s.mu.Unlock()

	s.retire(retired)
	if resume {
		readChain.Read(buffer.Buffer{}, 0)
	}
	if more {
		nextChain.Write(next)
	}
}

// commitLocked installs an armed proposal when neither direction is inside
// a message. It returns the chain being replaced.
func (s *Session) commitLocked() *filter.Chain {
	if s.writing || (s.phase != phaseProbe && s.phase != phaseDispatch) || !s.pending.Armed() {
		return nil
	}
	filters, ok := s.pending.Take()
	if !ok {
		return nil
	}
	old := s.chain
	s.chain = old.Rebuild(filters)
	return old
}

func (s *Session) retire(old *filter.Chain) {
	if old == nil {
		return
	}
	if err := old.CloseTransport(); err != nil {
		s.log.WithError(err).Warn("releasing retired transport filters")
	}
	s.log.WithField("filters", s.TransportFilters()).Debug("installed transport filters")
}

func (s *Session) enterProbeLocked() {
	s.phase = phaseProbe
	s.rstate = StateReady
	s.awaitingReply = false
	s.replyDone = false
}

// readRequest returns the read that continues the current phase.
func (s *Session) readRequestLocked() (buffer.Buffer, int) {
	switch s.phase {
	case phaseLength:
		return s.hdr.Slice(s.have, buffer.All), LengthSize - s.have
	case phaseBody:
		return s.body.Slice(s.have, buffer.All), s.body.Len() - s.have
	default:
		return buffer.Buffer{}, 0
	}
}

type readAction int

const (
	actRead readAction = iota
	actDispatch
	actRemoteError
	actReject
	actNone
)

// OnReadCompleted implements filter.Sink.
func (s *Session) OnReadCompleted(buf buffer.Buffer, err error) {
	s.mu.Lock()
	if s.closed || s.phase == phaseStopped {
		s.mu.Unlock()
		return
	}
	if err != nil {
		if err = s.chain.HandleError(err); err != nil {
			s.mu.Unlock()
			s.fail(err)
			return
		}
		rb, rn := s.readRequestLocked()
		chain := s.chain
		s.mu.Unlock()
		chain.Read(rb, rn)
		return
	}

	act, payload, reason := s.advanceLocked(buf)
	var retired *filter.Chain
	if act == actDispatch {
		retired = s.commitLocked()
	}
	rb, rn := s.readRequestLocked()
	chain := s.chain
	s.mu.Unlock()

	switch act {
	case actRead:
		chain.Read(rb, rn)
	case actDispatch:
		s.retire(retired)
		s.dispatch(payload)
	case actRemoteError:
		s.log.WithError(reason).Info("peer sent error frame")
		s.close(reason)
	case actReject:
		s.log.WithError(reason).Info("rejecting frame")
		var e *Error
		errors.As(reason, &e)
		s.sendError(e.Code, e.Context)
	}
}

func (s *Session) advanceLocked(buf buffer.Buffer) (readAction, buffer.Buffer, error) {
	switch s.phase {
	case phaseProbe:
		s.phase = phaseLength
		s.rstate = StateReadingLength
		s.custom = s.chain.CustomFraming()
		s.control = false
		s.hdr = s.alloc.Alloc(LengthSize)
		s.have = 0
		return actRead, buffer.Buffer{}, nil

	case phaseLength:
		s.have += buffer.CopyAt(s.hdr, s.have, buf)
		if s.custom {
			if fs := s.chain.FrameSize(); fs > 0 && fs < LengthSize && s.have >= fs {
				s.phase = phaseStopped
				return actReject, buffer.Buffer{}, newError(CodeProtocolError,
					fmt.Sprintf("custom frame of %d bytes is shorter than %d", fs, LengthSize))
			}
		}
		if s.have < LengthSize {
			return actRead, buffer.Buffer{}, nil
		}
		return s.beginBodyLocked()

	case phaseBody:
		s.have += buffer.CopyAt(s.body, s.have, buf)
		if s.have < s.body.Len() {
			return actRead, buffer.Buffer{}, nil
		}
		return s.completeLocked(s.body)
	}
	return actNone, buffer.Buffer{}, nil
}

func (s *Session) beginBodyLocked() (readAction, buffer.Buffer, error) {
	var n int
	if s.custom {
		n = s.chain.FrameSize()
		if n < LengthSize {
			s.phase = phaseStopped
			return actReject, buffer.Buffer{}, newError(CodeProtocolError, "frame size unknown after bootstrap read")
		}
	} else {
		n, s.control = decodeLength(s.hdr.Bytes())
		if s.control && n > LengthSize+maxErrorContext {
			s.phase = phaseStopped
			return actReject, buffer.Buffer{}, newError(CodeProtocolError, "oversized control frame")
		}
	}
	if n > s.maxLen {
		s.phase = phaseStopped
		return actReject, buffer.Buffer{}, newError(CodeMessageTooLong,
			fmt.Sprintf("message of %s exceeds limit of %s", sizestr.ToString(int64(n)), sizestr.ToString(int64(s.maxLen))))
	}

	s.phase = phaseBody
	s.rstate = StateReadingBody
	s.body = s.alloc.Alloc(n)
	s.have = 0
	if s.custom {
		s.have = buffer.CopyAt(s.body, 0, s.hdr)
	}
	s.hdr = buffer.Buffer{}
	if s.have == n {
		return s.completeLocked(s.body)
	}
	return actRead, buffer.Buffer{}, nil
}

func (s *Session) completeLocked(payload buffer.Buffer) (readAction, buffer.Buffer, error) {
	s.hdr, s.body, s.have = buffer.Buffer{}, buffer.Buffer{}, 0
	switch {
	case s.control:
		s.phase = phaseStopped
		return actRemoteError, buffer.Buffer{}, parseControl(payload.Bytes())
	case s.custom && isControlBody(payload.Bytes()):
		s.phase = phaseStopped
		return actRemoteError, buffer.Buffer{}, parseControl(payload.Bytes()[LengthSize:])
	}
	s.metrics.frame("in", payload.Len())
	s.phase = phaseDispatch
	s.rstate = StateReady
	return actDispatch, payload, nil
}

func (s *Session) dispatch(payload buffer.Buffer) {
	reply := s.dispatcher.OnMessageReady(s, payload)

	s.mu.Lock()
	if s.closed || s.phase != phaseDispatch {
		s.mu.Unlock()
		return
	}
	if reply && !s.replyDone {
		s.awaitingReply = true
		s.mu.Unlock()
		return
	}
	s.enterProbeLocked()
	retired := s.commitLocked()
	chain := s.chain
	s.mu.Unlock()

	s.retire(retired)
	chain.Read(buffer.Buffer{}, 0)
}

func (s *Session) fail(err error) {
	if isDisconnect(err) {
		s.log.WithError(err).Debug("peer disconnected")
	} else {
		s.log.WithError(err).Warn("session failed")
	}
	s.close(err)
}

// Close tears the session down. Outstanding operations complete in the
// background and are ignored.
func (s *Session) Close() error {
	return s.close(nil)
}

func (s *Session) close(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = cause
	s.queue = nil
	chain := s.chain
	s.mu.Unlock()

	s.cancel()
	var result *multierror.Error
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	if err := chain.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.pending.Discard()
	s.server.remove(s)
	if c, ok := s.dispatcher.(SessionCloser); ok {
		c.OnSessionClosed(s, cause)
	}
	s.log.Debug("session closed")
	return result.ErrorOrNil()
}
