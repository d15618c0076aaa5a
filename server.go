// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/ssbc/go-netwrap"
)

// SessionServer accepts connections and runs a Session on each.
type SessionServer struct {
	engine  *Engine
	opts    options
	ln      net.Listener
	factory SessionFactory
	log     logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer returns a server for ln. Call Serve to start accepting.
func (e *Engine) NewServer(ln net.Listener, factory SessionFactory, opts ...Option) *SessionServer {
	o := e.options(opts)
	return &SessionServer{
		engine:   e,
		opts:     o,
		ln:       ln,
		factory:  factory,
		log:      o.log.WithField("listen", ln.Addr().String()),
		sessions: make(map[uuid.UUID]*Session),
		done:     make(chan struct{}),
	}
}

// Listen opens a listener on addr, applying wrappers to it, and returns a
// server for it.
func (e *Engine) Listen(addr net.Addr, factory SessionFactory, wrappers []netwrap.ListenerWrapper, opts ...Option) (*SessionServer, error) {
	ln, err := netwrap.Listen(addr, wrappers...)
	if err != nil {
		return nil, osError("listen", err)
	}
	return e.NewServer(ln, factory, opts...), nil
}

// Addr returns the listener address.
func (s *SessionServer) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the server is closed.
// A new accept is issued as soon as the previous one completes.
func (s *SessionServer) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.WithError(err).Warnf("accept failed, retrying in %v", backoff)
				time.Sleep(backoff)
				continue
			}
			return osError("accept", err)
		}
		backoff = 0
		s.accept(conn)
	}
}

func (s *SessionServer) accept(conn net.Conn) {
	sess, err := newSession(s, conn)
	if err != nil {
		s.log.WithError(err).Warn("creating session")
		_ = conn.Close()
		return
	}
	d, err := s.factory.CreateSession(sess)
	if err != nil {
		sess.log.WithError(err).Info("session refused")
		_ = sess.close(err)
		return
	}
	sess.dispatcher = d

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.opts.metrics.sessionOpened()
	sess.log.Debug("session accepted")
	sess.start()
}

func (s *SessionServer) remove(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if ok {
		s.opts.metrics.sessionClosed()
	}
}

func (s *SessionServer) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Sessions returns the live sessions ordered by id.
func (s *SessionServer) Sessions() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// Session returns the live session with the given id.
func (s *SessionServer) Session(id uuid.UUID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Close stops accepting and closes every live session.
func (s *SessionServer) Close() error {
	var result *multierror.Error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
		for _, sess := range s.Sessions() {
			if err := sess.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}
