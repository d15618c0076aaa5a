// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reactor runs I/O completion handlers on a small fixed pool of
// worker goroutines.
package reactor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Post once the reactor has been shut down.
var ErrClosed = errors.New("reactor: closed")

// Reactor is a FIFO of completion handlers drained by a fixed set of
// workers. Post never blocks, so a handler may post further work without
// risking a deadlock against a full queue.
type Reactor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	g   errgroup.Group
	log logrus.FieldLogger
}

// New starts a reactor with the given number of workers (at least one).
func New(workers int, log logrus.FieldLogger) *Reactor {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reactor{log: log}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < workers; i++ {
		r.g.Go(r.work)
	}
	return r
}

// Post queues fn for execution on a worker.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.queue = append(r.queue, fn)
	r.cond.Signal()
	return nil
}

// Dispatch runs fn on a worker, or inline on the caller if the reactor is
// closed. Completions must always be delivered, even during shutdown.
func (r *Reactor) Dispatch(fn func()) {
	if err := r.Post(fn); err != nil {
		fn()
	}
}

func (r *Reactor) work() error {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return nil
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.run(fn)
	}
}

func (r *Reactor) run(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.log.WithField("panic", fmt.Sprint(v)).Errorf("reactor: completion handler panicked\n%s", debug.Stack())
		}
	}()
	fn()
}

// Close stops accepting work, drains what is already queued and waits for
// the workers to exit.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	return r.g.Wait()
}
