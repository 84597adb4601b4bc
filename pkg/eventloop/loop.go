// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package eventloop provides a single-goroutine mailbox loop.
//
// All core state (transports, update jobs, the orchestrator) is owned by
// one Loop. Worker goroutines such as socket readers never touch that
// state directly; they hand closures to the loop with Post. Timers fire
// by posting back onto the loop, so a timer stopped from loop context is
// guaranteed not to run afterwards.
package eventloop

import (
	"sync"
	"time"
)

// Loop runs posted functions on a single goroutine in FIFO order.
type Loop struct {
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a loop and starts its goroutine.
func New() *Loop {
	l := &Loop{
		mailbox: make(chan func(), 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.mailbox:
			fn()
		case <-l.quit:
			// Drain anything already queued before exiting.
			for {
				select {
				case fn := <-l.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post queues fn for execution on the loop goroutine. Posting to a
// closed loop is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	select {
	case l.mailbox <- fn:
	case <-l.quit:
	}
}

// Sync posts a barrier and waits until the loop has executed it.
// Everything posted before Sync has run by the time it returns.
func (l *Loop) Sync() {
	ch := make(chan struct{})
	l.Post(func() { close(ch) })
	select {
	case <-ch:
	case <-l.done:
	}
}

// Close stops the loop after draining already-queued work and waits for
// the loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	<-l.done
}

// Timer is a single-shot timer whose callback runs on the loop.
type Timer struct {
	loop    *Loop
	timer   *time.Timer
	stopped bool
	fired   bool
}

// After schedules fn to run on the loop after d. The returned Timer may
// be stopped; a Stop issued from loop context before the callback has
// run guarantees the callback never runs.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped || t.fired {
				return
			}
			t.fired = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. Must be called from loop context; after it
// returns the callback will not run.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// Active reports whether the timer is still pending. Loop context only.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped && !t.fired
}
