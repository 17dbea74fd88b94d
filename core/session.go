// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Session (spec §3): a live front connection and its back connection(s).
// A Session is created by the Listener, driven exclusively by its own
// single goroutine, and destroyed on close or fatal error. It owns both
// sockets and its buffers; the slab owns the Session's slot.

package core

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session is mutated only from the goroutine that calls Serve — the
// Go-native stand-in for "mutated only by the readiness loop".
type Session struct {
	Token Token
	Proto Protocol

	Front        net.Conn
	ListenerAddr string
	RemoteAddr   string
	SNI          string

	Snap *Snapshot // captured once at admission; never reloaded mid-session

	frontBuf *BufferPair
	backBuf  *BufferPair
	bufPool  *Pool

	back          net.Conn
	backBackend   *Backend
	backClusterID string
	backBackendID string
	backTLS       bool
	backSNI       string

	ulidGen *ULIDGen
	obs     *Observer
	wheel   *Wheel
	pool    *BackendPool
	hc      *HealthChecker

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	// idleTimer is the single outstanding wheel timer (spec §4.8) for
	// whichever head-read the protocol state machine is currently
	// blocked on. Touched only by the Session's own goroutine, so no
	// lock is needed despite the Timer itself firing on the Wheel's
	// driver goroutine.
	idleTimer *Timer

	// h2 is set once serveHTTP2 starts, so Shutdown (driven by the
	// Listener during a graceful drain) can reach into a live HTTP/2
	// connection from outside the Session's own goroutine.
	h2 atomic.Pointer[h2Conn]
}

// NewSession is called by the Listener's accept loop. snap is the
// Registry view captured at admission per spec §3 "Lifecycles".
func NewSession(front net.Conn, listenerAddr string, proto Protocol, snap *Snapshot, bufPool *Pool, pool *BackendPool, hc *HealthChecker, wheel *Wheel, obs *Observer, ulidGen *ULIDGen) (*Session, error) {
	frontBuf, err := bufPool.Lease()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		Proto:        proto,
		Front:        front,
		ListenerAddr: listenerAddr,
		RemoteAddr:   front.RemoteAddr().String(),
		Snap:         snap,
		frontBuf:     frontBuf,
		bufPool:      bufPool,
		ulidGen:      ulidGen,
		obs:          obs,
		wheel:        wheel,
		pool:         pool,
		hc:           hc,
	}
	return sess, nil
}

// leaseBackBuffer acquires the back-side BufferPair lazily, once a
// backend is acquired, per spec §4.4 "the back connection is acquired
// lazily at that point."
func (s *Session) leaseBackBuffer() error {
	if s.backBuf != nil {
		return nil
	}
	bb, err := s.bufPool.Lease()
	if err != nil {
		return err
	}
	s.backBuf = bb
	return nil
}

func (s *Session) releaseBackend() {
	if s.back == nil {
		return
	}
	s.pool.Release(s.backClusterID, s.backBackendID, s.backTLS, s.backSNI, s.back)
	if s.backBackend != nil {
		s.backBackend.DecInFlight()
		s.backBackend = nil
	}
	s.back = nil
}

func (s *Session) discardBackend() {
	if s.back == nil {
		return
	}
	s.pool.Discard(s.back)
	if s.backBackend != nil {
		s.backBackend.DecInFlight()
		s.backBackend = nil
	}
	s.back = nil
}

// Close tears the Session down exactly once, returning its buffers and
// backend connection and emitting session_closed. Safe to call from
// multiple error paths; only the first call acts.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.back != nil {
			s.discardBackend()
		}
		s.Front.Close()
		if s.frontBuf != nil {
			s.bufPool.Release(s.frontBuf)
			s.frontBuf = nil
		}
		if s.backBuf != nil {
			s.bufPool.Release(s.backBuf)
			s.backBuf = nil
		}
		if s.obs != nil {
			s.obs.SessionClosed(s.RemoteAddr, reason, s.bytesIn.Load(), s.bytesOut.Load())
		}
	})
}

func (s *Session) IsClosed() bool { return s.closed.Load() }

// Shutdown asks an HTTP/2 Session to send GOAWAY so the peer stops opening
// new streams, without touching streams already in flight (spec §4.5,
// §8 "graceful drain"). An HTTP/1.1 Session is left as it is: it goes on
// serving requests on its connection until the client closes it or its
// idle timer fires.
func (s *Session) Shutdown() {
	if c := s.h2.Load(); c != nil {
		c.sendGoAway()
	}
}

// Serve is the Session's entire lifetime: admission has already happened
// (Front, Snap, buffers are set); Serve runs the protocol state machine
// until the connection ends, then closes the Session.
func (s *Session) Serve(ctx context.Context) {
	if s.obs != nil {
		s.obs.SessionOpened(s.RemoteAddr, s.Proto, s.ListenerAddr)
	}
	var err error
	switch s.Proto {
	case ProtoHTTP2:
		err = s.serveHTTP2(ctx)
	default:
		err = s.serveHTTP1(ctx)
	}
	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	s.Close(reason)
}

// armTimer is a small helper so the protocol state machines don't each
// reimplement "stop the previous timer, start a new one".
func (s *Session) armTimer(prev *Timer, d time.Duration, onExpire func()) *Timer {
	if prev != nil {
		prev.Stop()
	}
	if s.wheel == nil || d <= 0 {
		return nil
	}
	return s.wheel.Add(d, onExpire)
}

// armIdleTimer arms (or re-arms) the Wheel timer that closes the front
// connection if nothing arrives within d — spec §4.8's header/idle timer
// category, enforced through the Wheel rather than a bare
// SetReadDeadline so a Session's header/idle waits are tracked by the
// one per-worker Wheel like every other timer category. Only ever one
// outstanding per Session, since the HTTP/1.1 and HTTP/2 read loops that
// call it are themselves strictly sequential.
func (s *Session) armIdleTimer(d time.Duration) {
	s.idleTimer = s.armTimer(s.idleTimer, d, func() { s.Front.Close() })
}

// disarmIdleTimer cancels the timer armed by armIdleTimer once the read
// it was guarding has completed.
func (s *Session) disarmIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
