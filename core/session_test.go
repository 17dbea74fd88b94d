// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Session tests.

package core

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

func newTestSession(t *testing.T) (*Session, net.Conn, func()) {
	front, remote := net.Pipe()
	bufPool := NewPool(4096, 0)
	backPool := NewBackendPool(time.Second, time.Minute, 4)
	wheel := NewWheel(10*time.Millisecond, 16)
	sess, err := NewSession(front, ":443", ProtoHTTP1, emptySnapshot(), bufPool, backPool, nil, wheel, nil, NewULIDGen())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	go wheel.Run(context.Background())
	return sess, remote, func() { remote.Close() }
}

func TestNewSessionLeasesFrontBuffer(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()
	if sess.frontBuf == nil {
		t.Fatalf("NewSession did not lease a front BufferPair")
	}
}

func TestSessionCloseIsIdempotentAndReleasesBuffers(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()

	sess.Close("test")
	sess.Close("test again") // must not panic or double-release

	if !sess.IsClosed() {
		t.Fatalf("IsClosed() = false after Close")
	}
	if sess.frontBuf != nil {
		t.Fatalf("frontBuf not released by Close")
	}
}

func TestSessionArmAndDisarmIdleTimer(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()

	sess.armIdleTimer(15 * time.Millisecond)
	if sess.idleTimer == nil {
		t.Fatalf("armIdleTimer did not set idleTimer")
	}
	sess.disarmIdleTimer()
	if sess.idleTimer != nil {
		t.Fatalf("disarmIdleTimer did not clear idleTimer")
	}

	time.Sleep(40 * time.Millisecond)
	if sess.IsClosed() {
		t.Fatalf("disarmed idle timer still closed the front connection")
	}
}

func TestSessionIdleTimerFiresClosesFront(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()

	sess.armIdleTimer(15 * time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := sess.Front.Write(nil); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("idle timer did not close the front connection within the deadline")
}

func TestSessionShutdownWithoutH2IsNoop(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()
	sess.Shutdown() // h2 pointer unset; must not panic
}

func TestSessionShutdownSendsGoAwayWhenH2Set(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()

	front, back := net.Pipe()
	defer front.Close()
	defer back.Close()
	c := newH2Conn(sess, http2.NewFramer(front, front))
	sess.h2.Store(c)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		back.Read(buf) // client preface write isn't sent here; just drain whatever arrives
		close(done)
	}()

	sess.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Shutdown with an h2Conn set did not write a GOAWAY frame within the deadline")
	}
}

func TestSessionReleaseAndDiscardBackendClearState(t *testing.T) {
	ln := newFakeBackendListener(t)
	defer ln.Close()

	sess, _, cleanup := newTestSession(t)
	defer cleanup()

	conn, err := sess.pool.Acquire(context.Background(), "c0", "b0", ln.Addr().String(), false, "", nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	backend := NewBackend("b0", "c0", ln.Addr().String(), 1, false)
	backend.IncInFlight()
	sess.back = conn
	sess.backBackend = backend
	sess.backClusterID = "c0"
	sess.backBackendID = "b0"

	sess.releaseBackend()
	if sess.back != nil || sess.backBackend != nil {
		t.Fatalf("releaseBackend left back=%v backBackend=%v, want both nil", sess.back, sess.backBackend)
	}
	if backend.InFlight() != 0 {
		t.Fatalf("releaseBackend did not decrement InFlight")
	}
}

func TestSessionLeaseBackBufferIsLazyAndIdempotent(t *testing.T) {
	sess, _, cleanup := newTestSession(t)
	defer cleanup()

	if sess.backBuf != nil {
		t.Fatalf("backBuf leased before leaseBackBuffer was called")
	}
	if err := sess.leaseBackBuffer(); err != nil {
		t.Fatalf("leaseBackBuffer: %v", err)
	}
	first := sess.backBuf
	if err := sess.leaseBackBuffer(); err != nil {
		t.Fatalf("second leaseBackBuffer: %v", err)
	}
	if sess.backBuf != first {
		t.Fatalf("leaseBackBuffer leased a second buffer instead of reusing the first")
	}
}
