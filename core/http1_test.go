// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1.1 state machine tests: end-to-end exchanges between a fake front
// client and a fake backend listener, driven through serveOneHTTP1Exchange.

package core

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// fakeBackend is a one-shot raw-TCP backend that runs handle against the
// first connection it accepts.
type fakeBackend struct {
	ln net.Listener
}

func newFakeBackend(t *testing.T, handle func(conn net.Conn)) *fakeBackend {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	fb := &fakeBackend{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return fb
}

func (fb *fakeBackend) Addr() string { return fb.ln.Addr().String() }
func (fb *fakeBackend) Close()       { fb.ln.Close() }

// oneFrontendSnapshot builds a Snapshot routing every request on listener
// addr to a single backend.
func oneFrontendSnapshot(addr, backendAddr string) *Snapshot {
	cluster := &Cluster{ID: "c0", Policy: PolicyRoundRobin}
	cluster.Backends = append(cluster.Backends, NewBackend("b0", "c0", backendAddr, 1, false))
	snap := emptySnapshot()
	snap.Clusters[cluster.ID] = cluster
	snap.Frontends = []*Frontend{
		{ID: "f0", ListenerAddr: addr, Path: PathMatch{Kind: PathPrefix, Value: "/"}, ClusterID: "c0"},
	}
	SortFrontends(snap.Frontends)
	return snap
}

// newHTTP1TestSession wires a Session the way Listener.admit does, against
// front (the test's side of a net.Pipe) and snap.
func newHTTP1TestSession(t *testing.T, front net.Conn, snap *Snapshot) *Session {
	bufPool := NewPool(8192, 0)
	backPool := NewBackendPool(time.Second, time.Minute, 4)
	obs := NewObserver(nil, nil)
	hc := NewHealthChecker(obs, 100)
	sess, err := NewSession(front, ":443", ProtoHTTP1, snap, bufPool, backPool, hc, nil, obs, NewULIDGen())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestServeOneHTTP1ExchangeRelaysContentLengthBody(t *testing.T) {
	backend := newFakeBackend(t, func(conn net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"))
	})
	defer backend.Close()

	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	sess := newHTTP1TestSession(t, frontSide, oneFrontendSnapshot(":443", backend.Addr()))

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	clientSide.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("response body = %q, want hello", body)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case err := <-done:
		if err != errClientRequestedClose {
			t.Fatalf("serveOneHTTP1Exchange returned %v, want errClientRequestedClose", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("serveOneHTTP1Exchange did not return")
	}
}

func TestServeOneHTTP1ExchangeRelaysChunkedBody(t *testing.T) {
	backend := newFakeBackend(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	})
	defer backend.Close()

	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	sess := newHTTP1TestSession(t, frontSide, oneFrontendSnapshot(":443", backend.Addr()))

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	clientSide.Write([]byte("POST /upload HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
		"4\r\ntest\r\n0\r\n\r\n"))

	br := bufio.NewReader(clientSide)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("response body = %q, want hello", body)
	}

	<-done
}

func TestServeOneHTTP1ExchangeNoMatchingFrontendReturns404(t *testing.T) {
	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	snap := oneFrontendSnapshot(":9999", "127.0.0.1:1") // listener addr deliberately doesn't match
	sess := newHTTP1TestSession(t, frontSide, snap)

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if err := <-done; err == nil {
		t.Fatalf("serveOneHTTP1Exchange: want error for unroutable request, got nil")
	}
}

func TestServeOneHTTP1ExchangeExpect100ContinueRelayed(t *testing.T) {
	backend := newFakeBackend(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		io.Copy(io.Discard, req.Body)
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
	})
	defer backend.Close()

	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	sess := newHTTP1TestSession(t, frontSide, oneFrontendSnapshot(":443", backend.Addr()))

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	go func() {
		clientSide.Write([]byte("POST /upload HTTP/1.1\r\nHost: example.com\r\nExpect: 100-continue\r\nContent-Length: 4\r\nConnection: close\r\n\r\n"))
	}()

	br := bufio.NewReader(clientSide)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading interim response: %v", err)
	}
	if !strings.Contains(line, "100") {
		t.Fatalf("first line = %q, want a 100 Continue status line", line)
	}
	// Drain the blank line that terminates the interim response's (empty) head.
	br.ReadString('\n')

	clientSide.Write([]byte("body"))

	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse (final): %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("final status = %d, want 200", resp.StatusCode)
	}
	<-done
}

func TestServeOneHTTP1ExchangeExpect100DeclinedSkipsBody(t *testing.T) {
	backend := newFakeBackend(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 417 Expectation Failed\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})
	defer backend.Close()

	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	sess := newHTTP1TestSession(t, frontSide, oneFrontendSnapshot(":443", backend.Addr()))

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	clientSide.Write([]byte("POST /upload HTTP/1.1\r\nHost: example.com\r\nExpect: 100-continue\r\nContent-Length: 4\r\nConnection: close\r\n\r\n"))
	// Deliberately never write the body: a declined Expect must not block on it.

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 417 {
		t.Fatalf("status = %d, want 417", resp.StatusCode)
	}
	<-done
}

func TestServeOneHTTP1ExchangeRelaysUpgrade(t *testing.T) {
	backend := newFakeBackend(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(bytes.ToUpper(buf[:n])) // echo back, upper-cased, so the test can tell the relay worked
	})
	defer backend.Close()

	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	sess := newHTTP1TestSession(t, frontSide, oneFrontendSnapshot(":443", backend.Addr()))

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	clientSide.Write([]byte("GET /ws HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))

	br := bufio.NewReader(clientSide)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 101 {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	clientSide.Write([]byte("hi"))
	reply := make([]byte, 2)
	if _, err := io.ReadFull(br, reply); err != nil {
		t.Fatalf("reading echoed upgrade payload: %v", err)
	}
	if string(reply) != "HI" {
		t.Fatalf("echoed payload = %q, want HI", reply)
	}
	<-done
}

func TestServeOneHTTP1ExchangeConnectRetryFallsBackToHealthyBackend(t *testing.T) {
	alive := newFakeBackend(t, func(conn net.Conn) {
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
	})
	defer alive.Close()

	cluster := &Cluster{ID: "c0", Policy: PolicyRoundRobin}
	cluster.Backends = []*Backend{
		NewBackend("dead", "c0", "127.0.0.1:1", 1, false),
		NewBackend("alive", "c0", alive.Addr(), 1, false),
	}
	snap := emptySnapshot()
	snap.Clusters[cluster.ID] = cluster
	snap.Frontends = []*Frontend{{ID: "f0", ListenerAddr: ":443", Path: PathMatch{Kind: PathPrefix, Value: "/"}, ClusterID: "c0"}}
	SortFrontends(snap.Frontends)

	clientSide, frontSide := net.Pipe()
	defer clientSide.Close()
	sess := newHTTP1TestSession(t, frontSide, snap)

	done := make(chan error, 1)
	go func() { done <- sess.serveOneHTTP1Exchange(context.Background()) }()

	clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 (retry should have reached the alive backend)", resp.StatusCode)
	}
	<-done
}
