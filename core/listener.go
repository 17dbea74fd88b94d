// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Listener: one bound socket's accept loop (spec §3 "Listener"). Admission
// captures the Registry's current Snapshot exactly once per connection,
// before any TLS handshake or protocol detection happens, so a
// reconfiguration that lands mid-handshake can never pull the rug out from
// under a connection already being admitted (spec §9 open question).

package core

import (
	"context"
	"net"
	"sync"
)

// Listener owns one net.Listener and the Sessions it has admitted.
type Listener struct {
	spec *ListenerSpec
	ln   net.Listener

	registry *Registry
	bufPool  *Pool
	backPool *BackendPool
	hc       *HealthChecker
	wheel    *Wheel
	obs      *Observer
	ulidGen  *ULIDGen

	mu   sync.Mutex
	slab *Slab

	closeOnce sync.Once
	closed    chan struct{}
}

func NewListener(spec *ListenerSpec, registry *Registry, bufPool *Pool, backPool *BackendPool, hc *HealthChecker, wheel *Wheel, obs *Observer, ulidGen *ULIDGen) *Listener {
	return &Listener{
		spec:     spec,
		registry: registry,
		bufPool:  bufPool,
		backPool: backPool,
		hc:       hc,
		wheel:    wheel,
		obs:      obs,
		ulidGen:  ulidGen,
		slab:     NewSlab(1024),
		closed:   make(chan struct{}),
	}
}

// Listen binds the socket with plain net.Listen. SO_REUSEPORT is not set,
// so a second process cannot bind an address this one already holds.
func (l *Listener) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.spec.Address)
	if err != nil {
		return newError(KindConfigInvalid, "Listener.Listen", err)
	}
	l.ln = ln
	return nil
}

func (l *Listener) Addr() string { return l.spec.Address }

// Serve runs the accept loop until Close is called.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
				return err
			}
		}
		go l.admit(ctx, raw)
	}
}

// admit performs TLS (if configured), protocol detection, and Session
// construction, then drives the Session for its whole lifetime.
func (l *Listener) admit(ctx context.Context, raw net.Conn) {
	snap := l.registry.Load()

	front := raw
	proto := ProtoHTTP1
	sni := ""
	if l.spec.TLS {
		cfg := BuildTLSConfig(snap.Certs, l.spec.DefaultCertID)
		tconn, p, err := HandshakeFront(ctx, raw, cfg, DefaultHandshakeTimeout)
		if err != nil {
			raw.Close()
			return
		}
		front = tconn
		proto = p
		sni = tconn.ConnectionState().ServerName
	}

	sess, err := NewSession(front, l.spec.Address, proto, snap, l.bufPool, l.backPool, l.hc, l.wheel, l.obs, l.ulidGen)
	if err != nil {
		// Most commonly KindResourceExhausted from the buffer pool's
		// maxLease ceiling (spec §4.2 "no-buffer status").
		writeSimpleResponse(front, mapKindToStatus(err), "")
		front.Close()
		return
	}
	sess.SNI = sni

	l.mu.Lock()
	tok := l.slab.Alloc(sess)
	l.mu.Unlock()
	sess.Token = tok

	sess.Serve(ctx)

	l.mu.Lock()
	l.slab.Free(tok)
	l.mu.Unlock()
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// Shutdown signals every currently admitted Session to begin a graceful
// drain (spec §8): each HTTP/2 Session sends GOAWAY so its peer stops
// opening new streams while letting streams already open finish. An
// HTTP/1.1 Session gets no signal: a kept-alive connection goes on
// serving requests until the client closes it or its idle timer fires.
// Does not wait for drain to complete — callers pair this with Close and
// ActiveSessions polling.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	sessions := l.slab.All()
	l.mu.Unlock()
	for _, sess := range sessions {
		sess.Shutdown()
	}
}

// ActiveSessions reports how many Sessions this listener currently has
// open, used by Worker.StatusReport and by SoftStop's drain wait.
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slab.Len()
}
