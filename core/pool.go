// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Backend connection pooling (design note "Backend connection pooling"):
// a small per-(cluster, backend, TLS) pool of idle keep-alive connections,
// evicted by LRU and by a server's "Connection: close".

package core

import (
	"container/list"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// poolKey identifies one backend connection pool: reuse requires
// host+SNI+cluster identity match per spec §4.4.
type poolKey struct {
	clusterID string
	backendID string
	tls       bool
	sni       string
}

type idleConn struct {
	conn    net.Conn
	key     poolKey
	leasedAt time.Time
	elem    *list.Element
}

// BackendPool dials and reuses backend connections. One BackendPool per
// Worker; never shared across workers (§5 "per-worker, not shared").
type BackendPool struct {
	dialTimeout  time.Duration
	idleTimeout  time.Duration
	maxIdlePerKey int

	mu    sync.Mutex
	idle  map[poolKey]*list.List // most-recently-released at the back
	elems map[*list.Element]*idleConn
}

func NewBackendPool(dialTimeout, idleTimeout time.Duration, maxIdlePerKey int) *BackendPool {
	return &BackendPool{
		dialTimeout:   dialTimeout,
		idleTimeout:   idleTimeout,
		maxIdlePerKey: maxIdlePerKey,
		idle:          make(map[poolKey]*list.List),
		elems:         make(map[*list.Element]*idleConn),
	}
}

// Acquire returns an idle connection for key if one is fresh, otherwise
// dials a new one to addr.
func (p *BackendPool) Acquire(ctx context.Context, clusterID, backendID, addr string, useTLS bool, sni string, tlsConfig *tls.Config) (net.Conn, error) {
	key := poolKey{clusterID: clusterID, backendID: backendID, tls: useTLS, sni: sni}
	if c := p.popIdle(key); c != nil {
		return c, nil
	}
	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindBackendUnreachable, "BackendPool.Acquire", err)
	}
	if useTLS {
		tc := tls.Client(conn, cloneTLSConfigForSNI(tlsConfig, sni))
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, newError(KindBackendUnreachable, "BackendPool.Acquire", err)
		}
		return tc, nil
	}
	return conn, nil
}

func cloneTLSConfigForSNI(base *tls.Config, sni string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = sni
	return cfg
}

func (p *BackendPool) popIdle(key poolKey) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		l, ok := p.idle[key]
		if !ok || l.Len() == 0 {
			return nil
		}
		elem := l.Back()
		ic := p.elems[elem]
		l.Remove(elem)
		delete(p.elems, elem)
		if time.Since(ic.leasedAt) > p.idleTimeout {
			ic.conn.Close()
			continue
		}
		return ic.conn
	}
}

// Release returns conn to the pool for future reuse. Callers that saw a
// "Connection: close" on it, or any I/O error, must call Discard instead.
func (p *BackendPool) Release(clusterID, backendID string, useTLS bool, sni string, conn net.Conn) {
	key := poolKey{clusterID: clusterID, backendID: backendID, tls: useTLS, sni: sni}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.idle[key]
	if !ok {
		l = list.New()
		p.idle[key] = l
	}
	if l.Len() >= p.maxIdlePerKey {
		// LRU eviction: drop the oldest (front) idle conn to make room.
		front := l.Front()
		if front != nil {
			evicted := p.elems[front]
			l.Remove(front)
			delete(p.elems, front)
			evicted.conn.Close()
		}
	}
	elem := l.PushBack(nil)
	ic := &idleConn{conn: conn, key: key, leasedAt: time.Now(), elem: elem}
	elem.Value = ic
	p.elems[elem] = ic
}

func (p *BackendPool) Discard(conn net.Conn) {
	conn.Close()
}

// CloseAll closes every idle connection, used during HardStop.
func (p *BackendPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.idle {
		for e := l.Front(); e != nil; e = e.Next() {
			p.elems[e].conn.Close()
		}
	}
	p.idle = make(map[poolKey]*list.List)
	p.elems = make(map[*list.Element]*idleConn)
}
