// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Glue between the Session's protocol state machines and the Registry:
// routing a parsed request head to a Frontend+Cluster+Backend, acquiring
// the backend connection, building the headers a hop must add or strip,
// and mapping a core.Error Kind to a status code on the wire (spec §7).

package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// routeHTTP1 matches reqHead against s.Snap and picks a Backend.
func (s *Session) routeHTTP1(reqHead *msgHead) (*Backend, *Cluster, *Frontend, RouteRequest, error) {
	req := RouteRequest{
		ListenerAddr: s.ListenerAddr,
		SNI:          s.SNI,
		Host:         headerValueString(reqHead, "Host"),
		Method:       string(reqHead.method),
		Path:         pathOnly(reqHead.target),
	}
	frontend, cluster, err := Match(s.Snap, req)
	if err != nil {
		return nil, nil, nil, req, err
	}
	if cluster.StickyCookie != "" {
		req.StickyToken = cookieValue(reqHead, cluster.StickyCookie)
	}
	backend, err := PickBackend(cluster, req)
	if err != nil {
		return nil, nil, nil, req, err
	}
	return backend, cluster, frontend, req, nil
}

// acquireBackendConn leases or dials the connection for backend and binds
// it to the Session so releaseBackend/discardBackend know how to return
// or close it.
func (s *Session) acquireBackendConn(ctx context.Context, cluster *Cluster, backend *Backend) (net.Conn, error) {
	sni := s.SNI
	var tlsCfg *tls.Config
	if backend.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	conn, err := s.pool.Acquire(ctx, cluster.ID, backend.ID, backend.Address, backend.TLS, sni, tlsCfg)
	if err != nil {
		return nil, err
	}
	backend.IncInFlight()
	s.back = conn
	s.backBackend = backend
	s.backClusterID = cluster.ID
	s.backBackendID = backend.ID
	s.backTLS = backend.TLS
	s.backSNI = sni
	return conn, nil
}

// maxBackendConnectRetries bounds the connect-retry loop (spec §7): up to
// this many additional distinct Backends are tried after the first connect
// failure, for idempotent methods only.
const maxBackendConnectRetries = 2

// idempotentMethods lists the HTTP methods spec §7 allows a connect retry
// to replay against a different Backend; a method outside this set fails
// fast on the first connect error since the proxy cannot know the backend
// didn't already act on it.
var idempotentMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"OPTIONS": true,
	"TRACE":   true,
	"PUT":     true,
	"DELETE":  true,
}

func isIdempotentMethod(method string) bool { return idempotentMethods[strings.ToUpper(method)] }

// acquireBackendConnWithRetry wraps acquireBackendConn with spec §7's
// connect-retry policy: a failure to dial (not a failure once connected)
// is retried against a distinct Backend of the same Cluster, up to
// maxBackendConnectRetries times, but only for idempotent methods — a
// non-idempotent request fails fast on the very first connect error.
func (s *Session) acquireBackendConnWithRetry(ctx context.Context, cluster *Cluster, backend *Backend, req RouteRequest) (net.Conn, *Backend, error) {
	conn, err := s.acquireBackendConn(ctx, cluster, backend)
	if err == nil || !isIdempotentMethod(req.Method) {
		return conn, backend, err
	}

	tried := map[string]bool{backend.ID: true}
	for attempt := 0; attempt < maxBackendConnectRetries; attempt++ {
		next, pickErr := PickBackendExcluding(cluster, req, tried)
		if pickErr != nil {
			break
		}
		tried[next.ID] = true
		conn, err = s.acquireBackendConn(ctx, cluster, next)
		if err == nil {
			return conn, next, nil
		}
		backend = next
	}
	return nil, backend, err
}

func pathOnly(target []byte) string {
	if i := indexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	return string(target)
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func headerValueString(h *msgHead, name string) string {
	hd, ok := h.header(name)
	if !ok {
		return ""
	}
	return string(hd.value)
}

// cookieValue extracts one cookie's value from a parsed Cookie header,
// without pulling in net/http's cookie jar machinery for a single lookup.
func cookieValue(h *msgHead, name string) string {
	cookie, ok := h.header("Cookie")
	if !ok {
		return ""
	}
	for _, pair := range strings.Split(string(cookie.value), ";") {
		pair = strings.TrimSpace(pair)
		k, v, ok := strings.Cut(pair, "=")
		if ok && k == name {
			return v
		}
	}
	return ""
}

// mkHeader builds a synthesized header not backed by any window (used for
// injected/rewritten headers, which must allocate since they don't exist
// in the original bytes).
func mkHeader(name, value string) httpHeader {
	return httpHeader{name: []byte(name), value: []byte(value)}
}

// buildDropSet extends base (hop-by-hop) with any header a Frontend's
// rewrite directives override or remove, so forwardHead's pass-through
// doesn't duplicate what buildForwardingHeaders is about to (re)inject.
func buildDropSet(base map[string]bool, frontend *Frontend) map[string]bool {
	drop := make(map[string]bool, len(base)+len(frontend.Rewrites))
	for k := range base {
		drop[k] = true
	}
	for _, rw := range frontend.Rewrites {
		if rw.Op == RewriteSet || rw.Op == RewriteRemove {
			drop[strings.ToLower(rw.Header)] = true
		}
	}
	return drop
}

// buildForwardingHeaders computes the headers spec §4.4 requires a hop to
// add: X-Forwarded-For/Proto/Port, Forwarded, and Sozu-Id (the request's
// ULID, for cross-hop log correlation), plus whatever a Frontend's
// Add/Set rewrite directives contribute.
func buildForwardingHeaders(s *Session, reqHead *msgHead, frontend *Frontend, ulid string) []httpHeader {
	remoteHost, _, _ := net.SplitHostPort(s.RemoteAddr)
	if remoteHost == "" {
		remoteHost = s.RemoteAddr
	}
	proto := "http"
	if _, isTLS := s.Front.(*tls.Conn); isTLS {
		proto = "https"
	}
	_, listenerPort, _ := net.SplitHostPort(s.ListenerAddr)

	xff := remoteHost
	if existing := headerValueString(reqHead, "X-Forwarded-For"); existing != "" {
		xff = existing + ", " + remoteHost
	}
	forwarded := fmt.Sprintf(`for="%s";proto=%s;by="%s"`, remoteHost, proto, s.ListenerAddr)

	extra := []httpHeader{
		mkHeader("X-Forwarded-For", xff),
		mkHeader("X-Forwarded-Proto", proto),
		mkHeader("X-Forwarded-Port", listenerPort),
		mkHeader("Forwarded", forwarded),
		mkHeader("Sozu-Id", ulid),
	}
	for _, rw := range frontend.Rewrites {
		if rw.Op == RewriteAdd || rw.Op == RewriteSet {
			extra = append(extra, mkHeader(rw.Header, rw.Value))
		}
	}
	return extra
}

// buildStickyCookieHeader re-pins the client to backend on the response
// when the cluster uses cookie stickiness, so the next request's
// cookieValue lookup finds it.
func buildStickyCookieHeader(cluster *Cluster, backend *Backend) []httpHeader {
	if cluster.StickyCookie == "" {
		return nil
	}
	return []httpHeader{mkHeader("Set-Cookie", cluster.StickyCookie+"="+backend.ID+"; Path=/; HttpOnly")}
}

var statusText = map[int]string{
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	495: "TLS Handshake Error",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

// mapKindToStatus picks the response status a core.Error surfaces as,
// per spec §7's error-to-wire-signal table.
func mapKindToStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return 502
	}
	switch kind {
	case KindNoMatchingFrontend:
		return 404
	case KindNoHealthyBackend:
		return 503
	case KindBackendUnreachable, KindBackendTimeout:
		return 502
	case KindFrontendTimeout:
		return 408
	case KindTLSHandshakeFailure:
		return 495
	case KindParseError, KindProtocolViolation:
		return 400
	case KindResourceExhausted:
		return 503
	default:
		return 500
	}
}

// writeSimpleResponse sends a minimal, connection-closing error response
// on the front connection. Used only on paths that never got far enough
// to proxy a real response.
func writeSimpleResponse(conn net.Conn, status int, detail string) {
	text, ok := statusText[status]
	if !ok {
		text = "Error"
		status = 502
	}
	body := text
	if detail != "" {
		body = detail
	}
	resp := "HTTP/1.1 " + strconv.Itoa(status) + " " + text + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte(resp))
}
