// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1.1 state machine (spec §4.4). Parsing is incremental and
// zero-copy for the head: a msgHead's fields are (offset,length) spans
// into the window that received the bytes, never copied strings. Body
// framing (content-length, chunked, connection-close) is forwarded
// without fully buffering the content. States per request:
// RequestStart -> RequestHeaders -> RequestBody -> ResponseStart ->
// ResponseHeaders -> ResponseBody -> Done|KeepAlive.

package core

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"time"
)

var crlf = []byte("\r\n")
var colonSpace = []byte(": ")

// hopByHop lists the headers spec §4.4 requires stripped on every hop.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// httpHeader is a zero-copy view of one header line: name/value are
// slices into the owning window's data; line is the full "Name: value"
// span (without CRLF) used for pass-through serialization.
type httpHeader struct {
	name, value, line []byte
}

func (h httpHeader) is(s string) bool { return bytesEqualFoldASCII(h.name, s) }

func bytesEqualFoldASCII(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		d := s[i]
		if d >= 'A' && d <= 'Z' {
			d += 'a' - 'A'
		}
		if c != d {
			return false
		}
	}
	return true
}

// msgHead is a parsed request or response head.
type msgHead struct {
	isRequest bool

	method, target, version []byte // request
	statusCode               int    // response
	reason                   []byte // response

	headers []httpHeader

	contentLength int64 // -1 when absent
	chunked       bool
	closeAfter    bool // Connection: close, or HTTP/1.0 without keep-alive
	hasExpect100  bool
	upgrade       bool
}

func (h *msgHead) header(name string) (httpHeader, bool) {
	for _, hd := range h.headers {
		if hd.is(name) {
			return hd, true
		}
	}
	return httpHeader{}, false
}

var (
	errHeadTooLarge  = stdError("request or response head exceeds buffer size")
	errMalformedHead = stdError("malformed HTTP head")
)

// readHead blocks (up to deadline) until a full head (terminated by
// CRLFCRLF) has arrived in win, refilling win from conn as needed, then
// parses it. On success it advances win past the head so the caller can
// read whatever body bytes happened to arrive in the same read.
func readHead(conn net.Conn, win *window, isRequest bool, deadline time.Time) (*msgHead, error) {
	for {
		if idx := findHeadEnd(win.readable()); idx >= 0 {
			raw := win.readable()[:idx]
			head, err := parseHead(raw, isRequest)
			if err != nil {
				return nil, newError(KindParseError, "readHead", err)
			}
			win.advanceRead(idx)
			return head, nil
		}
		if win.full() {
			win.compact()
			if win.full() {
				return nil, newError(KindParseError, "readHead", errHeadTooLarge)
			}
		}
		if !deadline.IsZero() {
			if err := conn.SetReadDeadline(deadline); err != nil {
				return nil, err
			}
		}
		n, err := conn.Read(win.writable())
		if n > 0 {
			win.advanceWrite(n)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func findHeadEnd(data []byte) int {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

func parseHead(raw []byte, isRequest bool) (*msgHead, error) {
	lines, err := splitCRLFLines(raw)
	if err != nil || len(lines) == 0 {
		return nil, errMalformedHead
	}
	h := &msgHead{isRequest: isRequest, contentLength: -1}
	if isRequest {
		method, target, version, ok := parseRequestLine(lines[0])
		if !ok {
			return nil, errMalformedHead
		}
		h.method, h.target, h.version = method, target, version
	} else {
		version, code, reason, ok := parseStatusLine(lines[0])
		if !ok {
			return nil, errMalformedHead
		}
		h.version, h.statusCode, h.reason = version, code, reason
	}

	for _, line := range lines[1:] {
		name, value, ok := parseHeaderLine(line)
		if !ok {
			return nil, errMalformedHead
		}
		h.headers = append(h.headers, httpHeader{name: name, value: value, line: line})
	}

	if cl, ok := h.header("Content-Length"); ok {
		n, err := strconv.ParseInt(string(cl.value), 10, 64)
		if err != nil || n < 0 {
			return nil, errMalformedHead
		}
		h.contentLength = n
	}
	if te, ok := h.header("Transfer-Encoding"); ok && bytesEqualFoldASCII(bytes.TrimSpace(te.value), "chunked") {
		h.chunked = true
		h.contentLength = -1
	}
	if conn, ok := h.header("Connection"); ok {
		for _, tok := range bytes.Split(conn.value, []byte(",")) {
			tok = bytes.TrimSpace(tok)
			if bytesEqualFoldASCII(tok, "close") {
				h.closeAfter = true
			}
			if bytesEqualFoldASCII(tok, "upgrade") {
				h.upgrade = true
			}
		}
	} else if bytes.Equal(h.version, []byte("HTTP/1.0")) {
		h.closeAfter = true
	}
	if exp, ok := h.header("Expect"); ok && bytesEqualFoldASCII(bytes.TrimSpace(exp.value), "100-continue") {
		h.hasExpect100 = true
	}
	return h, nil
}

func splitCRLFLines(raw []byte) ([][]byte, error) {
	end := len(raw)
	if end >= 2 && raw[end-2] == '\r' && raw[end-1] == '\n' {
		end -= 2
	}
	if end >= 2 && raw[end-2] == '\r' && raw[end-1] == '\n' {
		end -= 2 // trailing blank line from CRLFCRLF
	}
	var lines [][]byte
	body := raw[:end]
	for len(body) > 0 {
		i := bytes.Index(body, crlf)
		if i < 0 {
			lines = append(lines, body)
			break
		}
		lines = append(lines, body[:i])
		body = body[i+2:]
	}
	return lines, nil
}

func parseRequestLine(line []byte) (method, target, version []byte, ok bool) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return nil, nil, nil, false
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return nil, nil, nil, false
	}
	return line[:sp1], rest[:sp2], rest[sp2+1:], true
}

func parseStatusLine(line []byte) (version []byte, code int, reason []byte, ok bool) {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return nil, 0, nil, false
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	codeBytes := rest
	if sp2 >= 0 {
		codeBytes = rest[:sp2]
	}
	n, err := strconv.Atoi(string(codeBytes))
	if err != nil {
		return nil, 0, nil, false
	}
	var reasonBytes []byte
	if sp2 >= 0 {
		reasonBytes = rest[sp2+1:]
	}
	return line[:sp1], n, reasonBytes, true
}

func parseHeaderLine(line []byte) (name, value []byte, ok bool) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return nil, nil, false
	}
	name = line[:i]
	value = bytes.TrimSpace(line[i+1:])
	return name, value, true
}

// forwardHead writes firstLine + pass-through header spans (skipping any
// header named by drop) + injected extras + terminating CRLF to dst. This
// is the "edit list interleaved with pass-through spans" of design note
// "Buffer zero-copy": unmodified headers are written straight out of the
// buffer that received them; only injected/overridden headers allocate.
func forwardHead(dst net.Conn, firstLine []byte, headers []httpHeader, drop map[string]bool, extra []httpHeader, deadline time.Time) error {
	if !deadline.IsZero() {
		if err := dst.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	bufs := make([][]byte, 0, len(headers)*2+4)
	bufs = append(bufs, firstLine, crlf)
	for _, h := range headers {
		lname := lowerCopy(h.name)
		if drop[lname] {
			continue
		}
		bufs = append(bufs, h.line, crlf)
	}
	for _, h := range extra {
		bufs = append(bufs, h.name, colonSpace, h.value, crlf)
	}
	bufs = append(bufs, crlf)
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if _, err := dst.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func lowerCopy(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// forwardBody streams a content-length or connection-close-delimited body
// from src to dst, first draining whatever already landed in srcWin.
func forwardBody(dst net.Conn, src net.Conn, srcWin *window, n int64, deadline time.Time) (int64, error) {
	var written int64
	if avail := srcWin.readable(); len(avail) > 0 {
		take := int64(len(avail))
		if n >= 0 && take > n {
			take = n
		}
		nw, err := dst.Write(avail[:take])
		written += int64(nw)
		srcWin.advanceRead(nw)
		if err != nil {
			return written, err
		}
		if n >= 0 {
			n -= take
			if n == 0 {
				return written, nil
			}
		}
	}
	if !deadline.IsZero() {
		src.SetReadDeadline(deadline)
		dst.SetWriteDeadline(deadline)
	}
	scratch := srcWin.data
	if n < 0 {
		nw, err := io.CopyBuffer(dst, src, scratch)
		written += nw
		if err == io.EOF {
			err = nil
		}
		return written, err
	}
	nw, err := io.CopyBuffer(dst, io.LimitReader(src, n), scratch)
	written += nw
	return written, err
}

// forwardChunked relays a chunked body (data chunks + trailers) verbatim,
// chunk by chunk, so neither side is ever asked to buffer the whole body
// (spec §4.4 "chunked-chunked transfer ... without full buffering").
func forwardChunked(dst net.Conn, src net.Conn, srcWin *window, deadline time.Time) (int64, error) {
	var written int64
	for {
		line, err := readLine(src, srcWin, deadline)
		if err != nil {
			return written, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return written, newError(KindParseError, "forwardChunked", err)
		}
		if !deadline.IsZero() {
			dst.SetWriteDeadline(deadline)
		}
		if _, err := dst.Write(line); err != nil {
			return written, err
		}
		if _, err := dst.Write(crlf); err != nil {
			return written, err
		}
		if size == 0 {
			// trailers: zero or more header lines, then a blank line.
			for {
				tline, err := readLine(src, srcWin, deadline)
				if err != nil {
					return written, err
				}
				dst.Write(tline)
				dst.Write(crlf)
				if len(tline) == 0 {
					return written, nil
				}
			}
		}
		n, err := forwardExact(dst, src, srcWin, int64(size), deadline)
		written += n
		if err != nil {
			return written, err
		}
		// trailing CRLF after chunk data
		trailer, err := readLine(src, srcWin, deadline)
		if err != nil {
			return written, err
		}
		if len(trailer) != 0 {
			return written, newError(KindParseError, "forwardChunked", errMalformedHead)
		}
		dst.Write(crlf)
	}
}

func forwardExact(dst net.Conn, src net.Conn, srcWin *window, n int64, deadline time.Time) (int64, error) {
	var written int64
	if avail := srcWin.readable(); len(avail) > 0 {
		take := int64(len(avail))
		if take > n {
			take = n
		}
		nw, err := dst.Write(avail[:take])
		written += int64(nw)
		srcWin.advanceRead(nw)
		if err != nil {
			return written, err
		}
		n -= take
	}
	if n == 0 {
		return written, nil
	}
	if !deadline.IsZero() {
		src.SetReadDeadline(deadline)
		dst.SetWriteDeadline(deadline)
	}
	nw, err := io.CopyBuffer(dst, io.LimitReader(src, n), srcWin.data)
	written += nw
	return written, err
}

// readLine returns the next CRLF-terminated line (without the CRLF),
// refilling srcWin from src as needed.
func readLine(src net.Conn, win *window, deadline time.Time) ([]byte, error) {
	for {
		if idx := bytes.Index(win.readable(), crlf); idx >= 0 {
			line := win.readable()[:idx]
			win.advanceRead(idx + 2)
			return line, nil
		}
		if win.full() {
			win.compact()
			if win.full() {
				return nil, newError(KindParseError, "readLine", errHeadTooLarge)
			}
		}
		if !deadline.IsZero() {
			src.SetReadDeadline(deadline)
		}
		n, err := src.Read(win.writable())
		if n > 0 {
			win.advanceWrite(n)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func parseChunkSize(line []byte) (int, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions play no part in the size; forwardChunked still relays the line as received
	}
	n, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 32)
	if err != nil || n < 0 {
		return 0, errMalformedHead
	}
	return int(n), nil
}

// relayUpgraded ferries raw bytes in both directions after a 101 response,
// until either side half-closes (spec §4.4 Upgrade handling).
func relayUpgraded(front, back net.Conn, frontWin, backWin *window) (int64, int64, error) {
	type result struct {
		n   int64
		err error
	}
	fwd := make(chan result, 1)
	go func() {
		n, err := drainThenCopy(back, front, frontWin)
		if tc, ok := back.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
		back.SetReadDeadline(time.Now()) // end the other direction too
		fwd <- result{n, err}
	}()
	n2, err2 := drainThenCopy(front, back, backWin)
	if tc, ok := front.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	}
	front.SetReadDeadline(time.Now()) // end the other direction too
	r := <-fwd
	if ne, ok := err2.(net.Error); ok && ne.Timeout() {
		err2 = nil
	}
	if ne, ok := r.err.(net.Error); ok && ne.Timeout() {
		r.err = nil
	}
	if err2 == nil {
		err2 = r.err
	}
	return r.n, n2, err2
}

func drainThenCopy(dst net.Conn, src net.Conn, srcWin *window) (int64, error) {
	var written int64
	if avail := srcWin.readable(); len(avail) > 0 {
		nw, err := dst.Write(avail)
		written += int64(nw)
		srcWin.advanceRead(nw)
		if err != nil {
			return written, err
		}
	}
	nw, err := io.CopyBuffer(dst, src, srcWin.data)
	written += nw
	if err == io.EOF {
		err = nil
	}
	return written, err
}

// serveHTTP1 runs the keep-alive loop: each iteration is one
// RequestStart..Done|KeepAlive cycle. Pipelined requests are accepted on
// the front (the next head is only read after this iteration finishes
// forwarding the previous response), satisfying spec §4.4's pipelining
// serialization requirement for free, since this is a single sequential
// goroutine.
func (s *Session) serveHTTP1(ctx context.Context) error {
	for {
		if err := s.serveOneHTTP1Exchange(ctx); err != nil {
			return err
		}
		if s.IsClosed() {
			return nil
		}
	}
}

func (s *Session) serveOneHTTP1Exchange(ctx context.Context) error {
	s.armIdleTimer(idleTimeoutFor(s))
	reqHead, err := readHead(s.Front, &s.frontBuf.In, true, time.Time{})
	s.disarmIdleTimer()
	if err != nil {
		return err
	}
	start := time.Now()

	backend, cluster, frontend, req, err := s.routeHTTP1(reqHead)
	if err != nil {
		writeSimpleResponse(s.Front, mapKindToStatus(err), "")
		return err
	}

	if err := s.leaseBackBuffer(); err != nil {
		writeSimpleResponse(s.Front, 503, "no buffer available")
		return err
	}

	_, backend, err = s.acquireBackendConnWithRetry(ctx, cluster, backend, req)
	if err != nil {
		writeSimpleResponse(s.Front, mapKindToStatus(err), "")
		return nil // front connection stays open; client may retry
	}
	if s.obs != nil {
		s.obs.RequestRouted(cluster.ID, backend.ID, frontend.ID)
	}

	ulid := s.ulidGen.Next().String()
	extra := buildForwardingHeaders(s, reqHead, frontend, ulid)
	if reqHead.chunked {
		// Transfer-Encoding is dropped as hop-by-hop, but the body below is
		// relayed chunked, so the backend is told so.
		extra = append(extra, mkHeader("Transfer-Encoding", "chunked"))
	}
	drop := buildDropSet(hopByHop, frontend)
	writeDeadline := time.Now().Add(30 * time.Second)
	if err := forwardHead(s.back, firstLineOf(reqHead), reqHead.headers, drop, extra, writeDeadline); err != nil {
		s.discardBackend()
		return err
	}

	// Expect: 100-continue (spec §8): wait for the backend's interim
	// response before sending the body instead of assuming it wants one.
	// A backend that answers with something other than 100 has declined
	// the body outright; that response becomes the final one and the
	// body is never sent.
	var respHead *msgHead
	if reqHead.hasExpect100 {
		interim, err := readHead(s.back, &s.backBuf.In, false, time.Now().Add(backResponseTimeout))
		if err != nil {
			s.discardBackend()
			writeSimpleResponse(s.Front, 504, "")
			return err
		}
		if interim.statusCode == 100 {
			if err := forwardHead(s.Front, firstLineOfResponse(interim), interim.headers, map[string]bool{}, nil, writeDeadline); err != nil {
				s.discardBackend()
				return err
			}
		} else {
			respHead = interim
		}
	}

	var bytesIn int64
	if respHead == nil {
		if n, err := s.forwardRequestBody(reqHead, writeDeadline); err != nil {
			s.discardBackend()
			return err
		} else {
			s.bytesIn.Add(n)
			bytesIn = n
		}

		s.armIdleTimer(backResponseTimeout)
		respHead, err = readHead(s.back, &s.backBuf.In, false, time.Time{})
		s.disarmIdleTimer()
		if err != nil {
			if s.hc != nil {
				s.hc.RecordFailure(cluster, backend)
			}
			s.discardBackend()
			writeSimpleResponse(s.Front, 504, "")
			return err
		}
	}
	if s.hc != nil {
		if respHead.statusCode >= 500 {
			s.hc.RecordFailure(cluster, backend)
		} else {
			s.hc.RecordSuccess(backend)
		}
	}

	respDrop := map[string]bool{}
	for k := range hopByHop {
		respDrop[k] = true
	}
	respExtra := buildStickyCookieHeader(cluster, backend)
	if respHead.chunked {
		respExtra = append(respExtra, mkHeader("Transfer-Encoding", "chunked"))
	}
	if err := forwardHead(s.Front, firstLineOfResponse(respHead), respHead.headers, respDrop, respExtra, time.Now().Add(30*time.Second)); err != nil {
		s.discardBackend()
		return err
	}

	if respHead.statusCode == 101 {
		n1, n2, err := relayUpgraded(s.Front, s.back, &s.frontBuf.In, &s.backBuf.In)
		s.bytesIn.Add(n1)
		s.bytesOut.Add(n2)
		s.discardBackend() // connection is no longer poolable HTTP
		return err
	}

	var bytesOut int64
	switch {
	case respHead.chunked:
		bytesOut, err = forwardChunked(s.Front, s.back, &s.backBuf.In, time.Now().Add(backResponseTimeout))
	case respHead.contentLength >= 0:
		bytesOut, err = forwardBody(s.Front, s.back, &s.backBuf.In, respHead.contentLength, time.Now().Add(backResponseTimeout))
	default:
		respHead.closeAfter = true
		bytesOut, err = forwardBody(s.Front, s.back, &s.backBuf.In, -1, time.Now().Add(backResponseTimeout))
	}
	s.bytesOut.Add(bytesOut)
	if err != nil {
		s.discardBackend()
		return err
	}

	if respHead.closeAfter || reqHead.closeAfter {
		s.discardBackend()
	} else {
		s.releaseBackend()
	}

	if s.obs != nil {
		s.obs.RequestCompleted(ulid, respHead.statusCode, bytesIn, bytesOut, time.Since(start))
	}
	if reqHead.closeAfter {
		return errClientRequestedClose
	}
	return nil
}

var errClientRequestedClose = stdError("client requested connection close")

func firstLineOf(h *msgHead) []byte {
	line := make([]byte, 0, len(h.method)+len(h.target)+len(h.version)+2)
	line = append(line, h.method...)
	line = append(line, ' ')
	line = append(line, h.target...)
	line = append(line, ' ')
	line = append(line, h.version...)
	return line
}

func firstLineOfResponse(h *msgHead) []byte {
	status := strconv.Itoa(h.statusCode)
	line := make([]byte, 0, len(h.version)+len(status)+len(h.reason)+2)
	line = append(line, h.version...)
	line = append(line, ' ')
	line = append(line, status...)
	line = append(line, ' ')
	line = append(line, h.reason...)
	return line
}

func (s *Session) forwardRequestBody(reqHead *msgHead, deadline time.Time) (int64, error) {
	switch {
	case reqHead.chunked:
		return forwardChunked(s.back, s.Front, &s.frontBuf.In, deadline)
	case reqHead.contentLength > 0:
		return forwardBody(s.back, s.Front, &s.frontBuf.In, reqHead.contentLength, deadline)
	default:
		return 0, nil
	}
}

const backResponseTimeout = 30 * time.Second

func idleTimeoutFor(s *Session) time.Duration { return 60 * time.Second }
