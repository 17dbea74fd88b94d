// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/2 state machine (spec §4.4 "HTTP/2 mode"). Framing and HPACK ride
// on golang.org/x/net/http2 and golang.org/x/net/http2/hpack rather than a
// hand-rolled codec: the wire format itself is not something this project
// should be reimplementing. Each stream is proxied to its backend over a
// dedicated HTTP/1.1 connection from the same BackendPool the HTTP/1.1
// path uses, concurrently with its siblings — HTTP/1.1 has no multiplexing
// of its own, so "one goroutine per stream, one shared mutex-guarded
// framer for the front connection" is the natural translation of spec
// §4.4's per-stream state machine (Idle -> Open -> HalfClosed* -> Closed)
// into Go concurrency.

package core

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	h2DefaultMaxConcurrentStreams = 100
	h2DefaultInitialWindowSize    = 65535
	h2MaxDataFrameSize            = 16384
)

// httpHeader2 is a decoded HTTP/2 header field (HPACK has already turned
// it into strings; there is no zero-copy story on this side the way there
// is for HTTP/1.1's byte-window parsing).
type httpHeader2 struct{ name, value string }

func (h httpHeader2) is(s string) bool { return strings.EqualFold(h.name, s) }

// h2MaxQueuedBody bounds how many DATA frames' worth of request body a
// stream may have buffered ahead of proxyStream's backend write — a small,
// fixed number of frames rather than the whole body, so an upload of any
// size costs O(1) memory per stream instead of growing with its length.
const h2MaxQueuedBody = 4

type h2Stream struct {
	id         uint32
	method     string
	path       string
	scheme     string
	authority  string
	headers    []httpHeader2
	bodyCh     chan []byte // DATA frame payloads, drained by proxyStream as they arrive
	bodyLen    atomic.Int64
	bodyDone   chan struct{}
	bodyClosed sync.Once
	abort      chan struct{} // closed on RST_STREAM, to unblock onData/drainBody immediately
	abortOnce  sync.Once
	sendWindow int64
	rst        bool
}

func newH2Stream(id uint32) *h2Stream {
	return &h2Stream{
		id:         id,
		sendWindow: h2DefaultInitialWindowSize,
		bodyCh:     make(chan []byte, h2MaxQueuedBody),
		bodyDone:   make(chan struct{}),
		abort:      make(chan struct{}),
	}
}

// closeBody marks the request body complete, exactly once. Called either
// when a DATA frame carries END_STREAM or when the headers frame itself
// does (a body-less request).
func (st *h2Stream) closeBody() {
	st.bodyClosed.Do(func() { close(st.bodyDone) })
}

// abortBody unblocks anything waiting on the body channel after a
// RST_STREAM, exactly once, so onData's send and proxyStream's drain
// don't wait on data that will never arrive.
func (st *h2Stream) abortBody() {
	st.abortOnce.Do(func() { close(st.abort) })
}

// drainBody keeps consuming st.bodyCh until the body is marked complete,
// the stream is aborted, or the connection itself is going away —
// called from proxyStream's early-return paths so onData never blocks
// forever trying to push into an abandoned stream's full channel.
func (st *h2Stream) drainBody(connDone <-chan struct{}) {
	for {
		select {
		case <-st.bodyCh:
		case <-st.bodyDone:
			return
		case <-st.abort:
			return
		case <-connDone:
			return
		}
	}
}

func (st *h2Stream) header(name string) (httpHeader2, bool) {
	for _, h := range st.headers {
		if h.is(name) {
			return h, true
		}
	}
	return httpHeader2{}, false
}

// h2Conn is the connection-level state for one HTTP/2 Session. All frame
// writes to the front connection go through writeFrame, which serializes
// them across the concurrent per-stream goroutines.
type h2Conn struct {
	s  *Session
	fr *http2.Framer

	writeMu sync.Mutex

	mu             sync.Mutex
	cond           *sync.Cond
	streams        map[uint32]*h2Stream
	connSendWindow int64
	closed         bool

	// doneCh is closed once loop returns, so a stream goroutine blocked
	// waiting on body data or send-window that will now never arrive can
	// unwind instead of leaking past the connection's own lifetime.
	doneCh chan struct{}

	wg sync.WaitGroup
}

func newH2Conn(s *Session, fr *http2.Framer) *h2Conn {
	c := &h2Conn{s: s, fr: fr, streams: make(map[uint32]*h2Stream), connSendWindow: h2DefaultInitialWindowSize, doneCh: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (s *Session) serveHTTP2(ctx context.Context) error {
	preface := make([]byte, len(http2.ClientPreface))
	s.Front.SetReadDeadline(time.Now().Add(DefaultHandshakeTimeout))
	if _, err := readFull(s.Front, preface); err != nil {
		return newError(KindProtocolViolation, "http2.preface", err)
	}
	if string(preface) != http2.ClientPreface {
		return newError(KindProtocolViolation, "http2.preface", errMalformedHead)
	}
	s.Front.SetReadDeadline(time.Time{})

	fr := http2.NewFramer(s.Front, s.Front)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	c := newH2Conn(s, fr)
	s.h2.Store(c)
	if err := c.writeFrame(func() error {
		return c.fr.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: h2DefaultMaxConcurrentStreams},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: h2DefaultInitialWindowSize},
		)
	}); err != nil {
		return err
	}

	err := c.loop(ctx)
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	close(c.doneCh)
	c.wg.Wait()
	return err
}

// sendGoAway tells the peer no further streams will be accepted on this
// connection; streams already open are left to finish (spec §4.5, §8
// "graceful drain"). Safe to call from outside loop's own goroutine —
// Session.Shutdown calls it from the Listener's drain path — since
// writeFrame already serializes every write to the front connection.
func (c *h2Conn) sendGoAway() {
	c.mu.Lock()
	lastID := uint32(0)
	for id := range c.streams {
		if id > lastID {
			lastID = id
		}
	}
	c.mu.Unlock()
	c.writeFrame(func() error { return c.fr.WriteGoAway(lastID, http2.ErrCodeNo, nil) })
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *h2Conn) writeFrame(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

func (c *h2Conn) loop(ctx context.Context) error {
	for {
		c.s.armIdleTimer(5 * time.Minute)
		frame, err := c.fr.ReadFrame()
		c.s.disarmIdleTimer()
		if err != nil {
			return err
		}
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			c.mu.Lock()
			existing, isTrailer := c.streams[f.StreamID]
			tooMany := !isTrailer && len(c.streams) >= h2DefaultMaxConcurrentStreams
			c.mu.Unlock()
			if isTrailer {
				// Trailers on an already-open stream; this engine doesn't
				// forward trailers to the backend, so only the body-end
				// signal they may carry matters.
				if f.StreamEnded() {
					existing.closeBody()
				}
				continue
			}
			if tooMany {
				// Refuse rather than silently drop: spec §4.5 caps
				// concurrent streams at the value advertised in SETTINGS.
				c.writeFrame(func() error { return c.fr.WriteRSTStream(f.StreamID, http2.ErrCodeRefusedStream) })
				continue
			}
			// Binding happens now, at headers-complete, not once the body
			// finishes arriving (spec §4.5): proxyStream dials the backend
			// and starts streaming the body to it concurrently with the
			// rest of this frame loop.
			st := c.openStream(f)
			c.wg.Add(1)
			go func() { defer c.wg.Done(); c.proxyStream(ctx, st) }()
			if f.StreamEnded() {
				st.closeBody()
			}
		case *http2.DataFrame:
			c.onData(f)
		case *http2.WindowUpdateFrame:
			c.onWindowUpdate(f)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				c.writeFrame(func() error { return c.fr.WriteSettingsAck() })
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeFrame(func() error { return c.fr.WritePing(true, f.Data) })
			}
		case *http2.RSTStreamFrame:
			c.mu.Lock()
			st, ok := c.streams[f.StreamID]
			if ok {
				st.rst = true
			}
			c.cond.Broadcast()
			c.mu.Unlock()
			if ok {
				st.abortBody()
				st.closeBody()
			}
		case *http2.GoAwayFrame:
			return nil
		case *http2.PriorityFrame, *http2.ContinuationFrame:
			// priority hints are not used by our load-balancing policies;
			// continuation is merged into MetaHeadersFrame already.
		}
	}
}

func (c *h2Conn) openStream(f *http2.MetaHeadersFrame) *h2Stream {
	st := newH2Stream(f.StreamID)
	for _, field := range f.Fields {
		switch field.Name {
		case ":method":
			st.method = field.Value
		case ":path":
			st.path = field.Value
		case ":scheme":
			st.scheme = field.Value
		case ":authority":
			st.authority = field.Value
		default:
			if !strings.HasPrefix(field.Name, ":") {
				st.headers = append(st.headers, httpHeader2{name: field.Name, value: field.Value})
			}
		}
	}
	c.mu.Lock()
	c.streams[st.id] = st
	c.mu.Unlock()
	return st
}

func (c *h2Conn) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// onData pushes a DATA frame's payload into the stream's bounded body
// channel, where proxyStream's writeChunk loop is already draining it —
// the stream was bound to a backend at headers-complete, not here
// (spec §4.5). A select against st.abort and c.doneCh keeps this from
// blocking forever if proxyStream gave up on the stream early.
func (c *h2Conn) onData(f *http2.DataFrame) {
	c.mu.Lock()
	st, ok := c.streams[f.StreamID]
	c.mu.Unlock()
	data := f.Data()
	if ok && len(data) > 0 {
		buf := append([]byte(nil), data...)
		select {
		case st.bodyCh <- buf:
			st.bodyLen.Add(int64(len(buf)))
		case <-st.abort:
		case <-c.doneCh:
		}
	}
	if len(data) > 0 {
		c.writeFrame(func() error {
			if err := c.fr.WriteWindowUpdate(f.StreamID, uint32(len(data))); err != nil {
				return err
			}
			return c.fr.WriteWindowUpdate(0, uint32(len(data)))
		})
	}
	if ok && f.StreamEnded() {
		st.closeBody()
	}
}

func (c *h2Conn) onWindowUpdate(f *http2.WindowUpdateFrame) {
	c.mu.Lock()
	if f.StreamID == 0 {
		c.connSendWindow += int64(f.Increment)
	} else if st, ok := c.streams[f.StreamID]; ok {
		st.sendWindow += int64(f.Increment)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// awaitSendWindow blocks until at least one byte of flow-control window is
// available for st, capped to a sensible DATA frame size, or returns 0 if
// the stream was reset or the connection is shutting down.
func (c *h2Conn) awaitSendWindow(st *h2Stream, want int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed || st.rst {
			return 0
		}
		avail := want
		if int64(avail) > st.sendWindow {
			avail = int(st.sendWindow)
		}
		if int64(avail) > c.connSendWindow {
			avail = int(c.connSendWindow)
		}
		if avail > 0 {
			if avail > h2MaxDataFrameSize {
				avail = h2MaxDataFrameSize
			}
			st.sendWindow -= int64(avail)
			c.connSendWindow -= int64(avail)
			return avail
		}
		c.cond.Wait()
	}
}

// acquireStreamBackend dials (or leases) a connection for one HTTP/2
// stream's backend. Unlike Session.acquireBackendConn, the connection
// isn't bound to the Session — a Session may have many streams proxying
// concurrently, each to its own backend connection.
func (c *h2Conn) acquireStreamBackend(ctx context.Context, cluster *Cluster, backend *Backend) (net.Conn, error) {
	var tlsCfg *tls.Config
	if backend.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return c.s.pool.Acquire(ctx, cluster.ID, backend.ID, backend.Address, backend.TLS, c.s.SNI, tlsCfg)
}

// acquireStreamBackendWithRetry mirrors Session.acquireBackendConnWithRetry
// (spec §7's connect-retry) for the per-stream backends an HTTP/2
// connection proxies to.
func (c *h2Conn) acquireStreamBackendWithRetry(ctx context.Context, cluster *Cluster, backend *Backend, req RouteRequest) (net.Conn, *Backend, error) {
	conn, err := c.acquireStreamBackend(ctx, cluster, backend)
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
		conn, err = c.acquireStreamBackend(ctx, cluster, next)
		if err == nil {
			return conn, next, nil
		}
		backend = next
	}
	return nil, backend, err
}

// proxyStream runs the whole request/response cycle for one stream against
// its own backend connection, fully independent of any other stream on
// this Session. It is spawned as soon as headers are complete (spec §4.5):
// the backend binding does not wait for the body, which is instead relayed
// incrementally as DATA frames arrive on st.bodyCh.
func (c *h2Conn) proxyStream(ctx context.Context, st *h2Stream) {
	defer c.removeStream(st.id)
	defer st.drainBody(c.doneCh) // in case we return before the body is fully relayed

	backend, cluster, req, err := c.route(st)
	if err != nil {
		c.sendErrorResponse(st.id, mapKindToStatus(err))
		return
	}

	bp, err := c.s.bufPool.Lease()
	if err != nil {
		c.sendErrorResponse(st.id, 503)
		return
	}
	defer c.s.bufPool.Release(bp)

	conn, backend, err := c.acquireStreamBackendWithRetry(ctx, cluster, backend, req)
	if err != nil {
		c.sendErrorResponse(st.id, mapKindToStatus(err))
		return
	}
	backend.IncInFlight()
	reusable := false
	defer func() {
		if reusable {
			c.s.pool.Release(cluster.ID, backend.ID, backend.TLS, c.s.SNI, conn)
		} else {
			c.s.pool.Discard(conn)
		}
		backend.DecInFlight()
	}()

	ulid := c.s.ulidGen.Next().String()
	start := time.Now()
	writeDeadline := time.Now().Add(30 * time.Second)
	if err := writeH2RequestHeadAsHTTP1(conn, st, c.s, ulid, writeDeadline); err != nil {
		c.sendErrorResponse(st.id, 502)
		return
	}
	if err := relayH2BodyAsChunked(conn, st, writeDeadline, c.doneCh); err != nil {
		c.sendErrorResponse(st.id, 502)
		return
	}

	respHead, err := readHead(conn, &bp.In, false, time.Now().Add(backResponseTimeout))
	if err != nil {
		if c.s.hc != nil {
			c.s.hc.RecordFailure(cluster, backend)
		}
		c.sendErrorResponse(st.id, 504)
		return
	}
	if c.s.hc != nil {
		if respHead.statusCode >= 500 {
			c.s.hc.RecordFailure(cluster, backend)
		} else {
			c.s.hc.RecordSuccess(backend)
		}
	}

	if err := c.writeResponseHeaders(st.id, respHead, cluster, backend); err != nil {
		return
	}

	var bodyErr error
	switch {
	case respHead.chunked:
		bodyErr = c.relayChunkedToStream(st, conn, &bp.In)
	case respHead.contentLength >= 0:
		bodyErr = c.relayContentLengthToStream(st, conn, &bp.In, respHead.contentLength)
	default:
		respHead.closeAfter = true
		bodyErr = c.relayUntilEOFToStream(st, conn, &bp.In)
	}
	c.writeFrame(func() error { return c.fr.WriteData(st.id, true, nil) })

	if bodyErr == nil && !respHead.closeAfter {
		reusable = true
	}
	if c.s.obs != nil {
		c.s.obs.RequestCompleted(ulid, respHead.statusCode, st.bodyLen.Load(), 0, time.Since(start))
	}
}

func (c *h2Conn) route(st *h2Stream) (*Backend, *Cluster, RouteRequest, error) {
	path := st.path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	req := RouteRequest{
		ListenerAddr: c.s.ListenerAddr,
		SNI:          c.s.SNI,
		Host:         st.authority,
		Method:       st.method,
		Path:         path,
	}
	_, cluster, err := Match(c.s.Snap, req)
	if err != nil {
		return nil, nil, req, err
	}
	if cluster.StickyCookie != "" {
		if ck, ok := st.header("cookie"); ok {
			for _, pair := range strings.Split(ck.value, ";") {
				k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
				if ok && k == cluster.StickyCookie {
					req.StickyToken = v
					break
				}
			}
		}
	}
	backend, err := PickBackend(cluster, req)
	if err != nil {
		return nil, cluster, req, err
	}
	return backend, cluster, req, nil
}

// writeH2RequestHeadAsHTTP1 writes only the request line and headers to
// conn — not the body, whose length isn't known yet since the stream was
// bound to this backend at headers-complete (spec §4.5), before any DATA
// frames necessarily arrived. The body always goes out
// Transfer-Encoding: chunked as a result; relayH2BodyAsChunked writes it
// separately, as it streams in.
func writeH2RequestHeadAsHTTP1(conn net.Conn, st *h2Stream, s *Session, ulid string, deadline time.Time) error {
	var buf bytes.Buffer
	target := st.path
	if target == "" {
		target = "/"
	}
	buf.WriteString(st.method)
	buf.WriteByte(' ')
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1\r\n")
	buf.WriteString("Host: ")
	buf.WriteString(st.authority)
	buf.WriteString("\r\n")
	for _, h := range st.headers {
		lname := strings.ToLower(h.name)
		if hopByHop[lname] || lname == "host" {
			continue
		}
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.WriteString(h.value)
		buf.WriteString("\r\n")
	}
	remoteHost, _, _ := net.SplitHostPort(s.RemoteAddr)
	if remoteHost == "" {
		remoteHost = s.RemoteAddr
	}
	buf.WriteString("X-Forwarded-For: ")
	buf.WriteString(remoteHost)
	buf.WriteString("\r\nX-Forwarded-Proto: ")
	buf.WriteString(st.scheme)
	buf.WriteString("\r\nSozu-Id: ")
	buf.WriteString(ulid)
	buf.WriteString("\r\nConnection: keep-alive\r\n")
	buf.WriteString("Transfer-Encoding: chunked\r\n\r\n")

	conn.SetWriteDeadline(deadline)
	_, err := conn.Write(buf.Bytes())
	return err
}

// writeChunk writes one HTTP/1.1 chunk (size line, payload, trailing
// CRLF). Called once per DATA frame's payload rather than buffering a
// request body of any size.
func writeChunk(conn net.Conn, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := conn.Write([]byte(strconv.FormatInt(int64(len(data)), 16) + "\r\n")); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	_, err := conn.Write([]byte("\r\n"))
	return err
}

func writeChunkTerminator(conn net.Conn) error {
	_, err := conn.Write([]byte("0\r\n\r\n"))
	return err
}

// relayH2BodyAsChunked drains st.bodyCh, writing each DATA frame's payload
// to conn as an HTTP/1.1 chunk as it arrives, until the body is marked
// complete (st.bodyDone), the stream is reset (st.abort), or the
// connection this stream belongs to is shutting down (connDone).
func relayH2BodyAsChunked(conn net.Conn, st *h2Stream, deadline time.Time, connDone <-chan struct{}) error {
	for {
		select {
		case data := <-st.bodyCh:
			conn.SetWriteDeadline(deadline)
			if err := writeChunk(conn, data); err != nil {
				return err
			}
		case <-st.bodyDone:
			// Drain whatever is still queued before terminating — bodyDone
			// closing doesn't mean bodyCh is empty, just that no more will
			// arrive.
			for {
				select {
				case data := <-st.bodyCh:
					conn.SetWriteDeadline(deadline)
					if err := writeChunk(conn, data); err != nil {
						return err
					}
				default:
					conn.SetWriteDeadline(deadline)
					return writeChunkTerminator(conn)
				}
			}
		case <-st.abort:
			return errStreamAborted
		case <-connDone:
			return errStreamAborted
		}
	}
}

func (c *h2Conn) writeResponseHeaders(streamID uint32, respHead *msgHead, cluster *Cluster, backend *Backend) error {
	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(respHead.statusCode)})
	for _, h := range respHead.headers {
		lname := lowerCopy(h.name)
		if hopByHop[lname] {
			continue
		}
		enc.WriteField(hpack.HeaderField{Name: lname, Value: string(h.value)})
	}
	if cluster.StickyCookie != "" {
		enc.WriteField(hpack.HeaderField{Name: "set-cookie", Value: cluster.StickyCookie + "=" + backend.ID + "; Path=/; HttpOnly"})
	}
	return c.writeFrame(func() error {
		return c.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: hbuf.Bytes(),
			EndHeaders:    true,
		})
	})
}

func (c *h2Conn) sendErrorResponse(streamID uint32, status int) {
	var hbuf bytes.Buffer
	enc := hpack.NewEncoder(&hbuf)
	enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	c.writeFrame(func() error {
		return c.fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: hbuf.Bytes(),
			EndHeaders:    true,
			EndStream:     true,
		})
	})
}

var errStreamAborted = stdError("http2 stream reset or connection closing")

func (c *h2Conn) writeDataChunked(st *h2Stream, data []byte) error {
	for len(data) > 0 {
		n := c.awaitSendWindow(st, len(data))
		if n == 0 {
			return errStreamAborted
		}
		chunk := data[:n]
		data = data[n:]
		if err := c.writeFrame(func() error { return c.fr.WriteData(st.id, false, chunk) }); err != nil {
			return err
		}
	}
	return nil
}

func (c *h2Conn) relayContentLengthToStream(st *h2Stream, conn net.Conn, win *window, n int64) error {
	remaining := n
	if avail := win.readable(); len(avail) > 0 {
		take := int64(len(avail))
		if take > remaining {
			take = remaining
		}
		if err := c.writeDataChunked(st, avail[:take]); err != nil {
			return err
		}
		win.advanceRead(int(take))
		remaining -= take
	}
	buf := make([]byte, 16384)
	for remaining > 0 {
		conn.SetReadDeadline(time.Now().Add(backResponseTimeout))
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}
		n, err := conn.Read(buf[:want])
		if n > 0 {
			if werr := c.writeDataChunked(st, buf[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *h2Conn) relayUntilEOFToStream(st *h2Stream, conn net.Conn, win *window) error {
	if avail := win.readable(); len(avail) > 0 {
		if err := c.writeDataChunked(st, avail); err != nil {
			return err
		}
		win.advanceRead(len(avail))
	}
	buf := make([]byte, 16384)
	for {
		conn.SetReadDeadline(time.Now().Add(backResponseTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := c.writeDataChunked(st, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *h2Conn) relayChunkedToStream(st *h2Stream, conn net.Conn, win *window) error {
	for {
		line, err := readLine(conn, win, time.Now().Add(backResponseTimeout))
		if err != nil {
			return err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}
		if size == 0 {
			for {
				tline, err := readLine(conn, win, time.Now().Add(backResponseTimeout))
				if err != nil {
					return err
				}
				if len(tline) == 0 {
					return nil
				}
			}
		}
		remaining := size
		if avail := win.readable(); len(avail) > 0 {
			take := len(avail)
			if take > remaining {
				take = remaining
			}
			if err := c.writeDataChunked(st, avail[:take]); err != nil {
				return err
			}
			win.advanceRead(take)
			remaining -= take
		}
		buf := make([]byte, 16384)
		for remaining > 0 {
			conn.SetReadDeadline(time.Now().Add(backResponseTimeout))
			want := len(buf)
			if want > remaining {
				want = remaining
			}
			n, err := conn.Read(buf[:want])
			if n > 0 {
				if werr := c.writeDataChunked(st, buf[:n]); werr != nil {
					return werr
				}
				remaining -= n
			}
			if err != nil {
				return err
			}
		}
		trailer, err := readLine(conn, win, time.Now().Add(backResponseTimeout))
		if err != nil {
			return err
		}
		if len(trailer) != 0 {
			return newError(KindParseError, "relayChunkedToStream", errMalformedHead)
		}
	}
}
