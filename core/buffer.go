// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Buffer pool: fixed-size reusable byte regions for front/back streaming
// (spec §3 "Buffer", §4.2). Parsed tokens produced by the HTTP state
// machines are (offset, length) pairs into a window's data slice, never
// copied strings, per design note "Buffer zero-copy".

package core

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the capacity of one read or write window.
const DefaultBufferSize = 16 * 1024

// window is a fixed-capacity contiguous region that a parser or serializer
// advances in place. Valid, unconsumed bytes are data[begin:end].
type window struct {
	data  []byte
	begin int
	end   int
}

func newWindow(size int) *window { return &window{data: make([]byte, size)} }

func (w *window) reset() { w.begin, w.end = 0, 0 }

// readable is the span a parser still has to consume.
func (w *window) readable() []byte { return w.data[w.begin:w.end] }

// writable is the free tail a reader (e.g. conn.Read) can fill.
func (w *window) writable() []byte { return w.data[w.end:] }

func (w *window) advanceRead(n int) { w.begin += n }
func (w *window) advanceWrite(n int) { w.end += n }

// compact slides unread bytes to the front of data, making room at the
// tail without ever growing the allocation. Offsets already handed out as
// (offset,length) tokens become invalid after a compact; callers must have
// consumed every token referencing this window before calling it.
func (w *window) compact() {
	if w.begin == 0 {
		return
	}
	n := copy(w.data, w.data[w.begin:w.end])
	w.begin = 0
	w.end = n
}

func (w *window) full() bool { return w.end == len(w.data) }

// BufferPair is the Session-owned read buffer described by spec §3: one
// window fed by reads off a socket, recycled through Pool. Outbound bytes
// never sit in a buffer of their own — forwardHead, forwardBody, and their
// HTTP/2 equivalents write straight to the destination net.Conn, since
// each relayed chunk is already a natural write-syscall boundary and a
// second buffering layer in front of it would only add a copy. A Session
// owns two BufferPairs, one per side (front/back).
type BufferPair struct {
	In window
}

func (bp *BufferPair) reset() {
	bp.In.reset()
}

// Pool hands out BufferPairs in O(1) via sync.Pool, and tracks how many
// are currently leased so the Listener can refuse new connections once a
// configured ceiling is hit (spec §4.2 "no-buffer status").
type Pool struct {
	size     int
	maxLease int64
	leased   atomic.Int64
	exhausted atomic.Int64
	pool     sync.Pool
}

func NewPool(size int, maxLease int64) *Pool {
	p := &Pool{size: size, maxLease: maxLease}
	p.pool.New = func() any {
		return &BufferPair{In: *newWindow(size)}
	}
	return p
}

// Lease returns a reset (empty) BufferPair, or a ResourceExhausted error once
// maxLease outstanding pairs are in use.
func (p *Pool) Lease() (*BufferPair, error) {
	if p.maxLease > 0 && p.leased.Load() >= p.maxLease {
		p.exhausted.Add(1)
		return nil, newError(KindResourceExhausted, "buffer.Lease", nil)
	}
	bp := p.pool.Get().(*BufferPair)
	bp.reset()
	p.leased.Add(1)
	return bp, nil
}

func (p *Pool) Release(bp *BufferPair) {
	if bp == nil {
		return
	}
	p.pool.Put(bp)
	p.leased.Add(-1)
}

func (p *Pool) Leased() int64    { return p.leased.Load() }
func (p *Pool) Exhausted() int64 { return p.exhausted.Load() }
