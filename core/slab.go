// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Socket pool: a slab of Session slots keyed by a generational Token, per
// spec §3/§4.2. Freed slots are reused, but a Token tags the generation it
// was allocated under, so an event that arrives for a slot that has since
// been freed and reused is detected and dropped instead of being delivered
// to the wrong Session.

package core

// Token stably names a slab slot across its lifetime. Index selects the
// slot; Gen must match the slot's current generation for the token to be
// considered live.
type Token struct {
	Index uint32
	Gen   uint32
}

type slabSlot struct {
	session *Session
	gen     uint32
	used    bool
}

// Slab is a fixed-growth slab allocator for *Session slots.
type Slab struct {
	slots []slabSlot
	free  []uint32
}

func NewSlab(capacity int) *Slab {
	return &Slab{slots: make([]slabSlot, 0, capacity)}
}

// Alloc reserves a slot for sess and returns its current Token.
func (s *Slab) Alloc(sess *Session) Token {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		slot := &s.slots[idx]
		slot.session = sess
		slot.gen++
		slot.used = true
		return Token{Index: idx, Gen: slot.gen}
	}
	idx := uint32(len(s.slots))
	s.slots = append(s.slots, slabSlot{session: sess, gen: 1, used: true})
	return Token{Index: idx, Gen: 1}
}

// Free releases the slot named by tok. A stale tok (wrong Gen, or an index
// that was never allocated) is a silent no-op: it means the event raced
// with a prior close and must be discarded, not acted on.
func (s *Slab) Free(tok Token) {
	if int(tok.Index) >= len(s.slots) {
		return
	}
	slot := &s.slots[tok.Index]
	if !slot.used || slot.gen != tok.Gen {
		return
	}
	slot.used = false
	slot.session = nil
	s.free = append(s.free, tok.Index)
}

// Get resolves tok to its live Session, or ok=false if tok is stale.
func (s *Slab) Get(tok Token) (*Session, bool) {
	if int(tok.Index) >= len(s.slots) {
		return nil, false
	}
	slot := &s.slots[tok.Index]
	if !slot.used || slot.gen != tok.Gen {
		return nil, false
	}
	return slot.session, true
}

func (s *Slab) Len() int { return len(s.slots) - len(s.free) }

// All returns every live Session currently allocated in the slab, for a
// graceful drain (spec §8) that needs to reach each one individually —
// e.g. to send HTTP/2 GOAWAY before the Listener stops accepting.
func (s *Slab) All() []*Session {
	sessions := make([]*Session, 0, s.Len())
	for i := range s.slots {
		if s.slots[i].used {
			sessions = append(sessions, s.slots[i].session)
		}
	}
	return sessions
}
