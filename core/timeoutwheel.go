// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Timeout wheel (spec §4.8): per-session connect/handshake/request/idle
// timers, implemented as a hierarchical wheel keyed by deadline so that
// arming and firing a timer is O(1) regardless of how many sessions are
// live. Timers whose deadline falls beyond the wheel's horizon sit in an
// overflow bucket and are re-bucketed once a full rotation brings them
// within range — the "hierarchical" half of the design; it avoids the
// horizon-limited behaviour of a single flat wheel without the complexity
// of a full multi-level cascade.

package core

import (
	"context"
	"sync"
	"time"
)

// Timer is a handle returned by Wheel.Add. Stop prevents its callback from
// firing if it hasn't fired already.
type Timer struct {
	deadline time.Time
	fn       func()
	wheel    *Wheel
	mu       sync.Mutex
	fired    bool
	stopped  bool
	slot     int // -1 when parked in overflow
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return
	}
	t.stopped = true
	t.wheel.remove(t)
}

type bucket struct {
	mu     sync.Mutex
	timers map[*Timer]struct{}
}

func newBucket() *bucket { return &bucket{timers: make(map[*Timer]struct{})} }

// Wheel is one per worker: every Session timer (§4.8 lists connect,
// handshake, front-request-read, back-request-write, back-response-read,
// front-response-write, idle) is armed on this single wheel.
type Wheel struct {
	tick     time.Duration
	slots    []*bucket
	overflow *bucket
	start    time.Time
	cur      int
	mu       sync.Mutex // guards cur and slot assignment math
}

// NewWheel builds a wheel with the given tick granularity (must be >= the
// spec's 10ms floor) and horizon = tick*slots.
func NewWheel(tick time.Duration, slots int) *Wheel {
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	w := &Wheel{
		tick:     tick,
		slots:    make([]*bucket, slots),
		overflow: newBucket(),
		start:    time.Now(),
	}
	for i := range w.slots {
		w.slots[i] = newBucket()
	}
	return w
}

// Add arms a timer that fires fn at (now + d). fn runs on the Wheel's
// own driver goroutine (Run's caller), never concurrently with other
// fires, matching the engine's single-mutator-per-worker discipline.
func (w *Wheel) Add(d time.Duration, fn func()) *Timer {
	t := &Timer{deadline: time.Now().Add(d), fn: fn, wheel: w}
	w.place(t)
	return t
}

func (w *Wheel) place(t *Timer) {
	w.mu.Lock()
	horizon := time.Duration(len(w.slots)) * w.tick
	until := time.Until(t.deadline)
	if until >= horizon {
		t.slot = -1
		w.mu.Unlock()
		w.overflow.mu.Lock()
		w.overflow.timers[t] = struct{}{}
		w.overflow.mu.Unlock()
		return
	}
	offset := int(until / w.tick)
	slot := (w.cur + offset) % len(w.slots)
	t.slot = slot
	w.mu.Unlock()
	b := w.slots[slot]
	b.mu.Lock()
	b.timers[t] = struct{}{}
	b.mu.Unlock()
}

func (w *Wheel) remove(t *Timer) {
	var b *bucket
	if t.slot < 0 {
		b = w.overflow
	} else {
		b = w.slots[t.slot]
	}
	b.mu.Lock()
	delete(b.timers, t)
	b.mu.Unlock()
}

// Run calls Advance once per tick until ctx is cancelled. Worker.Run
// starts it on a goroutine of its own.
func (w *Wheel) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Advance()
		}
	}
}

// Advance fires every timer due in the current slot and re-buckets
// overflow timers that are now within the horizon. Exported so a caller
// that integrates the wheel into its own select loop (instead of Run) can
// step it directly.
func (w *Wheel) Advance() {
	w.mu.Lock()
	slot := w.cur
	w.cur = (w.cur + 1) % len(w.slots)
	w.mu.Unlock()

	now := time.Now()
	b := w.slots[slot]
	b.mu.Lock()
	due := make([]*Timer, 0, len(b.timers))
	for t := range b.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
			delete(b.timers, t)
		}
	}
	b.mu.Unlock()
	for _, t := range due {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			continue
		}
		t.fired = true
		fn := t.fn
		t.mu.Unlock()
		fn()
	}

	if slot == 0 { // full rotation: re-bucket anything that's now in range
		w.overflow.mu.Lock()
		ready := make([]*Timer, 0, len(w.overflow.timers))
		for t := range w.overflow.timers {
			ready = append(ready, t)
		}
		w.overflow.timers = make(map[*Timer]struct{})
		w.overflow.mu.Unlock()
		for _, t := range ready {
			w.place(t)
		}
	}
}
