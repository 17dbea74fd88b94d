// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Timeout wheel tests.

package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWheelAddFiresAfterAdvance(t *testing.T) {
	w := NewWheel(10*time.Millisecond, 8)
	var fired atomic.Bool
	w.Add(15*time.Millisecond, func() { fired.Store(true) })

	for i := 0; i < 4; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Advance()
	}
	if !fired.Load() {
		t.Fatalf("timer did not fire after enough Advance calls")
	}
}

func TestWheelStopPreventsFire(t *testing.T) {
	w := NewWheel(10*time.Millisecond, 8)
	var fired atomic.Bool
	timer := w.Add(15*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()

	for i := 0; i < 4; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Advance()
	}
	if fired.Load() {
		t.Fatalf("timer fired after Stop")
	}
}

func TestWheelStopIsIdempotent(t *testing.T) {
	w := NewWheel(10*time.Millisecond, 8)
	timer := w.Add(time.Second, func() {})
	timer.Stop()
	timer.Stop() // must not panic on a second Stop
}

func TestWheelOverflowRebucketsOnRotation(t *testing.T) {
	// horizon = tick*slots = 10ms*4 = 40ms; a 60ms deadline starts in overflow.
	w := NewWheel(10*time.Millisecond, 4)
	var fired atomic.Bool
	w.Add(60*time.Millisecond, func() { fired.Store(true) })

	// Advance through more than two full rotations so the overflow timer
	// gets re-bucketed into range and then fires.
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Advance()
	}
	if !fired.Load() {
		t.Fatalf("overflow timer did not fire after rebucketing")
	}
}

func TestWheelRunFiresViaTicker(t *testing.T) {
	w := NewWheel(10*time.Millisecond, 8)
	done := make(chan struct{})
	w.Add(20*time.Millisecond, func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timer armed before Run did not fire within the deadline")
	}
}
