// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Worker tests.

package core

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestWorker() *Worker {
	registry := NewRegistry(nil)
	bufPool := NewPool(4096, 1000)
	metrics := NewMetrics("tide_test", 2, bufPool)
	obs := NewObserver(nil, metrics)
	backPool := NewBackendPool(time.Second, time.Second, 4)
	hc := NewHealthChecker(obs, 10)
	wheel := NewWheel(10*time.Millisecond, 16)
	ulidGen := NewULIDGen()
	return NewWorker(registry, bufPool, backPool, hc, wheel, obs, metrics, ulidGen)
}

func TestWorkerApplyDeltaReconcilesListener(t *testing.T) {
	w := newTestWorker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer func() { w.HardStop(); <-w.Done() }()
	time.Sleep(20 * time.Millisecond) // let Run's goroutine set w.ctx and perform its initial reconcile

	res := w.ApplyDelta(Delta{ID: "d1", Kind: AddListener, Listener: &ListenerInput{ID: "l0", Address: "127.0.0.1:0"}})
	if res.Status != StatusOk {
		t.Fatalf("AddListener: %v", res.Err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		n := len(w.listeners)
		w.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("AddListener delta did not cause the Worker to bind a real Listener within the deadline")
}

func TestWorkerStatusReport(t *testing.T) {
	w := newTestWorker()
	report := w.StatusReport()
	if !strings.Contains(report, "generation=") || !strings.Contains(report, "listeners=") {
		t.Errorf("StatusReport() = %q, missing expected fields", report)
	}
}

func TestWorkerMetricsReportIsPrometheusText(t *testing.T) {
	w := newTestWorker()
	report := w.MetricsReport()
	if !strings.Contains(report, "tide_test_") {
		t.Errorf("MetricsReport() did not contain the namespaced metric names: %q", report)
	}
}

func TestWorkerHardStopClosesDone(t *testing.T) {
	w := newTestWorker()
	w.HardStop()
	select {
	case <-w.Done():
	default:
		t.Fatalf("Done() channel not closed after HardStop")
	}
	// HardStop must be idempotent.
	w.HardStop()
}

func TestWorkerSoftStopEscalatesToHardStopWhenIdle(t *testing.T) {
	w := newTestWorker()
	w.SoftStop(50 * time.Millisecond)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("SoftStop with no active sessions did not escalate to HardStop within the deadline")
	}
}

func TestWorkerRunReturnsWhenStopChCloses(t *testing.T) {
	w := newTestWorker()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.HardStop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v, want nil after HardStop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after HardStop")
	}
}
