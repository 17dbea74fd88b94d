// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Worker (spec §5, §8): the single process that owns one Registry, one
// BufferPool, one BackendPool, one Wheel, and the Listeners bound to it.
// It satisfies delta.go's WorkerControl so the Applier can drive
// SoftStop/HardStop/Status/Metrics without importing this file.

package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultSoftStopDeadline is used when a SoftStop delta carries no
// deadline of its own.
const DefaultSoftStopDeadline = 30 * time.Second

// Worker ties every engine collaborator together for one process (spec
// §5 "multi-process"): each worker is independent and shares no memory
// with its siblings. Its Listeners bind without SO_REUSEPORT.
type Worker struct {
	registry *Registry
	applier  *Applier
	metrics  *Metrics
	obs      *Observer
	wheel    *Wheel
	bufPool  *Pool
	backPool *BackendPool
	hc       *HealthChecker
	ulidGen  *ULIDGen

	ctx context.Context

	mu        sync.Mutex
	listeners map[string]*Listener

	softStopping atomic.Bool
	startedAt    time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWorker wires the collaborators a binary built them with (cmd/tided
// owns their construction: Registry from the initial config load,
// Metrics/Observer from logging+namespace flags, and so on) into a
// Worker that can then drive listeners and answer WorkerControl calls.
func NewWorker(registry *Registry, bufPool *Pool, backPool *BackendPool, hc *HealthChecker, wheel *Wheel, obs *Observer, metrics *Metrics, ulidGen *ULIDGen) *Worker {
	w := &Worker{
		registry:  registry,
		bufPool:   bufPool,
		backPool:  backPool,
		hc:        hc,
		wheel:     wheel,
		obs:       obs,
		metrics:   metrics,
		ulidGen:   ulidGen,
		listeners: make(map[string]*Listener),
		stopCh:    make(chan struct{}),
		// A caller may ApplyDelta an AddListener before ever calling Run
		// (e.g. an initial config burst), so reconcileListeners needs a
		// non-nil context from construction on; Run replaces it with its
		// own ctx once it starts.
		ctx: context.Background(),
	}
	w.applier = NewApplier(registry, w)
	return w
}

// Applier exposes the Applier so a command-channel server (ctlmsg) can
// route incoming Deltas to it, then hand the Result back on the wire.
func (w *Worker) Applier() *Applier { return w.applier }

// Run starts the health checker and timeout wheel, reconciles the
// listener set against the Registry's current Snapshot, and blocks
// until HardStop fires or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx
	w.startedAt = time.Now()
	w.reconcileListeners()

	go w.hc.Run(ctx, w.registry, time.Second)
	go w.wheel.Run(ctx)

	select {
	case <-ctx.Done():
		w.HardStop()
		return ctx.Err()
	case <-w.stopCh:
		return nil
	}
}

// ApplyDelta is the single entry point a command-channel server calls:
// it forwards to the Applier, emits config_applied, and — for the two
// delta kinds that have a worker-level side effect beyond the Registry
// (binding or closing an actual socket) — reconciles the listener set.
func (w *Worker) ApplyDelta(d Delta) *Result {
	res := w.applier.Apply(d)
	if w.obs != nil && res != nil {
		w.obs.ConfigApplied(d.ID, res.Status)
	}
	switch d.Kind {
	case AddListener, RemoveListener:
		if res.Status == StatusOk {
			w.reconcileListeners()
		}
	}
	return res
}

// reconcileListeners diffs the Registry's current Snapshot.Listeners
// against the Listeners this Worker actually has bound, starting new
// ones and closing removed ones. Safe to call any number of times; it
// is idempotent against an unchanged Snapshot.
func (w *Worker) reconcileListeners() {
	snap := w.registry.Load()
	w.mu.Lock()
	defer w.mu.Unlock()

	for addr, spec := range snap.Listeners {
		if _, ok := w.listeners[addr]; ok {
			continue
		}
		l := NewListener(spec, w.registry, w.bufPool, w.backPool, w.hc, w.wheel, w.obs, w.ulidGen)
		if err := l.Listen(w.ctx); err != nil {
			if w.obs != nil {
				w.obs.ConfigApplied(spec.ID, StatusError)
			}
			continue
		}
		w.listeners[addr] = l
		go l.Serve(w.ctx)
	}

	for addr, l := range w.listeners {
		if _, ok := snap.Listeners[addr]; !ok {
			l.Close()
			delete(w.listeners, addr)
		}
	}
}

func (w *Worker) activeSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, l := range w.listeners {
		total += l.ActiveSessions()
	}
	return total
}

// SoftStop implements WorkerControl (spec §8 scenario 5 "graceful
// drain"): stop accepting new connections immediately, then wait up to
// deadline for every Session already open to finish on its own before
// escalating to HardStop.
func (w *Worker) SoftStop(deadline time.Duration) {
	if !w.softStopping.CompareAndSwap(false, true) {
		return
	}
	if deadline <= 0 {
		deadline = DefaultSoftStopDeadline
	}

	w.mu.Lock()
	listeners := make([]*Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()
	for _, l := range listeners {
		l.Shutdown() // GOAWAY to every live HTTP/2 Session before we stop accepting
		l.Close()    // stops Accept; Sessions already admitted keep running
	}

	go func() {
		deadlineAt := time.Now().Add(deadline)
		for time.Now().Before(deadlineAt) {
			if w.activeSessions() == 0 {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		w.HardStop()
	}()
}

// HardStop implements WorkerControl: closes every listener and every
// idle backend connection immediately, then signals Run's caller via
// Done so the embedding binary can exit the process. It does not wait
// for in-flight Sessions; any relaying goroutine reading/writing a now
// worthless connection will simply see its socket error out.
func (w *Worker) HardStop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		listeners := make([]*Listener, 0, len(w.listeners))
		for _, l := range w.listeners {
			listeners = append(listeners, l)
		}
		w.mu.Unlock()
		for _, l := range listeners {
			l.Close()
		}
		w.backPool.CloseAll()
		close(w.stopCh)
	})
}

// Done returns a channel closed once HardStop has run, for a caller
// driving Run on its own goroutine to learn the worker is finished.
func (w *Worker) Done() <-chan struct{} { return w.stopCh }

// StatusReport implements WorkerControl, answering a StatusQuery delta
// over the command channel (spec §8 "status query").
func (w *Worker) StatusReport() string {
	snap := w.registry.Load()
	w.mu.Lock()
	nListeners := len(w.listeners)
	w.mu.Unlock()
	return fmt.Sprintf("generation=%d listeners=%d sessions=%d soft_stopping=%t uptime=%s",
		snap.Generation, nListeners, w.activeSessions(), w.softStopping.Load(),
		time.Since(w.startedAt).Truncate(time.Second))
}

// MetricsReport implements WorkerControl, answering a MetricsQuery
// delta with the same Prometheus text exposition format the engine
// would otherwise expose over HTTP — rendered in-process with promhttp
// rather than this engine growing its own text-format encoder.
func (w *Worker) MetricsReport() string {
	if w.metrics == nil {
		return ""
	}
	handler := promhttp.HandlerFor(w.metrics.Registry, promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handler.ServeHTTP(rec, req)
	return rec.Body.String()
}

var _ WorkerControl = (*Worker)(nil)
