// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Circuit breaking (spec §4.6, §7): a backend goes down after N
// consecutive failures (observed passively from proxied requests, or
// from active health-check probes) and is excluded from load balancing
// until a cool-down elapses and a probe succeeds. Active probing is
// paced with golang.org/x/time/rate so that re-probing many simultaneously
// down backends never bursts dial attempts at an already-struggling
// upstream fleet.

package core

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HealthChecker owns both the passive bookkeeping (RecordFailure/
// RecordSuccess, called from the proxy hot path) and the active prober
// (Run, a background goroutine).
type HealthChecker struct {
	obs     *Observer
	limiter *rate.Limiter
}

// NewHealthChecker paces active probes to at most probesPerSecond dials
// across the whole worker.
func NewHealthChecker(obs *Observer, probesPerSecond float64) *HealthChecker {
	if probesPerSecond <= 0 {
		probesPerSecond = 10
	}
	return &HealthChecker{obs: obs, limiter: rate.NewLimiter(rate.Limit(probesPerSecond), 1)}
}

// RecordFailure is called by the proxy when a request to backend b (of
// cluster c) ended in BackendUnreachable/BackendTimeout or a 5xx response.
func (h *HealthChecker) RecordFailure(c *Cluster, b *Backend) {
	n := b.consecutiveFailures.Add(1)
	b.lastFailureUnixNano.Store(time.Now().UnixNano())
	threshold := c.HealthCheck.FailThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if n >= threshold && b.State() == BackendUp {
		b.SetState(BackendDown)
		if h.obs != nil {
			h.obs.BackendStateChanged(c.ID, b.ID, BackendUp, BackendDown)
		}
	}
}

// RecordSuccess resets the failure counter; it does not itself transition
// a down backend back to up — that only happens via a successful active
// probe once the cool-down has elapsed, per spec §4.6.
func (h *HealthChecker) RecordSuccess(b *Backend) {
	b.consecutiveFailures.Store(0)
}

// Run drives the active prober until ctx is cancelled, checking every
// down backend of every cluster in snap once per tick.
func (h *HealthChecker) Run(ctx context.Context, registry *Registry, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probeOnce(ctx, registry.Load())
		}
	}
}

func (h *HealthChecker) probeOnce(ctx context.Context, snap *Snapshot) {
	now := time.Now()
	for _, c := range snap.Clusters {
		for _, b := range c.Backends {
			if b.State() != BackendDown {
				continue
			}
			coolDown := c.HealthCheck.CoolDown
			if coolDown <= 0 {
				coolDown = 10 * time.Second
			}
			if now.Sub(b.LastFailure()) < coolDown {
				continue
			}
			if err := h.limiter.Wait(ctx); err != nil {
				return
			}
			go h.probe(ctx, c, b)
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context, c *Cluster, b *Backend) {
	timeout := c.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", b.Address)
	if err != nil {
		return // still down; next tick retries
	}
	defer conn.Close()

	if c.HealthCheck.Path != "" {
		conn.SetDeadline(time.Now().Add(timeout))
		req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", c.HealthCheck.Path, b.Address)
		if _, err := conn.Write([]byte(req)); err != nil {
			return
		}
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return
		}
	}

	b.consecutiveFailures.Store(0)
	b.SetState(BackendUp)
	if h.obs != nil {
		h.obs.BackendStateChanged(c.ID, b.ID, BackendDown, BackendUp)
	}
}
