// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Observability hooks (spec §6): session_opened, request_routed,
// request_completed, session_closed, backend_state_changed,
// config_applied. Observer is the single fan-out point: every event both
// becomes one access-log line (via Logger) and updates Metrics. The core
// performs no log/metrics I/O of its own beyond this in-process update;
// shipping logs or scraping metrics is the named-out-of-scope
// collaborator's job.

package core

import "time"

// Observer fans a Session's lifecycle events out to the logger and the
// metrics registry.
type Observer struct {
	log     *Logger
	metrics *Metrics
}

func NewObserver(log *Logger, metrics *Metrics) *Observer {
	return &Observer{log: log, metrics: metrics}
}

func (o *Observer) SessionOpened(remoteAddr string, proto Protocol, listenerAddr string) {
	if o.log != nil {
		o.log.Logf("session_opened remote=%s proto=%s listener=%s", remoteAddr, proto, listenerAddr)
	}
	if o.metrics != nil {
		o.metrics.sessionsOpened.Inc()
		o.metrics.sessionsActive.Inc()
	}
}

func (o *Observer) SessionClosed(remoteAddr string, reason string, bytesIn, bytesOut int64) {
	if o.log != nil {
		o.log.Logf("session_closed remote=%s reason=%s bytes_in=%d bytes_out=%d", remoteAddr, reason, bytesIn, bytesOut)
	}
	if o.metrics != nil {
		o.metrics.sessionsActive.Dec()
		o.metrics.bytesIn.Add(float64(bytesIn))
		o.metrics.bytesOut.Add(float64(bytesOut))
	}
}

func (o *Observer) RequestRouted(clusterID, backendID, frontendID string) {
	if o.log != nil {
		o.log.Logf("request_routed cluster=%s backend=%s frontend=%s", clusterID, backendID, frontendID)
	}
	if o.metrics != nil {
		o.metrics.requestsRouted.WithLabelValues(clusterID, backendID, frontendID).Inc()
	}
}

func (o *Observer) RequestCompleted(ulid string, status int, bytesIn, bytesOut int64, dur time.Duration) {
	if o.log != nil {
		o.log.Logf("request_completed ulid=%s status=%d bytes_in=%d bytes_out=%d duration_ms=%d", ulid, status, bytesIn, bytesOut, dur.Milliseconds())
	}
	if o.metrics != nil {
		o.metrics.requestDuration.Observe(dur.Seconds())
		o.metrics.requestsCompleted.WithLabelValues(statusClass(status)).Inc()
	}
}

func (o *Observer) BackendStateChanged(clusterID, backendID string, from, to BackendState) {
	if o.log != nil {
		o.log.Logf("backend_state_changed cluster=%s backend=%s from=%s to=%s", clusterID, backendID, from, to)
	}
	if o.metrics != nil {
		o.metrics.backendStateChanges.WithLabelValues(clusterID, backendID, to.String()).Inc()
	}
}

func (o *Observer) ConfigApplied(deltaID string, status ResultStatus) {
	if o.log != nil {
		o.log.Logf("config_applied delta_id=%s status=%s", deltaID, status)
	}
	if o.metrics != nil {
		o.metrics.configApplied.WithLabelValues(status.String()).Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
