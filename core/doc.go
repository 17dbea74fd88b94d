// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package core is the per-worker event-driven networking engine of the
// Tide reverse proxy: readiness-driven sessions, the HTTP/1.1 and HTTP/2
// state machines, buffer and socket pools, TLS termination, routing and
// load balancing, the backend connection pool, and the reconfiguration
// applier that rewires all of the above without tearing down established
// sessions.
//
// A worker process owns exactly one Worker. Every Session, buffer, pool
// and Registry snapshot reachable from it is touched by a single driver
// goroutine per session; the Go runtime's network poller plays the role
// of the readiness loop described in the design notes.
package core
