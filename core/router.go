// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Router: maps (listener, SNI, Host, method, path) to a Frontend+Cluster,
// then load-balances to a Backend (spec §4.6).

package core

import (
	"sort"
	"strings"
)

// ErrNoMatchingFrontend is returned when no Frontend matches a request.
var ErrNoMatchingFrontend = stdError("no frontend matches request")

// RouteRequest is the tuple the router matches against.
type RouteRequest struct {
	ListenerAddr string
	SNI          string
	Host         string
	Method       string
	Path         string
	StickyToken  string // value of the configured sticky cookie, if present
}

// SortFrontends orders a Snapshot's Frontends into deterministic match
// priority, so Match can do a single linear scan and take the first hit:
// exact path beats prefix path; among same kind, longer Value first;
// then higher Priority; then lower Seq (earlier insertion) last, per
// spec §3 "Matching is deterministic with priority: exact > longest
// prefix; ties broken by insertion order."
func SortFrontends(fs []*Frontend) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Path.Kind != b.Path.Kind {
			return a.Path.Kind == PathExact // exact sorts first
		}
		if len(a.Path.Value) != len(b.Path.Value) {
			return len(a.Path.Value) > len(b.Path.Value) // longest prefix first
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq < b.Seq
	})
}

func matchesSNI(pattern, sni string) bool {
	if pattern == "" {
		return true
	}
	if sni == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	sni = strings.ToLower(sni)
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(sni, pattern[1:]) && sni != pattern[2:]
	}
	return pattern == sni
}

func matchesHost(pattern, host string) bool {
	if pattern == "" {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:]) && host != pattern[2:]
	}
	return pattern == host
}

func matchesPath(pm PathMatch, path string) bool {
	switch pm.Kind {
	case PathExact:
		return path == pm.Value
	case PathPrefix:
		return strings.HasPrefix(path, pm.Value)
	default:
		return false
	}
}

// Match finds the Frontend + Cluster for req within snap, per the
// deterministic priority order SortFrontends established.
func Match(snap *Snapshot, req RouteRequest) (*Frontend, *Cluster, error) {
	for _, f := range snap.Frontends {
		if f.ListenerAddr != req.ListenerAddr {
			continue
		}
		if !matchesSNI(f.SNIPattern, req.SNI) {
			continue
		}
		if !matchesHost(f.HostPattern, req.Host) {
			continue
		}
		if !matchesPath(f.Path, req.Path) {
			continue
		}
		if !f.allowsMethod(req.Method) {
			continue
		}
		cluster, ok := snap.Clusters[f.ClusterID]
		if !ok {
			continue // registry invariant guarantees this can't happen on a valid Snapshot
		}
		return f, cluster, nil
	}
	return nil, nil, newError(KindNoMatchingFrontend, "Match", ErrNoMatchingFrontend)
}

// PickBackend load-balances within cluster, honoring req.StickyToken.
func PickBackend(cluster *Cluster, req RouteRequest) (*Backend, error) {
	return cluster.pick(req.StickyToken, nil)
}

// PickBackendExcluding behaves like PickBackend but skips any Backend whose
// ID is in excluded, so a connect-retry loop (spec §7) can pick a distinct
// Backend on each attempt instead of dialing the one that just failed again.
func PickBackendExcluding(cluster *Cluster, req RouteRequest, excluded map[string]bool) (*Backend, error) {
	return cluster.pick(req.StickyToken, excluded)
}
