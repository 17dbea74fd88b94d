// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Router tests.

package core

import "testing"

func TestMatchesSNI(t *testing.T) {
	tests := []struct {
		pattern, sni string
		expect       bool
	}{
		{"", "anything.com", true},
		{"api.example.com", "", false},
		{"api.example.com", "api.example.com", true},
		{"api.example.com", "API.EXAMPLE.COM", true},
		{"*.example.com", "foo.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "foo.bar.example.com", true},
	}
	for idx, test := range tests {
		if got := matchesSNI(test.pattern, test.sni); got != test.expect {
			t.Errorf("#%d: matchesSNI(%q, %q) = %v, want %v", idx, test.pattern, test.sni, got, test.expect)
		}
	}
}

func TestMatchesHostStripsPort(t *testing.T) {
	if !matchesHost("api.example.com", "api.example.com:8443") {
		t.Errorf("matchesHost should ignore the port component of Host")
	}
}

func buildTestSnapshot() *Snapshot {
	cluster := &Cluster{ID: "c0", Policy: PolicyRoundRobin}
	cluster.Backends = append(cluster.Backends, NewBackend("b0", "c0", "127.0.0.1:9000", 1, false))

	snap := emptySnapshot()
	snap.Clusters[cluster.ID] = cluster
	snap.Frontends = []*Frontend{
		{ID: "f-exact", ListenerAddr: ":443", Path: PathMatch{Kind: PathExact, Value: "/healthz"}, ClusterID: "c0", Seq: 0},
		{ID: "f-prefix-short", ListenerAddr: ":443", Path: PathMatch{Kind: PathPrefix, Value: "/api"}, ClusterID: "c0", Seq: 1},
		{ID: "f-prefix-long", ListenerAddr: ":443", Path: PathMatch{Kind: PathPrefix, Value: "/api/v2"}, ClusterID: "c0", Seq: 2},
	}
	SortFrontends(snap.Frontends)
	return snap
}

func TestMatchPrefersExactOverPrefix(t *testing.T) {
	snap := buildTestSnapshot()
	f, _, err := Match(snap, RouteRequest{ListenerAddr: ":443", Path: "/healthz"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if f.ID != "f-exact" {
		t.Errorf("Match(/healthz) = %s, want f-exact", f.ID)
	}
}

func TestMatchPrefersLongestPrefix(t *testing.T) {
	snap := buildTestSnapshot()
	f, _, err := Match(snap, RouteRequest{ListenerAddr: ":443", Path: "/api/v2/users"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if f.ID != "f-prefix-long" {
		t.Errorf("Match(/api/v2/users) = %s, want f-prefix-long", f.ID)
	}
}

func TestMatchFallsBackToShorterPrefix(t *testing.T) {
	snap := buildTestSnapshot()
	f, _, err := Match(snap, RouteRequest{ListenerAddr: ":443", Path: "/api/v1/users"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if f.ID != "f-prefix-short" {
		t.Errorf("Match(/api/v1/users) = %s, want f-prefix-short", f.ID)
	}
}

func TestMatchNoFrontendReturnsError(t *testing.T) {
	snap := buildTestSnapshot()
	if _, _, err := Match(snap, RouteRequest{ListenerAddr: ":443", Path: "/nowhere"}); err == nil {
		t.Fatalf("Match(/nowhere): want error, got nil")
	}
}

func TestMatchRejectsWrongListener(t *testing.T) {
	snap := buildTestSnapshot()
	if _, _, err := Match(snap, RouteRequest{ListenerAddr: ":8080", Path: "/healthz"}); err == nil {
		t.Fatalf("Match on a different listener: want error, got nil")
	}
}

func TestMatchRejectsDisallowedMethod(t *testing.T) {
	snap := buildTestSnapshot()
	snap.Frontends[0].Methods = map[string]bool{"GET": true}
	if _, _, err := Match(snap, RouteRequest{ListenerAddr: ":443", Path: "/healthz", Method: "POST"}); err == nil {
		t.Fatalf("Match with disallowed method: want error, got nil")
	}
}

func TestPickBackendHonorsStickyToken(t *testing.T) {
	snap := buildTestSnapshot()
	_, cluster, err := Match(snap, RouteRequest{ListenerAddr: ":443", Path: "/healthz"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	b, err := PickBackend(cluster, RouteRequest{StickyToken: "b0"})
	if err != nil {
		t.Fatalf("PickBackend: %v", err)
	}
	if b.ID != "b0" {
		t.Errorf("PickBackend sticky = %s, want b0", b.ID)
	}
}
