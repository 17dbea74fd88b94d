// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Load-balancing tests.

package core

import "testing"

func TestParseLBPolicy(t *testing.T) {
	tests := []struct {
		input  string
		expect LBPolicy
		ok     bool
	}{
		{"round_robin", PolicyRoundRobin, true},
		{"roundRobin", PolicyRoundRobin, true},
		{"random", PolicyRandom, true},
		{"least_loaded", PolicyLeastLoaded, true},
		{"p2c", PolicyPowerOfTwoChoices, true},
		{"sticky", PolicySticky, true},
		{"bogus", 0, false},
	}
	for idx, test := range tests {
		recv, ok := ParseLBPolicy(test.input)
		if ok != test.ok || (ok && recv != test.expect) {
			t.Errorf("#%d: ParseLBPolicy(%q) = %v, %v; want %v, %v", idx, test.input, recv, ok, test.expect, test.ok)
		}
	}
}

func newTestCluster(policy LBPolicy, nBackends int) *Cluster {
	c := &Cluster{ID: "c0", Policy: policy}
	for i := 0; i < nBackends; i++ {
		c.Backends = append(c.Backends, NewBackend("b"+string(rune('0'+i)), "c0", "127.0.0.1:0", 1, false))
	}
	return c
}

func TestClusterPickNoHealthyBackend(t *testing.T) {
	c := newTestCluster(PolicyRoundRobin, 2)
	for _, b := range c.Backends {
		b.SetState(BackendDown)
	}
	if _, err := c.pick("", nil); err == nil {
		t.Fatalf("pick() on a cluster with no up backend: want error, got nil")
	}
}

func TestClusterPickRoundRobinCyclesAllUp(t *testing.T) {
	c := newTestCluster(PolicyRoundRobin, 3)
	seen := make(map[string]bool)
	for i := 0; i < 30; i++ {
		b, err := c.pick("", nil)
		if err != nil {
			t.Fatalf("pick() #%d: %v", i, err)
		}
		seen[b.ID] = true
	}
	if len(seen) != 3 {
		t.Errorf("round robin over 30 picks saw %d distinct backends, want 3", len(seen))
	}
}

func TestClusterPickSkipsDownBackends(t *testing.T) {
	c := newTestCluster(PolicyRoundRobin, 3)
	c.Backends[1].SetState(BackendDown)
	for i := 0; i < 10; i++ {
		b, err := c.pick("", nil)
		if err != nil {
			t.Fatalf("pick() #%d: %v", i, err)
		}
		if b.ID == c.Backends[1].ID {
			t.Fatalf("pick() #%d returned a down backend %s", i, b.ID)
		}
	}
}

func TestClusterPickStickyTokenWinsWhenUp(t *testing.T) {
	c := newTestCluster(PolicyRoundRobin, 3)
	sticky := c.Backends[2].ID
	for i := 0; i < 5; i++ {
		b, err := c.pick(sticky, nil)
		if err != nil {
			t.Fatalf("pick() #%d: %v", i, err)
		}
		if b.ID != sticky {
			t.Fatalf("pick() #%d = %s, want sticky backend %s", i, b.ID, sticky)
		}
	}
}

func TestClusterPickStickyTokenFallsBackWhenDown(t *testing.T) {
	c := newTestCluster(PolicyRoundRobin, 3)
	sticky := c.Backends[2].ID
	c.Backends[2].SetState(BackendDown)
	b, err := c.pick(sticky, nil)
	if err != nil {
		t.Fatalf("pick(): %v", err)
	}
	if b.ID == sticky {
		t.Fatalf("pick() returned the down sticky backend")
	}
}

func TestClusterPickLeastLoaded(t *testing.T) {
	c := newTestCluster(PolicyLeastLoaded, 3)
	c.Backends[0].IncInFlight()
	c.Backends[0].IncInFlight()
	c.Backends[1].IncInFlight()
	// Backends[2] stays at 0 in-flight, so it must always win.
	for i := 0; i < 5; i++ {
		b, err := c.pick("", nil)
		if err != nil {
			t.Fatalf("pick() #%d: %v", i, err)
		}
		if b.ID != c.Backends[2].ID {
			t.Fatalf("pick() #%d = %s, want least-loaded backend %s", i, b.ID, c.Backends[2].ID)
		}
	}
}
