// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Load-balancing policies for a Cluster (spec §3, §4.6), grounded on
// hemi/gen_suite.go's balancer switch (roundRobin/random/ipHash) and
// generalized to the five policies spec.md names explicitly, plus
// stickiness.

package core

import (
	"math/rand"
)

// LBPolicy selects which up Backend of a Cluster serves the next request.
type LBPolicy uint8

const (
	PolicyRoundRobin LBPolicy = iota
	PolicyRandom
	PolicyLeastLoaded
	PolicyPowerOfTwoChoices
	PolicySticky // falls back to PolicyRoundRobin when no sticky token pins a request
)

func ParseLBPolicy(s string) (LBPolicy, bool) {
	switch s {
	case "round_robin", "roundRobin":
		return PolicyRoundRobin, true
	case "random":
		return PolicyRandom, true
	case "least_loaded", "leastLoaded":
		return PolicyLeastLoaded, true
	case "power_of_two_choices", "p2c":
		return PolicyPowerOfTwoChoices, true
	case "sticky":
		return PolicySticky, true
	default:
		return 0, false
	}
}

// ErrNoHealthyBackend is returned when a Cluster has no up Backend.
var ErrNoHealthyBackend = stdError("no up backend in cluster")

// pick chooses an up Backend of c according to its Policy. stickyToken is
// the value carried by the configured sticky cookie, if any; when it names
// a Backend that is currently up, it always wins regardless of Policy, per
// spec §4.6. excluded, when non-nil, removes Backends a connect retry (spec
// §7) has already tried from consideration.
func (c *Cluster) pick(stickyToken string, excluded map[string]bool) (*Backend, error) {
	if stickyToken != "" {
		if b, ok := c.Backend(stickyToken); ok && b.State() == BackendUp && !excluded[b.ID] {
			return b, nil
		}
	}
	ups := c.UpBackends()
	if len(excluded) > 0 {
		filtered := ups[:0:0]
		for _, b := range ups {
			if !excluded[b.ID] {
				filtered = append(filtered, b)
			}
		}
		ups = filtered
	}
	if len(ups) == 0 {
		return nil, newError(KindNoHealthyBackend, "Cluster.pick", ErrNoHealthyBackend)
	}
	switch c.Policy {
	case PolicyRandom:
		return ups[rand.Intn(len(ups))], nil
	case PolicyLeastLoaded:
		return leastLoaded(ups), nil
	case PolicyPowerOfTwoChoices:
		return powerOfTwo(ups), nil
	case PolicyRoundRobin, PolicySticky:
		fallthrough
	default:
		idx := c.rrCounter.Add(1)
		return ups[idx%uint64(len(ups))], nil
	}
}

func leastLoaded(ups []*Backend) *Backend {
	best := ups[0]
	for _, b := range ups[1:] {
		if b.InFlight() < best.InFlight() {
			best = b
		}
	}
	return best
}

func powerOfTwo(ups []*Backend) *Backend {
	if len(ups) == 1 {
		return ups[0]
	}
	i, j := rand.Intn(len(ups)), rand.Intn(len(ups))
	for j == i {
		j = rand.Intn(len(ups))
	}
	a, b := ups[i], ups[j]
	if a.InFlight() <= b.InFlight() {
		return a
	}
	return b
}
