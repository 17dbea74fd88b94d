// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Applier tests.

package core

import (
	"testing"
	"time"
)

type fakeControl struct {
	softStopCalled bool
	hardStopCalled bool
	softDeadline   time.Duration
}

func (f *fakeControl) SoftStop(deadline time.Duration) {
	f.softStopCalled = true
	f.softDeadline = deadline
}
func (f *fakeControl) HardStop()            { f.hardStopCalled = true }
func (f *fakeControl) StatusReport() string { return "status-ok" }
func (f *fakeControl) MetricsReport() string { return "metrics-ok" }

func TestApplierAddListenerThenFrontendOrdering(t *testing.T) {
	reg := NewRegistry(nil)
	app := NewApplier(reg, &fakeControl{})

	res := app.Apply(Delta{ID: "d1", Kind: AddListener, Listener: &ListenerInput{ID: "l0", Address: ":443"}})
	if res.Status != StatusOk {
		t.Fatalf("AddListener: %v", res.Err)
	}
	res = app.Apply(Delta{ID: "d2", Kind: AddCluster, Cluster: &ClusterInput{ID: "c0", Policy: PolicyRoundRobin}})
	if res.Status != StatusOk {
		t.Fatalf("AddCluster: %v", res.Err)
	}
	res = app.Apply(Delta{ID: "d3", Kind: AddFrontend, Frontend: &FrontendInput{
		ID: "f0", ListenerAddr: ":443", ClusterID: "c0", Path: PathMatch{Kind: PathPrefix, Value: "/"},
	}})
	if res.Status != StatusOk {
		t.Fatalf("AddFrontend: %v", res.Err)
	}

	snap := reg.Load()
	if len(snap.Frontends) != 1 || snap.Frontends[0].ID != "f0" {
		t.Errorf("registry has %d frontends after apply, want 1", len(snap.Frontends))
	}
}

func TestApplierAddFrontendWithoutListenerFails(t *testing.T) {
	reg := NewRegistry(nil)
	app := NewApplier(reg, &fakeControl{})

	res := app.Apply(Delta{ID: "d1", Kind: AddFrontend, Frontend: &FrontendInput{
		ID: "f0", ListenerAddr: ":443", ClusterID: "c0", Path: PathMatch{Kind: PathPrefix, Value: "/"},
	}})
	if res.Status != StatusError {
		t.Fatalf("AddFrontend referencing an unknown listener: want StatusError, got %v", res.Status)
	}
}

func TestApplierDuplicateIDIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	app := NewApplier(reg, &fakeControl{})

	d := Delta{ID: "dup", Kind: AddListener, Listener: &ListenerInput{ID: "l0", Address: ":443"}}
	first := app.Apply(d)
	second := app.Apply(d)
	if first != second {
		t.Errorf("Apply with a repeated id returned a different *Result instead of the cached one")
	}
	if len(reg.Load().Listeners) != 1 {
		t.Errorf("listener registered twice despite idempotent id")
	}
}

func TestApplierRemoveClusterBlockedByReferencingFrontend(t *testing.T) {
	reg := NewRegistry(nil)
	app := NewApplier(reg, &fakeControl{})

	app.Apply(Delta{ID: "d1", Kind: AddListener, Listener: &ListenerInput{ID: "l0", Address: ":443"}})
	app.Apply(Delta{ID: "d2", Kind: AddCluster, Cluster: &ClusterInput{ID: "c0", Policy: PolicyRoundRobin}})
	app.Apply(Delta{ID: "d3", Kind: AddFrontend, Frontend: &FrontendInput{
		ID: "f0", ListenerAddr: ":443", ClusterID: "c0", Path: PathMatch{Kind: PathPrefix, Value: "/"},
	}})

	res := app.Apply(Delta{ID: "d4", Kind: RemoveCluster, RemoveID: "c0"})
	if res.Status != StatusError {
		t.Fatalf("RemoveCluster on a cluster still referenced by a frontend: want StatusError, got %v", res.Status)
	}
}

func TestApplierSoftStopAndHardStopDelegateToControl(t *testing.T) {
	reg := NewRegistry(nil)
	ctl := &fakeControl{}
	app := NewApplier(reg, ctl)

	app.Apply(Delta{Kind: SoftStop, SoftStopDeadline: 5 * time.Second})
	if !ctl.softStopCalled || ctl.softDeadline != 5*time.Second {
		t.Errorf("SoftStop delta did not delegate to WorkerControl with the right deadline")
	}

	app.Apply(Delta{Kind: HardStop})
	if !ctl.hardStopCalled {
		t.Errorf("HardStop delta did not delegate to WorkerControl")
	}
}

func TestApplierStatusAndMetricsQuery(t *testing.T) {
	reg := NewRegistry(nil)
	app := NewApplier(reg, &fakeControl{})

	res := app.Apply(Delta{Kind: StatusQuery})
	if res.Text != "status-ok" {
		t.Errorf("StatusQuery text = %q, want status-ok", res.Text)
	}
	res = app.Apply(Delta{Kind: MetricsQuery})
	if res.Text != "metrics-ok" {
		t.Errorf("MetricsQuery text = %q, want metrics-ok", res.Text)
	}
}

func TestApplierQueryClustersReturnsSnapshot(t *testing.T) {
	reg := NewRegistry(nil)
	app := NewApplier(reg, &fakeControl{})
	app.Apply(Delta{ID: "d1", Kind: AddCluster, Cluster: &ClusterInput{ID: "c0", Policy: PolicyRoundRobin}})

	res := app.Apply(Delta{Kind: QueryClusters})
	if res.Snapshot == nil || len(res.Snapshot.Clusters) != 1 {
		t.Fatalf("QueryClusters: want a snapshot with 1 cluster, got %v", res.Snapshot)
	}
}
