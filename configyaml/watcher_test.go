// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Hot-reload diff tests.

package configyaml

import (
	"testing"

	"github.com/tidegate/tide/core"
)

func TestDiffNilPrevOnlyAdds(t *testing.T) {
	next := &Document{
		Listeners: []core.ListenerInput{{ID: "l0", Address: ":443"}},
		Clusters:  []core.ClusterInput{{ID: "c0"}},
	}
	deltas := diff(nil, next)
	for _, d := range deltas {
		if d.Kind != core.AddListener && d.Kind != core.AddCluster {
			t.Errorf("diff(nil, next) produced a non-Add delta: %v", d.Kind)
		}
	}
	if len(deltas) != 2 {
		t.Fatalf("diff(nil, next) = %d deltas, want 2", len(deltas))
	}
}

func TestDiffRemovesDroppedEntities(t *testing.T) {
	prev := &Document{
		Listeners: []core.ListenerInput{{ID: "l0", Address: ":443"}, {ID: "l1", Address: ":8443"}},
	}
	next := &Document{
		Listeners: []core.ListenerInput{{ID: "l0", Address: ":443"}},
	}
	deltas := diff(prev, next)
	if len(deltas) != 1 || deltas[0].Kind != core.RemoveListener || deltas[0].RemoveID != "l1" {
		t.Fatalf("diff did not produce exactly one RemoveListener(l1): got %+v", deltas)
	}
}

func TestDiffUnchangedEntityProducesNoDelta(t *testing.T) {
	doc := &Document{
		Backends: []core.BackendInput{{ID: "b0", ClusterID: "c0", Address: "10.0.0.1:1", Weight: 1}},
	}
	if deltas := diff(doc, doc); len(deltas) != 0 {
		t.Fatalf("diff(doc, doc) = %+v, want no deltas", deltas)
	}
}

func TestDiffChangedBackendRemovesThenReAdds(t *testing.T) {
	prev := &Document{
		Backends: []core.BackendInput{{ID: "b0", ClusterID: "c0", Address: "10.0.0.1:1", Weight: 1}},
	}
	next := &Document{
		Backends: []core.BackendInput{{ID: "b0", ClusterID: "c0", Address: "10.0.0.1:1", Weight: 5}},
	}
	deltas := diff(prev, next)
	if len(deltas) != 2 {
		t.Fatalf("diff on a changed backend = %d deltas, want 2 (remove+add)", len(deltas))
	}
	if deltas[0].Kind != core.RemoveBackend || deltas[0].RemoveID != "b0" {
		t.Errorf("diff[0] = %+v, want RemoveBackend(b0)", deltas[0])
	}
	if deltas[1].Kind != core.AddBackend || deltas[1].Backend.Weight != 5 {
		t.Errorf("diff[1] = %+v, want AddBackend with weight 5", deltas[1])
	}
}

func TestDiffChangedFrontendRewritesTriggersReplace(t *testing.T) {
	prev := &Document{
		Frontends: []core.FrontendInput{{ID: "f0", ListenerAddr: ":443", ClusterID: "c0"}},
	}
	next := &Document{
		Frontends: []core.FrontendInput{{
			ID: "f0", ListenerAddr: ":443", ClusterID: "c0",
			Rewrites: []core.RewriteDirective{{Op: core.RewriteSet, Header: "X-A", Value: "1"}},
		}},
	}
	deltas := diff(prev, next)
	if len(deltas) != 2 || deltas[0].Kind != core.RemoveFrontend || deltas[1].Kind != core.AddFrontend {
		t.Fatalf("diff on a frontend whose rewrites changed = %+v, want remove+add", deltas)
	}
}
