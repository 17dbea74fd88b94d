// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CertIndex tests.

package core

import (
	"testing"
	"time"
)

func mustEntry(id string, names ...string) *CertEntry {
	return &CertEntry{ID: id, Names: names, Fingerprint: fingerprint([]byte(id)), ActivatedAt: time.Now()}
}

func TestCertIndexExactBeatsWildcard(t *testing.T) {
	ci := newCertIndex()
	wild := mustEntry("wild", "*.example.com")
	exact := mustEntry("exact", "api.example.com")
	ci.add(wild)
	ci.add(exact)

	got, err := ci.Select("api.example.com", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != &exact.TLSCert {
		t.Errorf("Select(api.example.com) did not return the exact-match entry")
	}
}

func TestCertIndexWildcardFallback(t *testing.T) {
	ci := newCertIndex()
	wild := mustEntry("wild", "*.example.com")
	ci.add(wild)

	got, err := ci.Select("foo.example.com", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != &wild.TLSCert {
		t.Errorf("Select(foo.example.com) did not return the wildcard entry")
	}
}

func TestCertIndexNoMatchFallsBackToDefault(t *testing.T) {
	ci := newCertIndex()
	def := mustEntry("default", "other.com")
	ci.add(def)

	got, err := ci.Select("unknown.com", "default")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != &def.TLSCert {
		t.Errorf("Select(unknown.com) did not fall back to the default cert")
	}
}

func TestCertIndexNoMatchNoDefaultErrors(t *testing.T) {
	ci := newCertIndex()
	if _, err := ci.Select("unknown.com", ""); err == nil {
		t.Fatalf("Select(unknown.com) with no default: want error, got nil")
	}
}

func TestCertIndexMostRecentActivationWinsOnTie(t *testing.T) {
	ci := newCertIndex()
	older := mustEntry("older", "api.example.com")
	older.ActivatedAt = time.Now().Add(-time.Hour)
	newer := mustEntry("newer", "api.example.com")
	newer.ActivatedAt = time.Now()
	ci.add(older)
	ci.add(newer)

	got, err := ci.Select("api.example.com", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != &newer.TLSCert {
		t.Errorf("Select(api.example.com) did not pick the most recently activated certificate")
	}
}

func TestCertIndexRemove(t *testing.T) {
	ci := newCertIndex()
	e := mustEntry("gone", "gone.example.com")
	ci.add(e)
	ci.remove("gone")

	if _, err := ci.Select("gone.example.com", ""); err == nil {
		t.Fatalf("Select after remove: want error, got nil")
	}
}
