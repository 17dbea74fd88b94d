// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Registry: the process-wide snapshot of spec §3 — clusters, backends,
// frontends, certificates, listeners. Registry snapshots are immutable
// once published (design note "Shared immutable snapshots over locks");
// a Session captures the *Snapshot reference it needs at admission and
// keeps running against it even after a newer one is published. Go's
// garbage collector is the refcount: a Snapshot is reclaimed once the
// last Session (and the Registry itself, if superseded) drops its
// reference, which is exactly the lifecycle design note 9 asks for.
package core

import (
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BackendState is the up/down/draining tri-state of spec §3 "Backend".
type BackendState int32

const (
	BackendUp BackendState = iota
	BackendDown
	BackendDraining
)

func (s BackendState) String() string {
	switch s {
	case BackendUp:
		return "up"
	case BackendDown:
		return "down"
	case BackendDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Backend is one origin endpoint within a Cluster. Mutable fields
// (state, in-flight count, failure bookkeeping) are atomics because the
// health checker and the proxy hot path touch them from different
// goroutines per worker, while the identity fields are set once at
// construction and never mutated — only ever replaced by a new Backend
// value in a new Snapshot.
type Backend struct {
	ID        string
	ClusterID string
	Address   string
	Weight    int32
	TLS       bool

	state               atomic.Int32
	inFlight            atomic.Int64
	consecutiveFailures atomic.Int32
	lastFailureUnixNano atomic.Int64
}

func NewBackend(id, clusterID, address string, weight int32, withTLS bool) *Backend {
	b := &Backend{ID: id, ClusterID: clusterID, Address: address, Weight: weight, TLS: withTLS}
	b.state.Store(int32(BackendUp))
	return b
}

func (b *Backend) State() BackendState      { return BackendState(b.state.Load()) }
func (b *Backend) SetState(s BackendState)  { b.state.Store(int32(s)) }
func (b *Backend) InFlight() int64          { return b.inFlight.Load() }
func (b *Backend) IncInFlight()             { b.inFlight.Add(1) }
func (b *Backend) DecInFlight()             { b.inFlight.Add(-1) }
func (b *Backend) ConsecutiveFailures() int32 { return b.consecutiveFailures.Load() }
func (b *Backend) LastFailure() time.Time {
	ns := b.lastFailureUnixNano.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// clone copies the mutable-but-snapshot-scoped fields so that a new
// Snapshot can carry forward live backend health state across a
// reconfiguration that doesn't touch this particular backend.
func (b *Backend) clone() *Backend {
	nb := NewBackend(b.ID, b.ClusterID, b.Address, b.Weight, b.TLS)
	nb.state.Store(b.state.Load())
	nb.inFlight.Store(b.inFlight.Load())
	nb.consecutiveFailures.Store(b.consecutiveFailures.Load())
	nb.lastFailureUnixNano.Store(b.lastFailureUnixNano.Load())
	return nb
}

// HealthCheckConfig drives the active prober in healthcheck.go.
type HealthCheckConfig struct {
	Path          string        // empty => TCP connect check only
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold int32 // consecutive failures before a backend goes down
	CoolDown      time.Duration
}

// Cluster is a logical backend group (spec §3 "Cluster").
type Cluster struct {
	ID              string
	Policy          LBPolicy
	StickyCookie    string // "" disables stickiness
	BackendProtocol Protocol
	HealthCheck     HealthCheckConfig
	Backends        []*Backend // ordered-ish, insertion order preserved

	rrCounter atomic.Uint64 // round-robin cursor, shared across requests on this cluster
}

func (c *Cluster) UpBackends() []*Backend {
	ups := make([]*Backend, 0, len(c.Backends))
	for _, b := range c.Backends {
		if b.State() == BackendUp {
			ups = append(ups, b)
		}
	}
	return ups
}

func (c *Cluster) Backend(id string) (*Backend, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// RewriteOp names a header rewrite directive (spec §3 "Frontend").
type RewriteOp uint8

const (
	RewriteAdd RewriteOp = iota
	RewriteRemove
	RewriteSet
)

type RewriteDirective struct {
	Op     RewriteOp
	Header string
	Value  string
}

// PathMatchKind distinguishes exact vs prefix path matching (spec §4.6:
// "exact > longest prefix").
type PathMatchKind uint8

const (
	PathExact PathMatchKind = iota
	PathPrefix
)

type PathMatch struct {
	Kind  PathMatchKind
	Value string
}

// Frontend is a routing rule bound to a listener (spec §3 "Frontend").
type Frontend struct {
	ID           string
	ListenerAddr string
	SNIPattern   string // "" matches any SNI (or plaintext listeners)
	HostPattern  string // "" matches any Host header
	Path         PathMatch
	Methods      map[string]bool // empty => any method
	ClusterID    string
	Rewrites     []RewriteDirective
	Priority     int // higher wins a tie that survives exact/prefix/length ordering
	Seq          int // insertion order; final tie-break, ascending
}

func (f *Frontend) allowsMethod(method string) bool {
	if len(f.Methods) == 0 {
		return true
	}
	return f.Methods[method]
}

// CertEntry is a certificate chain + key + fingerprint, indexed by the
// DNS names it covers (spec §3 "Certificate entry").
type CertEntry struct {
	ID          string
	TLSCert     tls.Certificate
	Names       []string // includes wildcard forms, e.g. "*.example.com"
	Fingerprint [32]byte
	ActivatedAt time.Time
}

// ListenerSpec configures one bound socket (spec §3 "Listener").
type ListenerSpec struct {
	ID            string
	Address       string
	TLS           bool
	DefaultCertID string // used when TLS but SNI absent or unmatched; "" means none
}

// Snapshot is the immutable registry view a Session captures at admission
// (spec §3 "Registry", design note "Shared immutable snapshots over
// locks"). Every field is read-only after publish; Reconfiguration
// produces a new Snapshot rather than mutating this one.
type Snapshot struct {
	Generation uint64
	Tag        string // uuid, unique per published Snapshot; correlates log lines to the exact registry view a Session captured
	Clusters   map[string]*Cluster
	Frontends  []*Frontend // pre-sorted into match-priority order, see router.go
	Certs      *CertIndex
	Listeners  map[string]*ListenerSpec
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Tag:       uuid.NewString(),
		Clusters:  make(map[string]*Cluster),
		Certs:     newCertIndex(),
		Listeners: make(map[string]*ListenerSpec),
	}
}

// clone makes a shallow structural copy suitable as the base for applying
// one delta: maps are copied (so additions/removals don't mutate the
// published Snapshot), but Cluster/Frontend/CertEntry/ListenerSpec values
// that a delta doesn't touch are shared by pointer with the previous
// Snapshot — they are immutable once built, so sharing is safe and is what
// makes "swap a shared pointer" cheap even for a registry with many
// clusters.
func (s *Snapshot) clone() *Snapshot {
	ns := &Snapshot{
		Generation: s.Generation,
		Tag:        uuid.NewString(),
		Clusters:   make(map[string]*Cluster, len(s.Clusters)),
		Frontends:  append([]*Frontend(nil), s.Frontends...),
		Certs:      s.Certs.clone(),
		Listeners:  make(map[string]*ListenerSpec, len(s.Listeners)),
	}
	for k, v := range s.Clusters {
		ns.Clusters[k] = v
	}
	for k, v := range s.Listeners {
		ns.Listeners[k] = v
	}
	return ns
}

// validate enforces the Registry invariants of spec §3: every Frontend
// references an existing Cluster; every listener address is unique
// (guaranteed structurally by the map keying here, checked anyway in case
// a caller builds Listeners by hand); IDs are non-empty and unique within
// their own collection.
func (s *Snapshot) validate() error {
	seenCluster := make(map[string]bool, len(s.Clusters))
	for id, c := range s.Clusters {
		if id == "" || c.ID != id {
			return newError(KindConfigInvalid, "Snapshot.validate", errBadClusterID)
		}
		seenCluster[id] = true
		seenBackend := make(map[string]bool, len(c.Backends))
		for _, b := range c.Backends {
			if b.ID == "" {
				return newError(KindConfigInvalid, "Snapshot.validate", errBadBackendID)
			}
			if seenBackend[b.ID] {
				return newError(KindConfigInvalid, "Snapshot.validate", errDuplicateBackend)
			}
			seenBackend[b.ID] = true
			if b.ClusterID != id {
				return newError(KindConfigInvalid, "Snapshot.validate", errBackendClusterMismatch)
			}
		}
	}
	for addr, l := range s.Listeners {
		if l.Address != addr {
			return newError(KindConfigInvalid, "Snapshot.validate", errListenerKeyMismatch)
		}
		if l.DefaultCertID != "" {
			if _, ok := s.Certs.byID[l.DefaultCertID]; !ok {
				return newError(KindConfigInvalid, "Snapshot.validate", errUnknownCertificate)
			}
		}
	}
	for _, f := range s.Frontends {
		if f.ID == "" {
			return newError(KindConfigInvalid, "Snapshot.validate", errBadFrontendID)
		}
		if !seenCluster[f.ClusterID] {
			return newError(KindConfigInvalid, "Snapshot.validate", errFrontendUnknownCluster)
		}
		if _, ok := s.Listeners[f.ListenerAddr]; !ok {
			return newError(KindConfigInvalid, "Snapshot.validate", errFrontendUnknownListener)
		}
	}
	return nil
}

// Registry is the atomically-swapped holder of the current Snapshot.
type Registry struct {
	ptr atomic.Pointer[Snapshot]
}

func NewRegistry(initial *Snapshot) *Registry {
	r := &Registry{}
	if initial == nil {
		initial = emptySnapshot()
	}
	r.ptr.Store(initial)
	return r
}

// Load returns the currently published Snapshot. A Session calls this
// exactly once, at admission, and keeps the result for its lifetime.
func (r *Registry) Load() *Snapshot { return r.ptr.Load() }

func (r *Registry) swap(next *Snapshot) *Snapshot { return r.ptr.Swap(next) }

var (
	errBadClusterID           = stdError("cluster id is empty or mismatched")
	errBadBackendID           = stdError("backend id is empty")
	errDuplicateBackend       = stdError("duplicate backend id within cluster")
	errBackendClusterMismatch = stdError("backend.ClusterID does not match owning cluster")
	errListenerKeyMismatch    = stdError("listener map key does not match listener address")
	errUnknownCertificate     = stdError("listener default certificate id is unknown")
	errBadFrontendID          = stdError("frontend id is empty")
	errFrontendUnknownCluster = stdError("frontend references an unknown cluster")
	errFrontendUnknownListener = stdError("frontend references an unknown listener address")
)
