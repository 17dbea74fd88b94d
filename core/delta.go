// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Reconfiguration applier (spec §4.7): validates and applies typed
// deltas against the Registry atomically, one at a time, all-or-nothing.
// Grounded on the swap-a-shared-pointer strategy of design note 9 and on
// hemi/config.go's notion of building a whole new Stage before ever
// publishing it.

package core

import (
	"crypto/tls"
	"sync"
	"time"
)

type DeltaKind uint8

const (
	AddCluster DeltaKind = iota
	RemoveCluster
	AddBackend
	RemoveBackend
	AddFrontend
	RemoveFrontend
	AddCertificate
	RemoveCertificate
	AddListener
	RemoveListener
	SoftStop
	HardStop
	StatusQuery
	MetricsQuery
	QueryCertificates
	QueryClusters
)

func (k DeltaKind) String() string {
	names := [...]string{
		"AddCluster", "RemoveCluster", "AddBackend", "RemoveBackend",
		"AddFrontend", "RemoveFrontend", "AddCertificate", "RemoveCertificate",
		"AddListener", "RemoveListener", "SoftStop", "HardStop", "Status",
		"Metrics", "QueryCertificates", "QueryClusters",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// ClusterInput is the AddCluster payload.
type ClusterInput struct {
	ID              string
	Policy          LBPolicy
	StickyCookie    string
	BackendProtocol Protocol
	HealthCheck     HealthCheckConfig
}

// BackendInput is the AddBackend payload.
type BackendInput struct {
	ID        string
	ClusterID string
	Address   string
	Weight    int32
	TLS       bool
}

// FrontendInput is the AddFrontend payload.
type FrontendInput struct {
	ID           string
	ListenerAddr string
	SNIPattern   string
	HostPattern  string
	Path         PathMatch
	Methods      []string
	ClusterID    string
	Rewrites     []RewriteDirective
	Priority     int
}

// CertificateInput is the AddCertificate payload; CertPEM/KeyPEM are the
// wire-format chain and key, parsed with crypto/tls.X509KeyPair.
type CertificateInput struct {
	ID          string
	CertPEM     []byte
	KeyPEM      []byte
	Names       []string
	ActivatedAt time.Time
}

// ListenerInput is the AddListener payload.
type ListenerInput struct {
	ID            string
	Address       string
	TLS           bool
	DefaultCertID string
}

// Delta is one typed, atomic change request against the Registry (or a
// lifecycle/query command), carrying the id the command channel's caller
// will see echoed back in the Result.
type Delta struct {
	ID   string
	Kind DeltaKind

	Cluster     *ClusterInput
	Backend     *BackendInput
	Frontend    *FrontendInput
	Certificate *CertificateInput
	Listener    *ListenerInput

	RemoveID         string        // target id for Remove* kinds
	SoftStopDeadline time.Duration // for SoftStop
}

type ResultStatus uint8

const (
	StatusOk ResultStatus = iota
	StatusProcessing
	StatusError
)

func (s ResultStatus) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusProcessing:
		return "Processing"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Result is returned for every applied Delta, carrying the same ID.
type Result struct {
	ID       string
	Status   ResultStatus
	Err      error
	Snapshot *Snapshot // populated for QueryClusters/QueryCertificates
	Text     string    // populated for Status/Metrics
}

// WorkerControl is the subset of Worker that the applier needs to act on
// SoftStop/HardStop/Status/Metrics deltas, kept as an interface here so
// core/delta.go has no compile-time dependency on worker.go's concrete
// type graph.
type WorkerControl interface {
	SoftStop(deadline time.Duration)
	HardStop()
	StatusReport() string
	MetricsReport() string
}

// Applier is the single entry point named by spec §6: apply_delta and
// query both flow through Apply.
type Applier struct {
	registry *Registry
	control  WorkerControl

	mu      sync.Mutex // serializes Apply; the worker's own driver loop never calls Apply concurrently with itself, but the command-channel server does run on a separate goroutine
	applied map[string]*Result
}

func NewApplier(registry *Registry, control WorkerControl) *Applier {
	return &Applier{registry: registry, control: control, applied: make(map[string]*Result)}
}

// Apply validates and applies d against the current Snapshot. Duplicate
// ids (spec §8 "Idempotence of config") return the cached Result instead
// of re-applying.
func (a *Applier) Apply(d Delta) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d.ID != "" {
		if prev, ok := a.applied[d.ID]; ok {
			return prev
		}
	}

	res := a.apply(d)
	if d.ID != "" {
		a.applied[d.ID] = res
	}
	return res
}

func (a *Applier) apply(d Delta) *Result {
	switch d.Kind {
	case SoftStop:
		if a.control != nil {
			a.control.SoftStop(d.SoftStopDeadline)
		}
		return &Result{ID: d.ID, Status: StatusOk}
	case HardStop:
		if a.control != nil {
			a.control.HardStop()
		}
		return &Result{ID: d.ID, Status: StatusOk}
	case StatusQuery:
		text := ""
		if a.control != nil {
			text = a.control.StatusReport()
		}
		return &Result{ID: d.ID, Status: StatusOk, Text: text}
	case MetricsQuery:
		text := ""
		if a.control != nil {
			text = a.control.MetricsReport()
		}
		return &Result{ID: d.ID, Status: StatusOk, Text: text}
	case QueryClusters, QueryCertificates:
		return &Result{ID: d.ID, Status: StatusOk, Snapshot: a.registry.Load()}
	}

	cur := a.registry.Load()
	next := cur.clone()
	if err := a.mutate(next, d); err != nil {
		return &Result{ID: d.ID, Status: StatusError, Err: err}
	}
	next.Generation = cur.Generation + 1
	if err := next.validate(); err != nil {
		return &Result{ID: d.ID, Status: StatusError, Err: err}
	}
	a.registry.swap(next)
	return &Result{ID: d.ID, Status: StatusOk}
}

var (
	errClusterExists      = stdError("cluster already exists")
	errClusterNotFound    = stdError("cluster not found")
	errBackendExists      = stdError("backend already exists")
	errBackendNotFound    = stdError("backend not found")
	errFrontendExists     = stdError("frontend already exists")
	errFrontendNotFound   = stdError("frontend not found")
	errCertificateExists  = stdError("certificate already exists")
	errCertificateNF      = stdError("certificate not found")
	errListenerExists     = stdError("listener already exists")
	errListenerNotFound   = stdError("listener not found")
	errMissingPayload     = stdError("delta is missing its payload")
)

func (a *Applier) mutate(next *Snapshot, d Delta) error {
	switch d.Kind {
	case AddCluster:
		if d.Cluster == nil {
			return newError(KindConfigInvalid, "AddCluster", errMissingPayload)
		}
		if _, exists := next.Clusters[d.Cluster.ID]; exists {
			return newError(KindConfigInvalid, "AddCluster", errClusterExists)
		}
		next.Clusters[d.Cluster.ID] = &Cluster{
			ID:              d.Cluster.ID,
			Policy:          d.Cluster.Policy,
			StickyCookie:    d.Cluster.StickyCookie,
			BackendProtocol: d.Cluster.BackendProtocol,
			HealthCheck:     d.Cluster.HealthCheck,
		}
		return nil

	case RemoveCluster:
		c, ok := next.Clusters[d.RemoveID]
		if !ok {
			return newError(KindConfigInvalid, "RemoveCluster", errClusterNotFound)
		}
		for _, f := range next.Frontends {
			if f.ClusterID == c.ID {
				return newError(KindConfigInvalid, "RemoveCluster", stdError("cluster is referenced by a frontend"))
			}
		}
		delete(next.Clusters, d.RemoveID)
		return nil

	case AddBackend:
		if d.Backend == nil {
			return newError(KindConfigInvalid, "AddBackend", errMissingPayload)
		}
		c, ok := next.Clusters[d.Backend.ClusterID]
		if !ok {
			return newError(KindConfigInvalid, "AddBackend", errClusterNotFound)
		}
		if _, exists := c.Backend(d.Backend.ID); exists {
			return newError(KindConfigInvalid, "AddBackend", errBackendExists)
		}
		nc := shallowCloneCluster(c)
		nc.Backends = append(nc.Backends, NewBackend(d.Backend.ID, d.Backend.ClusterID, d.Backend.Address, d.Backend.Weight, d.Backend.TLS))
		next.Clusters[c.ID] = nc
		return nil

	case RemoveBackend:
		c := findOwningCluster(next, d.RemoveID)
		if c == nil {
			return newError(KindConfigInvalid, "RemoveBackend", errBackendNotFound)
		}
		nc := shallowCloneCluster(c)
		out := nc.Backends[:0]
		for _, b := range nc.Backends {
			if b.ID != d.RemoveID {
				out = append(out, b)
			}
		}
		nc.Backends = out
		next.Clusters[c.ID] = nc
		return nil

	case AddFrontend:
		if d.Frontend == nil {
			return newError(KindConfigInvalid, "AddFrontend", errMissingPayload)
		}
		if _, ok := next.Listeners[d.Frontend.ListenerAddr]; !ok {
			return newError(KindConfigInvalid, "AddFrontend", errListenerNotFound)
		}
		for _, f := range next.Frontends {
			if f.ID == d.Frontend.ID {
				return newError(KindConfigInvalid, "AddFrontend", errFrontendExists)
			}
		}
		var methods map[string]bool
		if len(d.Frontend.Methods) > 0 {
			methods = make(map[string]bool, len(d.Frontend.Methods))
			for _, m := range d.Frontend.Methods {
				methods[m] = true
			}
		}
		next.Frontends = append(next.Frontends, &Frontend{
			ID:           d.Frontend.ID,
			ListenerAddr: d.Frontend.ListenerAddr,
			SNIPattern:   d.Frontend.SNIPattern,
			HostPattern:  d.Frontend.HostPattern,
			Path:         d.Frontend.Path,
			Methods:      methods,
			ClusterID:    d.Frontend.ClusterID,
			Rewrites:     d.Frontend.Rewrites,
			Priority:     d.Frontend.Priority,
			Seq:          len(next.Frontends),
		})
		SortFrontends(next.Frontends)
		return nil

	case RemoveFrontend:
		out := next.Frontends[:0]
		found := false
		for _, f := range next.Frontends {
			if f.ID == d.RemoveID {
				found = true
				continue
			}
			out = append(out, f)
		}
		if !found {
			return newError(KindConfigInvalid, "RemoveFrontend", errFrontendNotFound)
		}
		next.Frontends = out
		return nil

	case AddCertificate:
		if d.Certificate == nil {
			return newError(KindConfigInvalid, "AddCertificate", errMissingPayload)
		}
		if _, exists := next.Certs.byID[d.Certificate.ID]; exists {
			return newError(KindConfigInvalid, "AddCertificate", errCertificateExists)
		}
		tlsCert, err := tls.X509KeyPair(d.Certificate.CertPEM, d.Certificate.KeyPEM)
		if err != nil {
			return newError(KindConfigInvalid, "AddCertificate", err)
		}
		activatedAt := d.Certificate.ActivatedAt
		if activatedAt.IsZero() {
			activatedAt = time.Now()
		}
		next.Certs.add(&CertEntry{
			ID:          d.Certificate.ID,
			TLSCert:     tlsCert,
			Names:       d.Certificate.Names,
			Fingerprint: fingerprint(d.Certificate.CertPEM),
			ActivatedAt: activatedAt,
		})
		return nil

	case RemoveCertificate:
		if _, ok := next.Certs.byID[d.RemoveID]; !ok {
			return newError(KindConfigInvalid, "RemoveCertificate", errCertificateNF)
		}
		next.Certs.remove(d.RemoveID)
		return nil

	case AddListener:
		if d.Listener == nil {
			return newError(KindConfigInvalid, "AddListener", errMissingPayload)
		}
		if _, exists := next.Listeners[d.Listener.Address]; exists {
			return newError(KindConfigInvalid, "AddListener", errListenerExists)
		}
		next.Listeners[d.Listener.Address] = &ListenerSpec{
			ID:            d.Listener.ID,
			Address:       d.Listener.Address,
			TLS:           d.Listener.TLS,
			DefaultCertID: d.Listener.DefaultCertID,
		}
		return nil

	case RemoveListener:
		// Listeners are keyed by address; RemoveID may name either the
		// address or the listener's id.
		addr := d.RemoveID
		if _, ok := next.Listeners[addr]; !ok {
			addr = ""
			for a, l := range next.Listeners {
				if l.ID == d.RemoveID {
					addr = a
				}
			}
			if addr == "" {
				return newError(KindConfigInvalid, "RemoveListener", errListenerNotFound)
			}
		}
		for _, f := range next.Frontends {
			if f.ListenerAddr == addr {
				return newError(KindConfigInvalid, "RemoveListener", stdError("listener is referenced by a frontend"))
			}
		}
		delete(next.Listeners, addr)
		return nil
	}
	return newError(KindConfigInvalid, "Applier.mutate", stdError("unknown delta kind"))
}

func shallowCloneCluster(c *Cluster) *Cluster {
	nc := &Cluster{
		ID:              c.ID,
		Policy:          c.Policy,
		StickyCookie:    c.StickyCookie,
		BackendProtocol: c.BackendProtocol,
		HealthCheck:     c.HealthCheck,
		Backends:        append([]*Backend(nil), c.Backends...),
	}
	nc.rrCounter.Store(c.rrCounter.Load())
	return nc
}

func findOwningCluster(s *Snapshot, backendID string) *Cluster {
	for _, c := range s.Clusters {
		if _, ok := c.Backend(backendID); ok {
			return c
		}
	}
	return nil
}
