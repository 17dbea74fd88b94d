// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// On-disk YAML config schema (spec §6 "startup collaborator"), grounded
// on fabian4-gateway-homebrew-go/internal/config/config.go's rawConfig
// ->validated-model shape. Load parses and validates a document into the
// same typed delta payloads the command channel carries, so the startup
// burst and a hot-reload diff both flow through AddCluster/AddBackend/...
// exactly as if they had arrived over ctlmsg.

package configyaml

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidegate/tide/core"
)

type rawListener struct {
	ID            string `yaml:"id"`
	Address       string `yaml:"address"`
	TLS           bool   `yaml:"tls"`
	DefaultCertID string `yaml:"defaultCert"`
}

type rawHealthCheck struct {
	Path          string `yaml:"path"`
	Interval      string `yaml:"interval"`
	Timeout       string `yaml:"timeout"`
	FailThreshold int32  `yaml:"failThreshold"`
	CoolDown      string `yaml:"coolDown"`
}

type rawBackend struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Weight  int32  `yaml:"weight"`
	TLS     bool   `yaml:"tls"`
}

type rawCluster struct {
	ID              string         `yaml:"id"`
	Policy          string         `yaml:"policy"`
	StickyCookie    string         `yaml:"stickyCookie"`
	BackendProtocol string         `yaml:"backendProtocol"`
	HealthCheck     rawHealthCheck `yaml:"healthCheck"`
	Backends        []rawBackend   `yaml:"backends"`
}

type rawPath struct {
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

type rawRewrite struct {
	Op     string `yaml:"op"`
	Header string `yaml:"header"`
	Value  string `yaml:"value"`
}

type rawFrontend struct {
	ID       string       `yaml:"id"`
	Listener string       `yaml:"listener"`
	SNI      string       `yaml:"sni"`
	Host     string       `yaml:"host"`
	Path     rawPath      `yaml:"path"`
	Methods  []string     `yaml:"methods"`
	Cluster  string       `yaml:"cluster"`
	Priority int          `yaml:"priority"`
	Rewrites []rawRewrite `yaml:"rewrites"`
}

type rawCertificate struct {
	ID          string   `yaml:"id"`
	CertFile    string   `yaml:"certFile"`
	KeyFile     string   `yaml:"keyFile"`
	Names       []string `yaml:"names"`
	ActivatedAt string   `yaml:"activatedAt"`
}

type rawDocument struct {
	Listeners    []rawListener    `yaml:"listeners"`
	Clusters     []rawCluster     `yaml:"clusters"`
	Frontends    []rawFrontend    `yaml:"frontends"`
	Certificates []rawCertificate `yaml:"certificates"`
}

// Document is the validated, in-memory form of one YAML config file: a
// flat list of inputs ready to become deltas, kept in dependency order
// (listeners, certificates, clusters+backends, frontends) so applying
// them in order never trips a forward reference in Snapshot.validate.
type Document struct {
	Listeners    []core.ListenerInput
	Certificates []core.CertificateInput
	Clusters     []core.ClusterInput
	Backends     []core.BackendInput
	Frontends    []core.FrontendInput
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configyaml: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse validates raw YAML bytes into a Document, resolving certFile/
// keyFile references relative to the current working directory.
func Parse(b []byte) (*Document, error) {
	var raw rawDocument
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("configyaml: yaml: %w", err)
	}

	doc := &Document{}

	listenerIDs := make(map[string]bool, len(raw.Listeners))
	for i, l := range raw.Listeners {
		if l.ID == "" || l.Address == "" {
			return nil, fmt.Errorf("configyaml: listeners[%d]: id and address are required", i)
		}
		listenerIDs[l.ID] = true
		doc.Listeners = append(doc.Listeners, core.ListenerInput{
			ID:            l.ID,
			Address:       l.Address,
			TLS:           l.TLS,
			DefaultCertID: l.DefaultCertID,
		})
	}

	certIDs := make(map[string]bool, len(raw.Certificates))
	for i, c := range raw.Certificates {
		if c.ID == "" {
			return nil, fmt.Errorf("configyaml: certificates[%d]: id is required", i)
		}
		certPEM, err := os.ReadFile(c.CertFile)
		if err != nil {
			return nil, fmt.Errorf("configyaml: certificates[%d]: read certFile: %w", i, err)
		}
		keyPEM, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("configyaml: certificates[%d]: read keyFile: %w", i, err)
		}
		var activatedAt time.Time
		if c.ActivatedAt != "" {
			t, err := time.Parse(time.RFC3339, c.ActivatedAt)
			if err != nil {
				return nil, fmt.Errorf("configyaml: certificates[%d]: activatedAt: %w", i, err)
			}
			activatedAt = t
		}
		certIDs[c.ID] = true
		doc.Certificates = append(doc.Certificates, core.CertificateInput{
			ID:          c.ID,
			CertPEM:     certPEM,
			KeyPEM:      keyPEM,
			Names:       c.Names,
			ActivatedAt: activatedAt,
		})
	}

	clusterIDs := make(map[string]bool, len(raw.Clusters))
	for i, c := range raw.Clusters {
		if c.ID == "" {
			return nil, fmt.Errorf("configyaml: clusters[%d]: id is required", i)
		}
		policy, ok := core.ParseLBPolicy(orDefault(c.Policy, "round_robin"))
		if !ok {
			return nil, fmt.Errorf("configyaml: clusters[%d]: unknown policy %q", i, c.Policy)
		}
		proto, err := parseProtocol(orDefault(c.BackendProtocol, "http1"))
		if err != nil {
			return nil, fmt.Errorf("configyaml: clusters[%d]: %w", i, err)
		}
		hc, err := parseHealthCheck(c.HealthCheck)
		if err != nil {
			return nil, fmt.Errorf("configyaml: clusters[%d]: healthCheck: %w", i, err)
		}
		clusterIDs[c.ID] = true
		doc.Clusters = append(doc.Clusters, core.ClusterInput{
			ID:              c.ID,
			Policy:          policy,
			StickyCookie:    c.StickyCookie,
			BackendProtocol: proto,
			HealthCheck:     hc,
		})
		for j, b := range c.Backends {
			if b.ID == "" || b.Address == "" {
				return nil, fmt.Errorf("configyaml: clusters[%d].backends[%d]: id and address are required", i, j)
			}
			weight := b.Weight
			if weight <= 0 {
				weight = 1
			}
			doc.Backends = append(doc.Backends, core.BackendInput{
				ID:        b.ID,
				ClusterID: c.ID,
				Address:   b.Address,
				Weight:    weight,
				TLS:       b.TLS,
			})
		}
	}

	for i, f := range raw.Frontends {
		if f.ID == "" {
			return nil, fmt.Errorf("configyaml: frontends[%d]: id is required", i)
		}
		if !listenerIDs[f.Listener] {
			return nil, fmt.Errorf("configyaml: frontends[%d]: unknown listener %q", i, f.Listener)
		}
		if !clusterIDs[f.Cluster] {
			return nil, fmt.Errorf("configyaml: frontends[%d]: unknown cluster %q", i, f.Cluster)
		}
		pathMatch, err := parsePath(f.Path)
		if err != nil {
			return nil, fmt.Errorf("configyaml: frontends[%d]: path: %w", i, err)
		}
		rewrites := make([]core.RewriteDirective, 0, len(f.Rewrites))
		for j, rw := range f.Rewrites {
			op, err := parseRewriteOp(rw.Op)
			if err != nil {
				return nil, fmt.Errorf("configyaml: frontends[%d].rewrites[%d]: %w", i, j, err)
			}
			rewrites = append(rewrites, core.RewriteDirective{Op: op, Header: rw.Header, Value: rw.Value})
		}
		doc.Frontends = append(doc.Frontends, core.FrontendInput{
			ID:           f.ID,
			ListenerAddr: addressOf(raw.Listeners, f.Listener),
			SNIPattern:   f.SNI,
			HostPattern:  f.Host,
			Path:         pathMatch,
			Methods:      f.Methods,
			ClusterID:    f.Cluster,
			Rewrites:     rewrites,
			Priority:     f.Priority,
		})
	}

	return doc, nil
}

// Deltas flattens doc into the ordered burst of AddX deltas an Applier
// must apply in sequence for every cross-reference to resolve (spec §6
// "startup collaborator" producing the initial delta burst).
func (doc *Document) Deltas() []core.Delta {
	deltas := make([]core.Delta, 0, len(doc.Listeners)+len(doc.Certificates)+len(doc.Clusters)+len(doc.Backends)+len(doc.Frontends))
	for _, l := range doc.Listeners {
		l := l
		deltas = append(deltas, core.Delta{ID: "init-listener-" + l.ID, Kind: core.AddListener, Listener: &l})
	}
	for _, c := range doc.Certificates {
		c := c
		deltas = append(deltas, core.Delta{ID: "init-cert-" + c.ID, Kind: core.AddCertificate, Certificate: &c})
	}
	for _, c := range doc.Clusters {
		c := c
		deltas = append(deltas, core.Delta{ID: "init-cluster-" + c.ID, Kind: core.AddCluster, Cluster: &c})
	}
	for _, b := range doc.Backends {
		b := b
		deltas = append(deltas, core.Delta{ID: "init-backend-" + b.ID, Kind: core.AddBackend, Backend: &b})
	}
	for _, f := range doc.Frontends {
		f := f
		deltas = append(deltas, core.Delta{ID: "init-frontend-" + f.ID, Kind: core.AddFrontend, Frontend: &f})
	}
	return deltas
}

func addressOf(listeners []rawListener, id string) string {
	for _, l := range listeners {
		if l.ID == id {
			return l.Address
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func parseProtocol(s string) (core.Protocol, error) {
	switch strings.ToLower(s) {
	case "http1", "http/1.1", "h1":
		return core.ProtoHTTP1, nil
	case "http2", "http/2", "h2":
		return core.ProtoHTTP2, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

func parsePath(p rawPath) (core.PathMatch, error) {
	switch strings.ToLower(orDefault(p.Kind, "prefix")) {
	case "exact":
		return core.PathMatch{Kind: core.PathExact, Value: p.Value}, nil
	case "prefix":
		return core.PathMatch{Kind: core.PathPrefix, Value: p.Value}, nil
	default:
		return core.PathMatch{}, fmt.Errorf("unknown path kind %q", p.Kind)
	}
}

func parseRewriteOp(s string) (core.RewriteOp, error) {
	switch strings.ToLower(s) {
	case "add":
		return core.RewriteAdd, nil
	case "remove":
		return core.RewriteRemove, nil
	case "set":
		return core.RewriteSet, nil
	default:
		return 0, fmt.Errorf("unknown rewrite op %q", s)
	}
}

func parseHealthCheck(h rawHealthCheck) (core.HealthCheckConfig, error) {
	interval, err := parseDurationOrZero(h.Interval)
	if err != nil {
		return core.HealthCheckConfig{}, fmt.Errorf("interval: %w", err)
	}
	timeout, err := parseDurationOrZero(h.Timeout)
	if err != nil {
		return core.HealthCheckConfig{}, fmt.Errorf("timeout: %w", err)
	}
	coolDown, err := parseDurationOrZero(h.CoolDown)
	if err != nil {
		return core.HealthCheckConfig{}, fmt.Errorf("coolDown: %w", err)
	}
	return core.HealthCheckConfig{
		Path:          h.Path,
		Interval:      interval,
		Timeout:       timeout,
		FailThreshold: h.FailThreshold,
		CoolDown:      coolDown,
	}, nil
}

func parseDurationOrZero(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
