// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Codec between core.Delta/core.Result and the flat name/value Frame
// wire format: every Delta kind maps to one Cmd (the DeltaKind value
// itself, since it already fits a byte) and its typed payload fields
// become named args.

package ctlmsg

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidegate/tide/core"
)

// ToFrame encodes d as a Call Frame ready for WriteFrame/Call.
func ToFrame(d core.Delta) *Frame {
	f := NewFrame(uint8(d.Kind), 0, nil)
	f.SetCall()
	if d.ID != "" {
		f.Set("id", d.ID)
	}
	if d.RemoveID != "" {
		f.Set("removeId", d.RemoveID)
	}
	if d.SoftStopDeadline != 0 {
		f.Set("softStopDeadline", strconv.FormatInt(int64(d.SoftStopDeadline), 10))
	}
	switch {
	case d.Cluster != nil:
		c := d.Cluster
		f.Set("id_", c.ID)
		f.Set("policy", strconv.Itoa(int(c.Policy)))
		f.Set("stickyCookie", c.StickyCookie)
		f.Set("backendProtocol", strconv.Itoa(int(c.BackendProtocol)))
		f.Set("hcPath", c.HealthCheck.Path)
		f.Set("hcInterval", strconv.FormatInt(int64(c.HealthCheck.Interval), 10))
		f.Set("hcTimeout", strconv.FormatInt(int64(c.HealthCheck.Timeout), 10))
		f.Set("hcFailThreshold", strconv.Itoa(int(c.HealthCheck.FailThreshold)))
		f.Set("hcCoolDown", strconv.FormatInt(int64(c.HealthCheck.CoolDown), 10))
	case d.Backend != nil:
		b := d.Backend
		f.Set("id_", b.ID)
		f.Set("clusterId", b.ClusterID)
		f.Set("address", b.Address)
		f.Set("weight", strconv.Itoa(int(b.Weight)))
		f.Set("tls", boolString(b.TLS))
	case d.Frontend != nil:
		fr := d.Frontend
		f.Set("id_", fr.ID)
		f.Set("listenerAddr", fr.ListenerAddr)
		f.Set("sniPattern", fr.SNIPattern)
		f.Set("hostPattern", fr.HostPattern)
		f.Set("pathKind", strconv.Itoa(int(fr.Path.Kind)))
		f.Set("pathValue", fr.Path.Value)
		f.Set("methods", strings.Join(fr.Methods, ","))
		f.Set("clusterId", fr.ClusterID)
		f.Set("priority", strconv.Itoa(fr.Priority))
		f.Set("rwCount", strconv.Itoa(len(fr.Rewrites)))
		for i, rw := range fr.Rewrites {
			f.Set(fmt.Sprintf("rw%dOp", i), strconv.Itoa(int(rw.Op)))
			f.Set(fmt.Sprintf("rw%dHeader", i), rw.Header)
			f.Set(fmt.Sprintf("rw%dValue", i), rw.Value)
		}
	case d.Certificate != nil:
		c := d.Certificate
		f.Set("id_", c.ID)
		f.Set("certPEM", string(c.CertPEM))
		f.Set("keyPEM", string(c.KeyPEM))
		f.Set("names", strings.Join(c.Names, ","))
		if !c.ActivatedAt.IsZero() {
			f.Set("activatedAt", c.ActivatedAt.Format(time.RFC3339Nano))
		}
	case d.Listener != nil:
		l := d.Listener
		f.Set("id_", l.ID)
		f.Set("address", l.Address)
		f.Set("tls", boolString(l.TLS))
		f.Set("defaultCertId", l.DefaultCertID)
	}
	return f
}

// FromFrame decodes a Frame produced by ToFrame back into a core.Delta.
func FromFrame(f *Frame) (core.Delta, error) {
	d := core.Delta{
		ID:       f.Get("id"),
		Kind:     core.DeltaKind(f.Cmd),
		RemoveID: f.Get("removeId"),
	}
	if s := f.Get("softStopDeadline"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return core.Delta{}, fmt.Errorf("ctlmsg: bad softStopDeadline: %w", err)
		}
		d.SoftStopDeadline = time.Duration(n)
	}

	switch d.Kind {
	case core.AddCluster:
		policy, err := parseInt(f.Get("policy"))
		if err != nil {
			return core.Delta{}, err
		}
		backendProto, err := parseInt(f.Get("backendProtocol"))
		if err != nil {
			return core.Delta{}, err
		}
		interval, timeout, coolDown, failThreshold, err := parseHealthCheck(f)
		if err != nil {
			return core.Delta{}, err
		}
		d.Cluster = &core.ClusterInput{
			ID:              f.Get("id_"),
			Policy:          core.LBPolicy(policy),
			StickyCookie:    f.Get("stickyCookie"),
			BackendProtocol: core.Protocol(backendProto),
			HealthCheck: core.HealthCheckConfig{
				Path:          f.Get("hcPath"),
				Interval:      interval,
				Timeout:       timeout,
				FailThreshold: failThreshold,
				CoolDown:      coolDown,
			},
		}

	case core.AddBackend:
		weight, err := parseInt(f.Get("weight"))
		if err != nil {
			return core.Delta{}, err
		}
		d.Backend = &core.BackendInput{
			ID:        f.Get("id_"),
			ClusterID: f.Get("clusterId"),
			Address:   f.Get("address"),
			Weight:    int32(weight),
			TLS:       f.Get("tls") == "1",
		}

	case core.AddFrontend:
		pathKind, err := parseInt(f.Get("pathKind"))
		if err != nil {
			return core.Delta{}, err
		}
		priority, err := parseInt(f.Get("priority"))
		if err != nil {
			return core.Delta{}, err
		}
		var methods []string
		if m := f.Get("methods"); m != "" {
			methods = strings.Split(m, ",")
		}
		rwCount, _ := parseInt(f.Get("rwCount"))
		rewrites := make([]core.RewriteDirective, 0, rwCount)
		for i := 0; i < rwCount; i++ {
			op, err := parseInt(f.Get(fmt.Sprintf("rw%dOp", i)))
			if err != nil {
				return core.Delta{}, err
			}
			rewrites = append(rewrites, core.RewriteDirective{
				Op:     core.RewriteOp(op),
				Header: f.Get(fmt.Sprintf("rw%dHeader", i)),
				Value:  f.Get(fmt.Sprintf("rw%dValue", i)),
			})
		}
		d.Frontend = &core.FrontendInput{
			ID:           f.Get("id_"),
			ListenerAddr: f.Get("listenerAddr"),
			SNIPattern:   f.Get("sniPattern"),
			HostPattern:  f.Get("hostPattern"),
			Path:         core.PathMatch{Kind: core.PathMatchKind(pathKind), Value: f.Get("pathValue")},
			Methods:      methods,
			ClusterID:    f.Get("clusterId"),
			Rewrites:     rewrites,
			Priority:     priority,
		}

	case core.AddCertificate:
		var activatedAt time.Time
		if s := f.Get("activatedAt"); s != "" {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return core.Delta{}, fmt.Errorf("ctlmsg: bad activatedAt: %w", err)
			}
			activatedAt = t
		}
		var names []string
		if n := f.Get("names"); n != "" {
			names = strings.Split(n, ",")
		}
		d.Certificate = &core.CertificateInput{
			ID:          f.Get("id_"),
			CertPEM:     []byte(f.Get("certPEM")),
			KeyPEM:      []byte(f.Get("keyPEM")),
			Names:       names,
			ActivatedAt: activatedAt,
		}

	case core.AddListener:
		d.Listener = &core.ListenerInput{
			ID:            f.Get("id_"),
			Address:       f.Get("address"),
			TLS:           f.Get("tls") == "1",
			DefaultCertID: f.Get("defaultCertId"),
		}
	}
	return d, nil
}

// ResultToFrame encodes r as the response Frame for a Call.
func ResultToFrame(r *core.Result) *Frame {
	f := NewFrame(0, uint16(r.Status), nil)
	f.Set("id", r.ID)
	f.Set("status", r.Status.String())
	if r.Err != nil {
		f.Set("err", r.Err.Error())
	}
	if r.Text != "" {
		f.Set("text", r.Text)
	}
	if r.Snapshot != nil {
		f.Set("snapshot", formatSnapshot(r.Snapshot))
	}
	return f
}

// DecodedResult is the client-side view of a response Frame: core.Result
// carries an error interface and a live *Snapshot, neither of which
// survives the wire, so the client gets a flattened projection instead.
type DecodedResult struct {
	ID       string
	Status   string
	Err      string
	Text     string
	Snapshot string
}

func FrameToResult(f *Frame) *DecodedResult {
	return &DecodedResult{
		ID:       f.Get("id"),
		Status:   f.Get("status"),
		Err:      f.Get("err"),
		Text:     f.Get("text"),
		Snapshot: f.Get("snapshot"),
	}
}

func formatSnapshot(s *core.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "generation=%d tag=%s\n", s.Generation, s.Tag)
	for id, c := range s.Clusters {
		fmt.Fprintf(&b, "cluster %s policy=%d backends=%d\n", id, c.Policy, len(c.Backends))
		for _, bk := range c.Backends {
			fmt.Fprintf(&b, "  backend %s addr=%s state=%s inflight=%d\n", bk.ID, bk.Address, bk.State(), bk.InFlight())
		}
	}
	for _, fr := range s.Frontends {
		fmt.Fprintf(&b, "frontend %s listener=%s cluster=%s\n", fr.ID, fr.ListenerAddr, fr.ClusterID)
	}
	return b.String()
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("ctlmsg: bad integer arg %q: %w", s, err)
	}
	return n, nil
}

func parseHealthCheck(f *Frame) (interval, timeout, coolDown time.Duration, failThreshold int32, err error) {
	parse := func(name string) (time.Duration, error) {
		s := f.Get(name)
		if s == "" {
			return 0, nil
		}
		n, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("ctlmsg: bad %s: %w", name, perr)
		}
		return time.Duration(n), nil
	}
	if interval, err = parse("hcInterval"); err != nil {
		return
	}
	if timeout, err = parse("hcTimeout"); err != nil {
		return
	}
	if coolDown, err = parse("hcCoolDown"); err != nil {
		return
	}
	n, perr := parseInt(f.Get("hcFailThreshold"))
	if perr != nil {
		err = perr
		return
	}
	failThreshold = int32(n)
	return
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
