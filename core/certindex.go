// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CertIndex implements the TLS engine's SNI certificate selection (spec
// §4.3): exact name match beats longest wildcard match; among ties, most
// recent activation wins; a final deterministic tie-break on fingerprint
// resolves the open question in spec §9 about identical activation
// timestamps.

package core

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"sort"
	"strings"
)

// CertIndex is part of a Snapshot and is rebuilt (cheaply, by re-slicing)
// whenever a AddCertificate/RemoveCertificate delta is applied.
type CertIndex struct {
	byID     map[string]*CertEntry
	exact    map[string][]*CertEntry // DNS name -> candidates
	wildcard map[string][]*CertEntry // suffix after "*." -> candidates
}

func newCertIndex() *CertIndex {
	return &CertIndex{
		byID:     make(map[string]*CertEntry),
		exact:    make(map[string][]*CertEntry),
		wildcard: make(map[string][]*CertEntry),
	}
}

func (ci *CertIndex) clone() *CertIndex {
	nci := newCertIndex()
	for id, e := range ci.byID {
		nci.byID[id] = e
	}
	for name, es := range ci.exact {
		nci.exact[name] = append([]*CertEntry(nil), es...)
	}
	for suf, es := range ci.wildcard {
		nci.wildcard[suf] = append([]*CertEntry(nil), es...)
	}
	return nci
}

func (ci *CertIndex) add(e *CertEntry) {
	ci.byID[e.ID] = e
	for _, name := range e.Names {
		name = strings.ToLower(name)
		if suf, ok := wildcardSuffix(name); ok {
			ci.wildcard[suf] = append(ci.wildcard[suf], e)
		} else {
			ci.exact[name] = append(ci.exact[name], e)
		}
	}
}

func (ci *CertIndex) remove(id string) {
	e, ok := ci.byID[id]
	if !ok {
		return
	}
	delete(ci.byID, id)
	for _, name := range e.Names {
		name = strings.ToLower(name)
		if suf, ok := wildcardSuffix(name); ok {
			ci.wildcard[suf] = removeEntry(ci.wildcard[suf], id)
		} else {
			ci.exact[name] = removeEntry(ci.exact[name], id)
		}
	}
}

func removeEntry(list []*CertEntry, id string) []*CertEntry {
	out := list[:0]
	for _, e := range list {
		if e.ID != id {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func wildcardSuffix(name string) (string, bool) {
	if strings.HasPrefix(name, "*.") {
		return name[1:], true // keep the leading "." so "*.example.com" -> ".example.com"
	}
	return "", false
}

// ErrNoMatchingCertificate signals the caller to close the connection with
// TLS alert unrecognized_name per spec §4.3.
var ErrNoMatchingCertificate = stdError("no certificate matches SNI")

// Select picks the certificate for a ClientHello's SNI, or falls back to
// defaultCertID if sni is empty or unmatched and a default is configured.
func (ci *CertIndex) Select(sni string, defaultCertID string) (*tls.Certificate, error) {
	sni = strings.ToLower(strings.TrimSuffix(sni, "."))
	if sni != "" {
		if best := ci.bestMatch(sni); best != nil {
			return &best.TLSCert, nil
		}
	}
	if defaultCertID != "" {
		if e, ok := ci.byID[defaultCertID]; ok {
			return &e.TLSCert, nil
		}
	}
	return nil, newError(KindTLSHandshakeFailure, "CertIndex.Select", ErrNoMatchingCertificate)
}

func (ci *CertIndex) bestMatch(sni string) *CertEntry {
	var candidates []*CertEntry
	exactSpecificity := -1
	if es, ok := ci.exact[sni]; ok {
		candidates = append(candidates, es...)
		exactSpecificity = len(sni) + 1 // exact always outranks any wildcard
	}
	if exactSpecificity < 0 {
		// Longest-suffix-matching wildcard: walk labels from most to
		// least specific (api.foo.example.com -> .foo.example.com ->
		// .example.com -> .com) and stop at the first hit.
		rest := sni
		for {
			i := strings.IndexByte(rest, '.')
			if i < 0 {
				break
			}
			suf := rest[i:] // includes leading "."
			if es, ok := ci.wildcard[suf]; ok && len(es) > 0 {
				candidates = es
				break
			}
			rest = rest[i+1:]
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ActivatedAt.Equal(candidates[j].ActivatedAt) {
			return candidates[i].ActivatedAt.After(candidates[j].ActivatedAt)
		}
		return bytes.Compare(candidates[i].Fingerprint[:], candidates[j].Fingerprint[:]) > 0
	})
	return candidates[0]
}

func fingerprint(certPEM []byte) [32]byte {
	return sha256.Sum256(certPEM)
}
