// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package core

// Protocol is the HTTP variant a Session (front) or a Backend connection
// pool entry (back) speaks, bound for the Session's lifetime by TLS ALPN
// selection or explicit configuration (spec §4.3).
type Protocol uint8

const (
	ProtoHTTP1 Protocol = iota
	ProtoHTTP2
)

func (p Protocol) String() string {
	if p == ProtoHTTP2 {
		return "http/2"
	}
	return "http/1.1"
}

// ALPNProtocols is offered by TLS listeners per spec §4.3.
var ALPNProtocols = []string{"h2", "http/1.1"}
