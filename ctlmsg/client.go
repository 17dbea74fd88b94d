// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Command channel client: a thin one-shot caller over the UNIX socket,
// grounded on hemi/procman/client's dial-send-receive-close pattern
// (caller.go/teller.go), generalized from msgx's Comd+flag+args to
// core.Delta/DecodedResult.

package ctlmsg

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/tidegate/tide/core"
)

// Client dials sockPath fresh for every call, matching the teacher's
// one-connection-per-command style rather than holding a long-lived
// session (the command channel sees occasional admin traffic, not a
// steady request rate that would justify pooling).
type Client struct {
	sockPath string
	timeout  time.Duration
}

func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath, timeout: 10 * time.Second}
}

// Apply sends d and waits for the worker's Result. If d.ID is empty, a
// fresh uuid is assigned so the worker's idempotence cache can dedupe a
// retried call from this client.
func (c *Client) Apply(d core.Delta) (*DecodedResult, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	conn, err := net.DialTimeout("unix", c.sockPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("ctlmsg: dial %s: %w", c.sockPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	req := ToFrame(d)
	resp, ok := Call(conn, req, maxFrameArgSize)
	if !ok {
		return nil, fmt.Errorf("ctlmsg: call %s failed", c.sockPath)
	}
	return FrameToResult(resp), nil
}
