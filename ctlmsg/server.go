// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Command channel server: accepts Frame Calls over a UNIX socket and
// drives them through a Worker's Applier, per spec §6's command channel
// and §4.7's reconfiguration entry point.

package ctlmsg

import (
	"context"
	"net"
	"os"

	"github.com/tidegate/tide/core"
)

const maxFrameArgSize = 64 << 20 // certificate PEM bundles can be sizeable

// Server listens on a UNIX socket and applies every incoming Delta
// against one Worker.
type Server struct {
	sockPath string
	worker   *core.Worker
	ln       net.Listener
}

func NewServer(sockPath string, worker *core.Worker) *Server {
	return &Server{sockPath: sockPath, worker: worker}
}

// ListenAndServe binds the socket (removing any stale one left behind
// by a crashed prior process) and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.sockPath)
	ln, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}
	s.ln = ln
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, ok := ReadFrame(conn, maxFrameArgSize)
		if !ok {
			return
		}
		d, err := FromFrame(req)
		if err != nil {
			resp := NewFrame(0, uint16(core.StatusError), nil)
			resp.Set("err", err.Error())
			WriteFrame(conn, resp)
			continue
		}
		res := s.worker.ApplyDelta(d)
		if !WriteFrame(conn, ResultToFrame(res)) {
			return
		}
		if !req.IsCall() {
			return
		}
	}
}

func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
