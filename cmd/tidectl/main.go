// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// tidectl is the command channel CLI, grounded on hemi/procman/client's
// tell/call actions but driving ctlmsg.Client against a running tided
// instead of the teacher's leader/worker admin socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tidegate/tide/core"
	"github.com/tidegate/tide/ctlmsg"
)

const usage = `
tidectl - control channel client for tided

ACTION
------

  status                # print the worker's status report
  metrics               # print the worker's Prometheus metrics report
  softstop [deadline]   # ask the worker to drain gracefully (default 30s)
  hardstop              # ask the worker to stop immediately
  clusters              # dump the current registry's clusters
  certificates           # dump the current registry's certificates

  Only one action is allowed at a time.

OPTIONS
-------

  -sock <path>   # command channel unix socket path (default: /run/tide/tided.sock)
`

func main() {
	sockPath := flag.String("sock", "/run/tide/tided.sock", "command channel unix socket path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	client := ctlmsg.NewClient(*sockPath)
	action := flag.Arg(0)

	var d core.Delta
	switch action {
	case "status":
		d = core.Delta{Kind: core.StatusQuery}
	case "metrics":
		d = core.Delta{Kind: core.MetricsQuery}
	case "softstop":
		deadline := core.DefaultSoftStopDeadline
		if flag.NArg() > 1 {
			parsed, err := time.ParseDuration(flag.Arg(1))
			if err != nil {
				fmt.Fprintf(os.Stderr, "tidectl: bad deadline %q: %v\n", flag.Arg(1), err)
				os.Exit(2)
			}
			deadline = parsed
		}
		d = core.Delta{Kind: core.SoftStop, SoftStopDeadline: deadline}
	case "hardstop":
		d = core.Delta{Kind: core.HardStop}
	case "clusters":
		d = core.Delta{Kind: core.QueryClusters}
	case "certificates":
		d = core.Delta{Kind: core.QueryCertificates}
	default:
		fmt.Fprintf(os.Stderr, "tidectl: unknown action %q\n\n", action)
		flag.Usage()
		os.Exit(2)
	}

	res, err := client.Apply(d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tidectl: %v\n", err)
		os.Exit(1)
	}
	if res.Err != "" {
		fmt.Fprintf(os.Stderr, "tidectl: %s\n", res.Err)
		os.Exit(1)
	}
	if res.Text != "" {
		fmt.Println(res.Text)
	}
	if res.Snapshot != "" {
		fmt.Println(res.Snapshot)
	}
}
