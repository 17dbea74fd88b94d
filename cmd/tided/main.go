// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// tided is the worker process (spec §5, §8): it loads the initial config,
// wires one Worker with its collaborators, opens the command channel, and
// watches the config file for hot reload, much as cmds/gorox/main.go wires
// a leader's worker but without the leader/rework supervision tree — each
// tided is the independent, single-process model SPEC_FULL.md calls for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidegate/tide/configyaml"
	"github.com/tidegate/tide/core"
	"github.com/tidegate/tide/ctlmsg"
)

func main() {
	configPath := flag.String("config", "/etc/tide/tide.yaml", "path to YAML config")
	sockPath := flag.String("sock", "/run/tide/tided.sock", "command channel unix socket path")
	namespace := flag.String("namespace", "tide", "metrics namespace")
	probesPerSecond := flag.Float64("health-probes-per-second", 50, "health checker rate limit")
	wheelTick := flag.Duration("wheel-tick", 100*time.Millisecond, "timeout wheel tick")
	wheelSlots := flag.Int("wheel-slots", 600, "timeout wheel slot count")
	bufSize := flag.Int("buffer-size", 16<<10, "relay buffer size in bytes")
	bufMaxLease := flag.Int64("buffer-max-lease", 100000, "max concurrently leased relay buffers")
	dialTimeout := flag.Duration("backend-dial-timeout", 5*time.Second, "backend dial timeout")
	idleTimeout := flag.Duration("backend-idle-timeout", 90*time.Second, "backend idle connection timeout")
	maxIdlePerKey := flag.Int("backend-max-idle-per-key", 8, "max idle backend connections per cluster/backend/sni key")
	watch := flag.Bool("watch", true, "watch the config file and hot-reload on change")
	flag.Parse()

	logger := core.NewLogger(os.Stdout, 200*time.Millisecond)
	defer logger.Close()

	bufPool := core.NewPool(*bufSize, *bufMaxLease)
	metrics := core.NewMetrics(*namespace, 2, bufPool)
	obs := core.NewObserver(logger, metrics)
	registry := core.NewRegistry(nil)
	backPool := core.NewBackendPool(*dialTimeout, *idleTimeout, *maxIdlePerKey)
	hc := core.NewHealthChecker(obs, *probesPerSecond)
	wheel := core.NewWheel(*wheelTick, *wheelSlots)
	ulidGen := core.NewULIDGen()

	worker := core.NewWorker(registry, bufPool, backPool, hc, wheel, obs, metrics, ulidGen)

	watcher := configyaml.NewWatcher(*configPath, worker.ApplyDelta)
	if err := watcher.LoadInitial(); err != nil {
		log.Fatalf("tided: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctl := ctlmsg.NewServer(*sockPath, worker)
	go func() {
		if err := ctl.ListenAndServe(ctx); err != nil {
			logger.Logf("ctlmsg server exited: %v", err)
		}
	}()
	defer ctl.Close()

	if *watch {
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Logf("config watcher exited: %v", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "tided: signal received, soft-stopping")
		worker.SoftStop(core.DefaultSoftStopDeadline)
	}()

	// Run gets its own, independent context: ctx above is only ever
	// cancelled by a signal, and that path already drains gracefully
	// through SoftStop above. Run's own ctx.Done() branch is reserved
	// for an embedder that wants an immediate hard stop instead.
	if err := worker.Run(context.Background()); err != nil {
		log.Fatalf("tided: %v", err)
	}
}
