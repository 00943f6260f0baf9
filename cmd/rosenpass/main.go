// Copyright 2023 Rosenpass e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command rosenpass is the control-plane daemon: it owns the readiness-based
// (epoll) API connection manager and serves whatever request handler is
// wired into it. The Rosenpass post-quantum handshake itself is out of
// scope for this core (spec.md §1); notImplementedHandler below is a
// stand-in that reports every request as dropped rather than crashing, so
// the connection manager's framing and lifecycle can be exercised
// end-to-end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/rosenpass/rosenpass-go/internal/cfg"
	"github.com/rosenpass/rosenpass-go/internal/logger"
	"github.com/rosenpass/rosenpass-go/internal/metrics"
	"github.com/rosenpass/rosenpass-go/internal/mio"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var conf cfg.DaemonConfig
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rosenpass",
		Short: "Rosenpass control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf.Log.Resolve(v)
			return run(cmd.Context(), &conf)
		},
	}
	if err := conf.BindFlags(cmd.Flags(), v); err != nil {
		// Flag registration only fails on programmer error (duplicate
		// names); surface it immediately rather than deferring to RunE.
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, conf *cfg.DaemonConfig) error {
	if err := conf.Validate(); err != nil {
		return err
	}

	log, closeSink := logger.OpenSink(conf.Log.File, logFormat(conf.Log.Format))
	defer closeSink.Close()
	logger.SetLevel(conf.Log.Level)
	logger.SetDefault(log)

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if conf.MetricsAddr() != "" {
		go serveMetrics(conf.MetricsAddr(), log)
	}

	srv, err := mio.NewServer()
	if err != nil {
		return fmt.Errorf("rosenpass: %w", err)
	}
	defer srv.Close()

	handler := &notImplementedHandler{log: log}
	mgr := mio.NewConnectionManager(srv, handler, log)

	for _, path := range conf.ListenPaths {
		ln, err := mio.ListenUnix(path, 128)
		if err != nil {
			return fmt.Errorf("rosenpass: %w", err)
		}
		if _, err := mgr.AddListener(ln); err != nil {
			return fmt.Errorf("rosenpass: registering listener %s: %w", path, err)
		}
		log.Info("listening", "path", path)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify failed, continuing without systemd readiness", "error", err)
	} else if ok {
		log.Info("signaled systemd readiness")
	}

	return pollLoop(sigCtx, srv, mgr)
}

// pollLoop blocks in epoll_wait and dispatches readiness events until ctx is
// done. This is Regime A (spec.md §5): a single goroutine owns srv and mgr
// for their entire lifetime, so neither needs internal locking.
func pollLoop(ctx context.Context, srv *mio.Server, mgr *mio.ConnectionManager) error {
	const maxEvents = 64
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tokens, err := srv.Wait(events, 250)
		if err != nil {
			return fmt.Errorf("rosenpass: poll loop: %w", err)
		}
		for _, tok := range tokens {
			src, ok := srv.Lookup(tok)
			if !ok {
				continue
			}
			if err := mgr.PollParticular(src); err != nil {
				return fmt.Errorf("rosenpass: dispatching %v: %w", src, err)
			}
		}
	}
}

func logFormat(s string) logger.Format {
	if s == "json" {
		return logger.FormatJSON
	}
	return logger.FormatText
}

func serveMetrics(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", "error", err)
	}
}

// notImplementedHandler answers every request with an empty payload and
// logs it; wiring the actual Rosenpass handshake here is out of scope for
// this core (spec.md §1).
type notImplementedHandler struct {
	log *slog.Logger
}

func (h *notImplementedHandler) Handle(req []byte, respond func(resp []byte)) {
	h.log.Warn("no request handler wired; request dropped", "bytes", len(req))
	respond(nil)
}
