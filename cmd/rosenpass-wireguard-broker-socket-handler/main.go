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

// Command rosenpass-wireguard-broker-socket-handler is the unprivileged
// front-end: it accepts client connections (by binding --listen-path,
// adopting an inherited --listen-fd, or serving a single pre-connected
// --stream-fd) and relays every request through a privileged-helper
// supervisor process (spec.md §4.6, §4.7). This is Regime B (spec.md §5):
// one goroutine per connection, scheduled by the Go runtime rather than a
// manually driven epoll loop, so listeners and connections are ordinary
// net.Listener/net.Conn values here.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rosenpass/rosenpass-go/internal/broker"
	"github.com/rosenpass/rosenpass-go/internal/cfg"
	"github.com/rosenpass/rosenpass-go/internal/fanin"
	"github.com/rosenpass/rosenpass-go/internal/logger"
	"github.com/rosenpass/rosenpass-go/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var conf cfg.SocketHandlerConfig
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "rosenpass-wireguard-broker-socket-handler",
		Short: "Unprivileged front-end for the WireGuard broker privileged helper",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf.Log.Resolve(v)
			return run(cmd.Context(), &conf)
		},
	}
	if err := conf.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, conf *cfg.SocketHandlerConfig) error {
	if err := conf.Validate(); err != nil {
		return err
	}

	log, closeSink := logger.OpenSink(conf.Log.File, logFormatOf(conf.Log.Format))
	defer closeSink.Close()
	logger.SetLevel(conf.Log.Level)
	logger.SetDefault(log)

	metrics.MustRegister(prometheus.DefaultRegisterer)
	if conf.MetricsAddr != "" {
		go serveMetrics(conf.MetricsAddr, log)
	}

	sup := broker.NewSupervisor(conf.HelperCommand, log)
	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error { return sup.Run(gctx) })

	h := fanin.NewHandler(sup, log)

	switch {
	case conf.StreamFD >= 0:
		conn, err := adoptStreamFD(conf.StreamFD)
		if err != nil {
			sup.Close()
			return fmt.Errorf("rosenpass-wireguard-broker-socket-handler: %w", err)
		}
		g.Go(func() error {
			defer sup.Close()
			return h.ServeOne(gctx, conn)
		})

	case conf.ListenFD >= 0:
		ln, err := adoptListenFD(conf.ListenFD)
		if err != nil {
			sup.Close()
			return fmt.Errorf("rosenpass-wireguard-broker-socket-handler: %w", err)
		}
		g.Go(func() error {
			defer sup.Close()
			return h.Accept(gctx, ln)
		})
		notifyReady(log)

	default:
		ln, err := net.Listen("unix", conf.ListenPath)
		if err != nil {
			sup.Close()
			return fmt.Errorf("rosenpass-wireguard-broker-socket-handler: listen %s: %w", conf.ListenPath, err)
		}
		log.Info("listening", "path", conf.ListenPath)
		g.Go(func() error {
			defer sup.Close()
			return h.Accept(gctx, ln)
		})
		notifyReady(log)
	}

	return g.Wait()
}

func adoptListenFD(fd int) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), "inherited-listener")
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopting listen-fd %d: %w", fd, err)
	}
	return ln, nil
}

func adoptStreamFD(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "inherited-stream")
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("adopting stream-fd %d: %w", fd, err)
	}
	return conn, nil
}

func notifyReady(log interface{ Info(string, ...any) }) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Info("sd_notify failed, continuing without systemd readiness", "error", err)
	} else if ok {
		log.Info("signaled systemd readiness")
	}
}

func logFormatOf(s string) logger.Format {
	if s == "json" {
		return logger.FormatJSON
	}
	return logger.FormatText
}

func serveMetrics(addr string, log interface{ Error(string, ...any) }) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", "error", err)
	}
}
