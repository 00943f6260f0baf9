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

// Package cfg defines the command-line/environment configuration surface
// for the control plane's binaries, following the gcsfuse
// cmd/root.go + cmd/flags.go split: pflag-bound fields plus a
// validateConfig-style function returning a wrapped error, called once from
// a cobra.Command's RunE before anything is opened.
package cfg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrMutuallyExclusive is returned when more than one of a mutually
// exclusive flag group was supplied.
var ErrMutuallyExclusive = errors.New("cfg: mutually exclusive flags supplied together")

// ErrMissingSource is returned when none of a mutually exclusive, but
// required, flag group was supplied.
var ErrMissingSource = errors.New("cfg: no listen source configured")

// LogConfig is the ambient logging configuration shared by every binary
// (spec.md §4.1's "conventional environment variable" contract).
type LogConfig struct {
	Level  string
	Format string
	// File, when non-empty, routes logs through a rotating, async file
	// sink (internal/logger.NewRotatingFile) instead of stderr.
	File string
}

// BindFlags registers --log-level, --log-format and --log-file on fs, and
// binds the first two to ROSENPASS_LOG_LEVEL / ROSENPASS_LOG_FORMAT via v,
// mirroring cmd/root.go's viper.BindPFlag/viper.AutomaticEnv wiring.
func (l *LogConfig) BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.StringVar(&l.Level, "log-level", "info", "log verbosity: trace, debug, info, warning, error, off")
	fs.StringVar(&l.Format, "log-format", "text", "log rendering: text or json")
	fs.StringVar(&l.File, "log-file", "", "rotate logs to this path instead of stderr (empty disables rotation)")

	v.SetEnvPrefix("rosenpass")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlag("log-level", fs.Lookup("log-level")); err != nil {
		return fmt.Errorf("cfg: bind log-level: %w", err)
	}
	if err := v.BindPFlag("log-format", fs.Lookup("log-format")); err != nil {
		return fmt.Errorf("cfg: bind log-format: %w", err)
	}
	return nil
}

// Resolve copies viper's resolved values (flag, then env, then default)
// back onto l, so callers see ROSENPASS_LOG_LEVEL overrides even though the
// flag itself was never passed.
func (l *LogConfig) Resolve(v *viper.Viper) {
	l.Level = v.GetString("log-level")
	l.Format = v.GetString("log-format")
}

// SocketHandlerConfig is the unprivileged front-end's configuration
// (cmd/rosenpass-wireguard-broker-socket-handler), covering the mutually
// exclusive --listen-path / --listen-fd / --stream-fd group from spec.md
// §4.7, §6.
type SocketHandlerConfig struct {
	ListenPath string
	ListenFD   int
	StreamFD   int

	HelperCommand []string
	MetricsAddr   string
	Log           LogConfig
}

// DefaultHelperCommand is the argv used to spawn the privileged helper when
// --helper-command is not given.
var DefaultHelperCommand = []string{"rosenpass-wireguard-broker-privileged"}

// BindFlags registers the socket-handler's flags on fs.
func (c *SocketHandlerConfig) BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.StringVar(&c.ListenPath, "listen-path", "", "unix socket path to bind and listen on")
	fs.IntVar(&c.ListenFD, "listen-fd", -1, "inherited listening socket descriptor to adopt")
	fs.IntVar(&c.StreamFD, "stream-fd", -1, "inherited already-connected stream descriptor to serve, bypassing accept")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables metrics)")
	fs.StringArrayVar(&c.HelperCommand, "helper-command", DefaultHelperCommand, "argv of the privileged helper (repeat the flag per argument)")

	return c.Log.BindFlags(fs, v)
}

// Validate enforces the mutually exclusive listen-source group: exactly one
// of ListenPath, ListenFD (>= 0), StreamFD (>= 0) must be set.
func (c *SocketHandlerConfig) Validate() error {
	set := 0
	if c.ListenPath != "" {
		set++
	}
	if c.ListenFD >= 0 {
		set++
	}
	if c.StreamFD >= 0 {
		set++
	}
	switch set {
	case 0:
		return ErrMissingSource
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: exactly one of --listen-path, --listen-fd, --stream-fd is required", ErrMutuallyExclusive)
	}
}

// DaemonConfig is cmd/rosenpass's configuration: the set of unix-socket
// paths the API connection manager listens on.
type DaemonConfig struct {
	ListenPaths []string
	metricsAddr string
	Log         LogConfig
}

// BindFlags registers the daemon's flags on fs.
func (c *DaemonConfig) BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.StringArrayVar(&c.ListenPaths, "api-listen-path", nil, "unix socket path to accept control-plane API connections on (repeatable)")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables metrics)")
	return c.Log.BindFlags(fs, v)
}

// MetricsAddr returns the configured metrics listen address, or "" if
// metrics serving is disabled.
func (c *DaemonConfig) MetricsAddr() string { return c.metricsAddr }

// Validate requires at least one listen path: a daemon with no API surface
// registered is a misconfiguration, not a valid degenerate case.
func (c *DaemonConfig) Validate() error {
	if len(c.ListenPaths) == 0 {
		return fmt.Errorf("%w: at least one --api-listen-path is required", ErrMissingSource)
	}
	return nil
}
