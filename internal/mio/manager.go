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

// Package mio implements the readiness-based connection manager: the
// epoll registry (Server), the per-connection state machine (Connection),
// and the ConnectionManager that owns listeners and connection slots and
// routes readiness events to them. Grounded on
// original_source/rosenpass/src/api/mio/manager.rs.
package mio

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"

	"github.com/rosenpass/rosenpass-go/internal/fdutil"
	"github.com/rosenpass/rosenpass-go/internal/metrics"
)

// Listener is one non-blocking unix-domain listening socket owned by a
// ConnectionManager.
type Listener struct {
	fd *fdutil.OwnedFd

	// acceptBackoff paces retries after a transient (non-EAGAIN) accept
	// error such as EMFILE/ENFILE/ECONNABORTED, so a burst of them doesn't
	// spin the poll loop. It resets on every successful accept.
	acceptBackoff *backoff.Backoff
}

// NewListener wraps an already-bound, already-nonblocking listening
// descriptor.
func NewListener(fd *fdutil.OwnedFd) *Listener {
	return &Listener{
		fd: fd,
		acceptBackoff: &backoff.Backoff{
			Min:    5 * time.Millisecond,
			Max:    1 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// FD returns the listener's raw descriptor.
func (l *Listener) FD() int { return l.fd.FD() }

// Close releases the listener's descriptor.
func (l *Listener) Close() error { return l.fd.Close() }

// ConnectionManager owns an ordered sequence of listeners and a sparse
// ordered sequence of connection slots, and routes readiness events from a
// Server to them (spec.md §4.4).
type ConnectionManager struct {
	srv     *Server
	handler RequestHandler
	log     *slog.Logger

	listeners   []*Listener
	connections []*Connection // nil entry == empty slot
}

// NewConnectionManager builds a manager bound to srv. handler receives
// every decoded request frame from every connection this manager owns.
func NewConnectionManager(srv *Server, handler RequestHandler, log *slog.Logger) *ConnectionManager {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionManager{srv: srv, handler: handler, log: log}
}

// AddListener registers listener with the readiness registry, stores it at
// the next free listener index, and records the token->source mapping.
// Returns the index.
func (m *ConnectionManager) AddListener(l *Listener) (int, error) {
	idx := len(m.listeners)
	tok := m.srv.NextToken()
	if err := m.srv.AddFD(l.FD(), tok); err != nil {
		return 0, err
	}
	m.srv.RegisterSource(tok, ListenerSource(idx))
	m.listeners = append(m.listeners, l)
	return idx, nil
}

// AddConnection finds the lowest empty connection slot (or appends),
// installs a fresh Connection wrapping fd, and registers its token as
// Connection(idx).
//
// The visible Rust source has a bug here: it searches for the first
// *occupied* slot and tags the new source as Listener(idx) (see spec.md
// §9). This implementation finds the first *empty* slot and tags
// Connection(idx), which is what the surrounding invariants in spec.md §3
// require.
func (m *ConnectionManager) AddConnection(fd *fdutil.OwnedFd) (int, error) {
	tok := m.srv.NextToken()
	rawFD := fd.FD()
	updateWriteInterest := func(wantWrite bool) error {
		return m.srv.ModifyFD(rawFD, tok, wantWrite)
	}
	conn := NewConnection(fd, tok, m.handler, updateWriteInterest)

	idx := -1
	for i, slot := range m.connections {
		if slot == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(m.connections)
		m.connections = append(m.connections, conn)
	} else {
		m.connections[idx] = conn
	}

	if err := m.srv.AddFD(fd.FD(), tok); err != nil {
		m.connections[idx] = nil
		return 0, err
	}
	m.srv.RegisterSource(tok, ConnectionSource(idx))
	metrics.ConnectionsActive.Set(float64(m.ConnectionCount()))
	return idx, nil
}

// PollAll accepts from every listener until EAGAIN, then steps every
// non-empty connection once.
func (m *ConnectionManager) PollAll() error {
	if err := m.acceptAll(); err != nil {
		return err
	}
	for idx := range m.connections {
		if err := m.stepConnection(idx); err != nil {
			return err
		}
	}
	return nil
}

// PollParticular dispatches a single readiness event by IoSource variant:
// accept on a listener, or step a single connection.
func (m *ConnectionManager) PollParticular(src IoSource) error {
	switch src.Kind {
	case SourceListener:
		return m.acceptFrom(src.Index)
	case SourceConnection:
		return m.stepConnection(src.Index)
	default:
		return fmt.Errorf("mio: unknown IoSource kind %v", src.Kind)
	}
}

func (m *ConnectionManager) acceptAll() error {
	for idx := range m.listeners {
		if err := m.acceptFrom(idx); err != nil {
			return err
		}
	}
	return nil
}

// maxTransientAcceptRetries bounds how many times acceptFrom will retry a
// transient (non-EAGAIN, non-EINTR) accept error before giving up and
// propagating it, so a sustained failure (e.g. the process is stuck at
// RLIMIT_NOFILE) doesn't wedge the poll loop forever.
const maxTransientAcceptRetries = 10

// acceptFrom loops accepting from listener idx until EAGAIN. Transient
// errors (EMFILE, ENFILE, ECONNABORTED — the kernel ran out of resources or
// the peer reset before accept completed) are retried with backoff rather
// than torn down immediately; any other errno is propagated straight away.
func (m *ConnectionManager) acceptFrom(idx int) error {
	l := m.listeners[idx]
	for attempt := 0; ; {
		connFD, _, err := unix.Accept4(l.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				l.acceptBackoff.Reset()
				return nil
			}
			if err == unix.EINTR {
				continue
			}
			if isTransientAcceptError(err) && attempt < maxTransientAcceptRetries {
				attempt++
				time.Sleep(l.acceptBackoff.Duration())
				continue
			}
			l.acceptBackoff.Reset()
			return fmt.Errorf("mio: accept on listener %d: %w", idx, err)
		}
		attempt = 0
		l.acceptBackoff.Reset()

		owned, adoptErr := fdutil.Adopt(connFD, fdutil.RetainInPlace)
		if adoptErr != nil {
			_ = unix.Close(connFD)
			return fmt.Errorf("mio: adopting accepted fd: %w", adoptErr)
		}
		if _, err := m.AddConnection(owned); err != nil {
			return err
		}
	}
}

func isTransientAcceptError(err error) bool {
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ECONNABORTED, unix.ENOBUFS, unix.ENOMEM:
		return true
	default:
		return false
	}
}

// stepConnection runs the state machine once for connection idx; if the
// connection's should-close flag is set afterward, the slot is freed, its
// token deregistered, its close hook called, and close-time errors are
// logged (never propagated).
func (m *ConnectionManager) stepConnection(idx int) error {
	conn := m.connections[idx]
	if conn == nil {
		return nil
	}

	if err := conn.Step(); err != nil {
		m.log.Warn("connection step failed, closing", "index", idx, "error", err)
		m.srv.RemoveFD(conn.FD())
		m.srv.UnregisterSource(conn.Token())
		conn.Close()
		m.connections[idx] = nil
		metrics.ConnectionsActive.Set(float64(m.ConnectionCount()))
		return nil
	}

	if conn.ShouldClose() {
		m.srv.RemoveFD(conn.FD())
		m.srv.UnregisterSource(conn.Token())
		if err := conn.Close(); err != nil {
			m.log.Warn("close hook failed, freeing slot anyway", "index", idx, "error", err)
		}
		m.connections[idx] = nil
		metrics.ConnectionsActive.Set(float64(m.ConnectionCount()))
	}
	return nil
}

// ConnectionCount returns the number of non-empty connection slots, for
// tests and metrics.
func (m *ConnectionManager) ConnectionCount() int {
	n := 0
	for _, c := range m.connections {
		if c != nil {
			n++
		}
	}
	return n
}
