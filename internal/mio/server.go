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

package mio

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rosenpass/rosenpass-go/internal/metrics"
)

// Server is the owner of process-global control-plane state: the epoll
// registry, the token dispenser, and the token -> IoSource mapping. Its
// lifetime is the process's lifetime.
//
// Server's fields are documented single-owner state (spec.md §5, Regime
// A): only the goroutine running the poll loop ever touches epollFD and
// sources, so no mutex guards them. A Token is dispensed, registered, and
// eventually unregistered strictly inside that one flow of control.
type Server struct {
	epollFD int
	tokens  TokenDispenser
	sources map[Token]IoSource
}

// NewServer creates the epoll instance backing a Server.
func NewServer() (*Server, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mio: epoll_create1: %w", err)
	}
	return &Server{
		epollFD: fd,
		sources: make(map[Token]IoSource),
	}, nil
}

// Close releases the epoll instance.
func (s *Server) Close() error {
	return unix.Close(s.epollFD)
}

// RegisterSource dispenses nothing itself; it records that tok now points
// at src. Callers obtain tok via s.tokens.Next() before registering the fd
// with epoll, so the mapping and the kernel registration are established
// together.
func (s *Server) RegisterSource(tok Token, src IoSource) {
	s.sources[tok] = src
}

// UnregisterSource removes tok from the mapping. Any readiness event for
// tok that is already in flight (queued by a prior EpollWait call before
// this call runs) must be tolerated by the dispatcher as a race, not
// treated as an error — see Wait.
func (s *Server) UnregisterSource(tok Token) {
	delete(s.sources, tok)
}

// Lookup resolves a Token into the IoSource that owns it, if any.
func (s *Server) Lookup(tok Token) (IoSource, bool) {
	src, ok := s.sources[tok]
	return src, ok
}

// NextToken dispenses a fresh, never-reused Token.
func (s *Server) NextToken() Token {
	metrics.TokensIssued.Inc()
	return s.tokens.Next()
}

// epollReadEvents is the baseline interest mask every fd is registered
// with: read-direction readiness only. EPOLLOUT is deliberately left out
// of the baseline and added back only via ModifyFD, while a write is
// actually blocked — a connected stream socket's send buffer is almost
// always writable, so registering EPOLLOUT level-triggered and
// unconditionally would make Wait return immediately on every call for any
// idle connection, spinning the poll loop. rust-mio avoids the same
// level-triggered trap by registering edge-triggered; toggling the
// interest on demand gets the same effect without requiring every step to
// fully drain its fd on a single readiness edge.
const epollReadEvents = unix.EPOLLIN | unix.EPOLLRDHUP

// AddFD registers fd for read-direction readiness notifications tagged
// with tok. Write-direction interest is armed later via ModifyFD.
func (s *Server) AddFD(fd int, tok Token) error {
	ev := unix.EpollEvent{Events: epollReadEvents, Fd: int32(tok)}
	// Stash the token, not the fd, in ev.Fd: tokens (not fds) are the
	// stable identifier the dispatcher maps back to an IoSource, since fd
	// numbers get reused across connection slots.
	if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("mio: epoll_ctl(add, fd=%d): %w", fd, err)
	}
	return nil
}

// ModifyFD updates fd's interest mask to include EPOLLOUT when wantWrite
// is true, or back to the read-only baseline otherwise. Connection calls
// this exactly when a write blocks (arm) and when it drains (disarm), so
// EPOLLOUT is only ever asserted while there is a real pending write.
func (s *Server) ModifyFD(fd int, tok Token, wantWrite bool) error {
	events := uint32(epollReadEvents)
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(tok)}
	if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("mio: epoll_ctl(mod, fd=%d): %w", fd, err)
	}
	return nil
}

// RemoveFD deregisters fd from the epoll instance. Must be called before
// fd is closed and before another connection can be accepted into the
// slot that owned it (spec.md §5, cancellation rule).
func (s *Server) RemoveFD(fd int) error {
	if err := unix.EpollCtl(s.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("mio: epoll_ctl(del, fd=%d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready, or timeoutMs
// elapses (-1 blocks indefinitely). It returns the Tokens that became
// ready, skipping any that Lookup no longer resolves (deregistered
// between kernel notification and dispatch — the race Server tolerates).
func (s *Server) Wait(events []unix.EpollEvent, timeoutMs int) ([]Token, error) {
	n, err := unix.EpollWait(s.epollFD, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("mio: epoll_wait: %w", err)
	}

	ready := make([]Token, 0, n)
	for i := 0; i < n; i++ {
		tok := Token(events[i].Fd)
		if _, ok := s.sources[tok]; !ok {
			continue
		}
		ready = append(ready, tok)
	}
	return ready, nil
}
