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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rosenpass/rosenpass-go/internal/fdutil"
)

// echoHandler copies the request back as the response, synchronously.
type echoHandler struct{}

func (echoHandler) Handle(req []byte, respond func([]byte)) {
	out := make([]byte, len(req))
	copy(out, req)
	respond(out)
}

func socketpairConnections(t *testing.T) (*fdutil.OwnedFd, *fdutil.OwnedFd) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	a, err := fdutil.Adopt(fds[0], fdutil.RetainInPlace)
	require.NoError(t, err)
	b, err := fdutil.Adopt(fds[1], fdutil.RetainInPlace)
	require.NoError(t, err)
	return a, b
}

func newTestManager(t *testing.T) (*Server, *ConnectionManager) {
	t.Helper()
	srv, err := NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, NewConnectionManager(srv, echoHandler{}, nil)
}

func TestAddConnectionUsesFirstEmptySlotAndConnectionTag(t *testing.T) {
	srv, mgr := newTestManager(t)

	a1, _ := socketpairConnections(t)
	a2, _ := socketpairConnections(t)
	a3, _ := socketpairConnections(t)

	idx1, err := mgr.AddConnection(a1)
	require.NoError(t, err)
	idx2, err := mgr.AddConnection(a2)
	require.NoError(t, err)
	require.NotEqual(t, idx1, idx2)

	// Free the first slot, then add a third connection: it must reuse
	// slot idx1, not append and not be mistagged as a Listener.
	mgr.connections[idx1] = nil
	idx3, err := mgr.AddConnection(a3)
	require.NoError(t, err)
	require.Equal(t, idx1, idx3, "must reuse the first empty slot")

	tok := mgr.connections[idx3].Token()
	src, ok := srv.Lookup(tok)
	require.True(t, ok)
	require.Equal(t, SourceConnection, src.Kind, "regression: must tag Connection, not Listener")
	require.Equal(t, idx3, src.Index)
}

func TestTokenUniquenessAcrossAddRemove(t *testing.T) {
	srv, mgr := newTestManager(t)
	seen := map[Token]bool{}

	for i := 0; i < 5; i++ {
		a, _ := socketpairConnections(t)
		idx, err := mgr.AddConnection(a)
		require.NoError(t, err)
		tok := mgr.connections[idx].Token()
		require.False(t, seen[tok], "token reused")
		seen[tok] = true

		mgr.connections[idx].shouldClose = true
		require.NoError(t, mgr.stepConnection(idx))
		_, ok := srv.Lookup(tok)
		require.False(t, ok, "token must be unregistered once the slot is freed")
	}
}

func TestEchoThroughConnection(t *testing.T) {
	_, mgr := newTestManager(t)

	serverSide, clientSide := socketpairConnections(t)
	defer clientSide.Close()

	idx, err := mgr.AddConnection(serverSide)
	require.NoError(t, err)

	payload := []byte{0x01, 0x02, 0x03}
	hdr := make([]byte, 8)
	hdr[0] = byte(len(payload))
	_, err = unix.Write(clientSide.FD(), hdr)
	require.NoError(t, err)
	_, err = unix.Write(clientSide.FD(), payload)
	require.NoError(t, err)

	require.NoError(t, mgr.PollParticular(ConnectionSource(idx)))

	// Drive the state machine until the echoed response is observable.
	for i := 0; i < 10; i++ {
		require.NoError(t, mgr.stepConnection(idx))
	}

	respHdr := make([]byte, 8)
	n, err := unix.Read(clientSide.FD(), respHdr)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, byte(len(payload)), respHdr[0])

	respBody := make([]byte, len(payload))
	n, err = unix.Read(clientSide.FD(), respBody)
	require.NoError(t, err)
	require.Equal(t, payload, respBody[:n])
}

func TestIdleConnectionDoesNotSpinPollLoop(t *testing.T) {
	srv, mgr := newTestManager(t)

	serverSide, clientSide := socketpairConnections(t)
	defer clientSide.Close()

	_, err := mgr.AddConnection(serverSide)
	require.NoError(t, err)

	events := make([]unix.EpollEvent, 8)
	tokens, err := srv.Wait(events, 0)
	require.NoError(t, err)
	require.Empty(t, tokens, "an idle connection in ReadingLen must not be ready; EPOLLOUT must not be in the baseline interest mask")
}

func TestWriteInterestArmsOnBlockedWriteAndDisarmsOnDrain(t *testing.T) {
	serverSide, clientSide := socketpairConnections(t)
	defer clientSide.Close()
	require.NoError(t, unix.SetsockoptInt(serverSide.FD(), unix.SOL_SOCKET, unix.SO_SNDBUF, 1024))

	var armed bool
	var toggles int
	conn := NewConnection(serverSide, Token(1), echoHandler{}, func(wantWrite bool) error {
		toggles++
		armed = wantWrite
		return nil
	})

	// Far larger than the shrunk send buffer, so the first write attempt
	// cannot complete and must block.
	big := make([]byte, 1<<20)
	conn.state = StateDispatched
	conn.respBuf = big
	conn.respReady.Store(true)

	require.NoError(t, conn.Step())
	require.True(t, armed, "a write that can't complete in one pass must arm EPOLLOUT")
	require.GreaterOrEqual(t, toggles, 1)

	// Drain the peer's receive side while stepping until the connection
	// is back to idle; EPOLLOUT must be disarmed exactly once it is.
	drain := make([]byte, 4096)
	for i := 0; i < 1000 && conn.state != StateReadingLen; i++ {
		_, _ = unix.Read(clientSide.FD(), drain)
		require.NoError(t, conn.Step())
	}
	require.Equal(t, StateReadingLen, conn.state, "write must eventually drain")
	require.False(t, armed, "interest must be disarmed once the write fully drains")
}

func TestOversizedRequestClosesConnectionOnly(t *testing.T) {
	_, mgr := newTestManager(t)

	serverSide, clientSide := socketpairConnections(t)
	defer clientSide.Close()

	idx, err := mgr.AddConnection(serverSide)
	require.NoError(t, err)

	hdr := make([]byte, 8)
	for i := range hdr {
		hdr[i] = 0xFF
	}
	_, err = unix.Write(clientSide.FD(), hdr)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.stepConnection(idx))
	}

	require.Nil(t, mgr.connections[idx], "oversized request must tear down only this connection")
}
