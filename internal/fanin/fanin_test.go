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

package fanin

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rosenpass/rosenpass-go/internal/broker"
)

func TestServeOneEchoesThroughSupervisor(t *testing.T) {
	sup := broker.NewSupervisor([]string{"cat"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	h := NewHandler(sup, nil)
	go h.ServeOne(ctx, serverConn)

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, writeFrame(clientConn, payload))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := readFrame(clientConn, nil)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMultipleListenersEachGetCorrectResponses(t *testing.T) {
	sup := broker.NewSupervisor([]string{"cat"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnA.Close()
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnB.Close()

	h := NewHandler(sup, nil)
	go h.Accept(ctx, lnA)
	go h.Accept(ctx, lnB)

	respond := func(ln net.Listener, payload []byte) []byte {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, writeFrame(conn, payload))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := readFrame(conn, nil)
		require.NoError(t, err)
		return got
	}

	gotA := respond(lnA, []byte("from-a"))
	gotB := respond(lnB, []byte("from-b"))
	require.Equal(t, []byte("from-a"), gotA)
	require.Equal(t, []byte("from-b"), gotB)
}
