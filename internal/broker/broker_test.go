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

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEchoThroughHelper satisfies spec.md §8 scenario 1 using `cat` as the
// helper stub: it mirrors stdin to stdout byte-for-byte, so the frame the
// supervisor writes comes back unchanged.
func TestEchoThroughHelper(t *testing.T) {
	sup := NewSupervisor([]string{"cat"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	req, reply := NewRequest([]byte{0x01, 0x02, 0x03})
	require.NoError(t, sup.Enqueue(ctx, req))

	select {
	case resp := <-reply:
		require.Equal(t, []byte{0x01, 0x02, 0x03}, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed response")
	}

	sup.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for supervisor to drain and exit")
	}
}

func TestEnqueueRespectsContextCancellation(t *testing.T) {
	sup := NewSupervisor([]string{"/bin/true"}, nil)
	// Fill the queue so the next Enqueue would block.
	for i := 0; i < QueueCapacity; i++ {
		req, _ := NewRequest([]byte("x"))
		require.NoError(t, sup.Enqueue(context.Background(), req))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req, _ := NewRequest([]byte("y"))
	err := sup.Enqueue(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunFailsOnEmptyCommand(t *testing.T) {
	sup := NewSupervisor(nil, nil)
	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrHelperSpawn)
}

func TestRunFailsFastOnMissingBinary(t *testing.T) {
	sup := NewSupervisor([]string{"/does/not/exist/rosenpass-wireguard-broker-privileged"}, nil)
	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrHelperSpawn)
}

// TestHelperExitMidRequestIsFatal satisfies spec.md §8 scenario 5: the
// helper closes stdout after acknowledging the length header, so the
// supervisor's run loop must terminate with ErrHelperGone.
func TestHelperExitMidRequestIsFatal(t *testing.T) {
	// `head -c 8` reads exactly the 8-byte length header from stdin, then
	// exits, closing its stdout before any response body is written.
	sup := NewSupervisor([]string{"sh", "-c", "head -c 8 >/dev/null"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	req, reply := NewRequest([]byte{0xAA})
	require.NoError(t, sup.Enqueue(ctx, req))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrHelperGone)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for supervisor to report the helper as gone")
	}

	select {
	case <-reply:
		t.Fatal("no response should have been delivered")
	default:
	}
}
