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

// Package broker implements the privileged-helper supervisor (spec.md
// §4.6): it owns exactly one child process, serializes concurrent client
// requests onto its stdin, and distributes responses back to their
// originators in request order. Grounded on
// original_source/wireguard-broker/src/bin/socket_handler.rs's
// direct_broker_process, and on the stdio-piping style in
// GoogleCloudPlatform-gcsfuse/cmd/mount.go's AsyncPipeWriter.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"github.com/rosenpass/rosenpass-go/internal/codec"
	"github.com/rosenpass/rosenpass-go/internal/metrics"
)

// ErrHelperSpawn is returned when the privileged helper process could not
// be started.
var ErrHelperSpawn = errors.New("broker: failed to spawn privileged helper")

// ErrHelperGone is returned when the helper process exited or either stdio
// pipe closed unexpectedly. It is always fatal: the supervisor does not
// attempt to continue without a helper.
var ErrHelperGone = errors.New("broker: privileged helper is gone")

// Request pairs a request payload with a single-shot reply channel. The
// request buffer is reused as the response buffer by the supervisor to
// avoid reallocating (spec.md §3).
type Request struct {
	// ID is a correlation id for log tracing; it plays no role in
	// protocol framing (spec.md §4.2 keeps Tokens as the only identifier
	// with ordering semantics).
	ID      uuid.UUID
	Payload []byte
	ReplyTo chan<- []byte
}

// NewRequest builds a Request with a fresh correlation id and a
// single-slot reply channel ready to receive exactly one response.
func NewRequest(payload []byte) (*Request, <-chan []byte) {
	reply := make(chan []byte, 1)
	return &Request{ID: uuid.New(), Payload: payload, ReplyTo: reply}, reply
}

// QueueCapacity is the bounded MPSC queue size between client connections
// and the supervisor (spec.md §4.7): large enough that one stuck client
// cannot block spawning of new ones, small enough to bound memory.
const QueueCapacity = 100

// Supervisor owns the privileged helper child process and the single FIFO
// of pending requests feeding it.
type Supervisor struct {
	command []string
	queue   chan *Request
	log     *slog.Logger
}

// NewSupervisor builds a Supervisor that will spawn command (argv[0] plus
// arguments) on Run. Callers enqueue work with Enqueue from any number of
// goroutines; Run is meant to be run from exactly one.
func NewSupervisor(command []string, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{command: command, queue: make(chan *Request, QueueCapacity), log: log}
}

// Enqueue hands req to the supervisor, blocking until there is room in the
// bounded queue or ctx is done. This is the only backpressure point: a
// slow client only ever blocks its own goroutine here.
func (s *Supervisor) Enqueue(ctx context.Context, req *Request) error {
	select {
	case s.queue <- req:
		metrics.SupervisorQueueDepth.Set(float64(len(s.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new requests; in-flight ones already queued are
// still drained by Run.
func (s *Supervisor) Close() {
	close(s.queue)
}

// Run spawns the privileged helper and serves the request queue until it
// is closed and drained, or the helper is lost. The latter is always
// fatal: no partial correctness is possible without the helper (spec.md
// §4.6).
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.command) == 0 {
		return fmt.Errorf("%w: empty command", ErrHelperSpawn)
	}

	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrHelperSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrHelperSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrHelperSpawn, err)
	}
	s.log.Info("spawned privileged helper", "command", s.command)

	runErr := s.serve(stdin, stdout)

	_ = stdin.Close()
	waitErr := cmd.Wait()
	if runErr != nil {
		return runErr
	}
	if waitErr != nil {
		return fmt.Errorf("%w: %v", ErrHelperGone, waitErr)
	}
	return nil
}

func (s *Supervisor) serve(stdin io.WriteCloser, stdout io.Reader) error {
	for req := range s.queue {
		metrics.SupervisorQueueDepth.Set(float64(len(s.queue)))
		resp, err := s.exchange(stdin, stdout, req.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHelperGone, err)
		}
		metrics.FramesForwarded.Inc()
		select {
		case req.ReplyTo <- resp:
		default:
			// Receiver is gone (client disconnected); drop the buffer and
			// continue, per spec.md §4.6 step 5.
			s.log.Debug("dropping response, client gone", "request_id", req.ID)
		}
	}
	return nil
}

// exchange performs one half-duplex request/response round trip: write
// request, read response. The helper's protocol never interleaves or
// pipelines outstanding requests.
func (s *Supervisor) exchange(stdin io.Writer, stdout io.Reader, req []byte) ([]byte, error) {
	hdr := codec.EncodeHeader(uint64(len(req)))
	if _, err := stdin.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("write request header: %w", err)
	}
	if _, err := stdin.Write(req); err != nil {
		return nil, fmt.Errorf("write request body: %w", err)
	}

	var respHdr [codec.HeaderLen]byte
	if _, err := io.ReadFull(stdout, respHdr[:]); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	length := codec.DecodeHeader(respHdr)
	if err := codec.CheckResponseLen(length); err != nil {
		return nil, err
	}

	// Reuse the request buffer as the response buffer to avoid
	// reallocating, per spec.md §3.
	resp := req
	if uint64(cap(resp)) < length {
		resp = make([]byte, length)
	} else {
		resp = resp[:length]
	}
	if _, err := io.ReadFull(stdout, resp); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, nil
}
