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

// Package fanin implements the client-connection fan-in (spec.md §4.7):
// one goroutine per accepted client stream, reading a request frame,
// forwarding it to the privileged-helper supervisor, and writing back
// whatever response arrives. Grounded on
// original_source/wireguard-broker/src/bin/socket_handler.rs's
// listen_for_clients/on_accept, translated from tokio tasks to goroutines
// per spec.md §9 "dual concurrency regime".
package fanin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/rosenpass/rosenpass-go/internal/broker"
	"github.com/rosenpass/rosenpass-go/internal/codec"
)

// Handler accepts client connections and relays their requests through a
// broker.Supervisor.
type Handler struct {
	sup *broker.Supervisor
	log *slog.Logger
}

// NewHandler builds a Handler that forwards every client request to sup.
func NewHandler(sup *broker.Supervisor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sup: sup, log: log}
}

// Accept runs the accept loop against ln: every accepted connection gets
// its own goroutine (spec.md §4.7, §5 Regime B), fully independent of the
// others. A per-client error is logged and tears down only that
// connection's goroutine; it is never returned from Accept. Accept itself
// returns only when ln.Accept fails or ctx is done.
func (h *Handler) Accept(ctx context.Context, ln net.Listener) error {
	g := new(errgroup.Group)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("fanin: accept: %w", err)
		}
		g.Go(func() error {
			if err := h.serveClient(ctx, conn); err != nil {
				h.log.Warn("client connection torn down", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// ServeOne handles a single already-accepted connection; exported for
// callers adopting a pre-connected stream fd (--stream-fd), which serves
// exactly one connection with no listener involved (spec.md §4.7).
func (h *Handler) ServeOne(ctx context.Context, conn net.Conn) error {
	return h.serveClient(ctx, conn)
}

// serveClient is the one-connection read/dispatch/write loop: read a
// request frame, enqueue it with a fresh single-shot reply channel, await
// the reply, write the response frame back, then reuse the buffer as the
// next request buffer.
func (h *Handler) serveClient(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	var buf []byte
	for {
		req, err := readFrame(conn, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		brokerReq, reply := broker.NewRequest(req)
		if err := h.sup.Enqueue(ctx, brokerReq); err != nil {
			return fmt.Errorf("enqueue to supervisor: %w", err)
		}

		select {
		case resp := <-reply:
			if err := writeFrame(conn, resp); err != nil {
				return fmt.Errorf("write response frame: %w", err)
			}
			buf = resp
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func readFrame(r io.Reader, reuse []byte) ([]byte, error) {
	var hdr [codec.HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("fanin: peer closed mid-header: %w", io.EOF)
		}
		return nil, err
	}
	length := codec.DecodeHeader(hdr)
	if err := codec.CheckRequestLen(length); err != nil {
		return nil, err
	}

	var body []byte
	if uint64(cap(reuse)) >= length {
		body = reuse[:length]
	} else {
		body = make([]byte, length)
	}
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("fanin: peer closed mid-body: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	hdr := codec.EncodeHeader(uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
