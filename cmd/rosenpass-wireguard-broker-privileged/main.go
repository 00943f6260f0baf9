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

//go:build linux

// Command rosenpass-wireguard-broker-privileged is the privileged helper:
// it is spawned by the socket-handler with its stdin/stdout wired to a pipe
// (internal/broker.Supervisor.Run) and serves exactly the half-duplex
// request/response protocol from spec.md §4.6 — read one length-prefixed
// request, write back one length-prefixed response, never pipelined.
//
// The real WireGuard netlink back-end this helper would apply privileged
// operations through is out of scope for this core (spec.md §1); every
// request is answered with a single-byte "not implemented" response rather
// than a crash, so the supervisor's half of the protocol can be exercised
// end-to-end without root or a live WireGuard interface.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rosenpass/rosenpass-go/internal/codec"
	"github.com/rosenpass/rosenpass-go/internal/logger"
)

// notImplementedResponse is the single-byte payload returned for every
// request: a real backend would reuse this wire shape for its actual
// success/failure discriminant byte.
var notImplementedResponse = []byte{0xff}

func main() {
	log := logger.Default()
	if err := serve(os.Stdin, os.Stdout, log); err != nil && !errors.Is(err, io.EOF) {
		log.Error("privileged helper exiting on error", "error", err)
		os.Exit(1)
	}
}

func serve(r io.Reader, w io.Writer, log *slog.Logger) error {
	for {
		req, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		log.Debug("received request", "bytes", len(req))

		if err := writeFrame(w, notImplementedResponse); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [codec.HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("peer closed mid-header: %w", io.EOF)
		}
		return nil, err
	}
	length := codec.DecodeHeader(hdr)
	if err := codec.CheckRequestLen(length); err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("peer closed mid-body: %w", io.EOF)
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
