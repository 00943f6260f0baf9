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

// Package codec implements the length-prefixed framing shared by the
// privileged-helper wire protocol and the unix-socket client protocol: an
// 8-byte little-endian length header followed by exactly that many payload
// bytes, bounded by a per-direction maximum.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rosenpass/rosenpass-go/internal/metrics"
)

// HeaderLen is the size in bytes of the length prefix.
const HeaderLen = 8

// RequestMax and ResponseMax are the hard per-direction bounds on frame
// payload size, taken from the helper protocol's message module. A length
// exceeding its direction's bound is a fatal framing error.
const (
	RequestMax  = 128 * 1024
	ResponseMax = 128 * 1024
)

// ErrOversizedRequest is returned when a decoded length exceeds RequestMax.
var ErrOversizedRequest = errors.New("codec: oversized request")

// ErrOversizedResponse is returned when a decoded length exceeds ResponseMax.
var ErrOversizedResponse = errors.New("codec: oversized response")

// EncodeHeader writes the little-endian length header for a payload of n
// bytes. The header is always encoded fresh; lengths are never rewritten
// in place.
func EncodeHeader(n uint64) [HeaderLen]byte {
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint64(hdr[:], n)
	return hdr
}

// DecodeHeader parses an 8-byte little-endian length header.
func DecodeHeader(hdr [HeaderLen]byte) uint64 {
	return binary.LittleEndian.Uint64(hdr[:])
}

// CheckRequestLen validates a decoded request length against RequestMax
// without touching the body, satisfying the "never read the body of an
// oversized frame" property.
func CheckRequestLen(length uint64) error {
	if length > RequestMax {
		metrics.FramesOversized.WithLabelValues("request").Inc()
		return fmt.Errorf("%w: length %d exceeds %d", ErrOversizedRequest, length, RequestMax)
	}
	return nil
}

// CheckResponseLen validates a decoded response length against ResponseMax.
func CheckResponseLen(length uint64) error {
	if length > ResponseMax {
		metrics.FramesOversized.WithLabelValues("response").Inc()
		return fmt.Errorf("%w: length %d exceeds %d", ErrOversizedResponse, length, ResponseMax)
	}
	return nil
}
