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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rosenpass/rosenpass-go/internal/codec"
	"github.com/rosenpass/rosenpass-go/internal/fdutil"
)

// State is a connection's position in the per-client request/response
// automaton (spec.md §4.3):
//
//	ReadingLen -> ReadingBody -> Dispatched -> WritingLen -> WritingBody -> ReadingLen
//	                                                                    \-> Closing
type State int

const (
	StateReadingLen State = iota
	StateReadingBody
	StateDispatched
	StateWritingLen
	StateWritingBody
	StateClosing
)

// CloseReason records why a Connection entered StateClosing.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonOversizedRequest
	ReasonPeerClosed
	ReasonFramingError
)

// ErrFramingError is returned by Step (wrapped) when a peer closes its
// write side after sending a partial length header: a clean EOF between
// frames (ReasonPeerClosed) is not an error, but EOF mid-header leaves a
// frame that can never be completed (spec.md §7 "short read after EOF").
var ErrFramingError = errors.New("mio: framing error: peer closed mid-frame")

// RequestHandler dispatches a decoded request frame outside of the
// connection's own state machine (spec.md §4.3 "Dispatched"). respond must
// eventually be called exactly once, from any goroutine, with the response
// payload; Handle itself must not block the poll loop.
type RequestHandler interface {
	Handle(req []byte, respond func(resp []byte))
}

// Connection owns one non-blocking stream and the framing/state needed to
// run one client through a strict request/response cycle.
type Connection struct {
	fd      *fdutil.OwnedFd
	token   Token
	handler RequestHandler

	state       State
	closeReason CloseReason

	lenBuf    [codec.HeaderLen]byte
	lenFilled int
	bodyLen   uint64

	inBuf    []byte
	inFilled int

	outBuf    []byte
	outWritten int

	shouldClose bool

	// respReady is set once respond() has been called while Dispatched;
	// the poll loop checks it instead of spinning on fd readiness, since
	// there is no fd event for "the handler finished."
	respReady atomic.Bool
	respBuf   []byte

	// writeInterestArmed tracks whether updateWriteInterest(true) is
	// currently in effect, so it's only toggled on actual state changes
	// (arm on a blocked write, disarm once drained) rather than on every
	// step.
	writeInterestArmed bool
	updateWriteInterest func(wantWrite bool) error
}

// NewConnection wraps fd (already non-blocking) in a fresh Connection in
// state ReadingLen. updateWriteInterest arms or disarms EPOLLOUT on the
// connection's fd; it is called only when a write actually blocks or
// drains (see stepWritingLen/stepWritingBody/finishWrite), never
// unconditionally.
func NewConnection(fd *fdutil.OwnedFd, tok Token, handler RequestHandler, updateWriteInterest func(wantWrite bool) error) *Connection {
	if updateWriteInterest == nil {
		updateWriteInterest = func(bool) error { return nil }
	}
	return &Connection{fd: fd, token: tok, handler: handler, state: StateReadingLen, updateWriteInterest: updateWriteInterest}
}

// FD returns the raw descriptor backing the connection, for epoll
// registration/deregistration.
func (c *Connection) FD() int { return c.fd.FD() }

// Token returns the readiness token this connection is registered under.
func (c *Connection) Token() Token { return c.token }

// CloseReason reports why ShouldClose became true, for logging.
func (c *Connection) CloseReason() CloseReason { return c.closeReason }

// ShouldClose reports whether the manager should remove this connection on
// its next poll visit. Monotonic: once true, never false.
func (c *Connection) ShouldClose() bool { return c.shouldClose }

// Close releases the connection's descriptor. Errors here are logged by
// the caller and swallowed (spec.md §7 CloseHookFailed); the slot is freed
// regardless.
func (c *Connection) Close() error {
	return c.fd.Close()
}

func (c *Connection) closeWith(reason CloseReason) {
	c.state = StateClosing
	c.closeReason = reason
	c.shouldClose = true
}

// Step runs the state machine forward until it would block or closes.
// Every suspension happens at an explicit IO boundary (spec.md §4.3); Step
// never blocks the calling goroutine.
func (c *Connection) Step() error {
	for {
		switch c.state {
		case StateClosing:
			return nil

		case StateReadingLen:
			if done, err := c.stepReadingLen(); err != nil {
				return err
			} else if !done {
				return nil
			}

		case StateReadingBody:
			if done, err := c.stepReadingBody(); err != nil {
				return err
			} else if !done {
				return nil
			}

		case StateDispatched:
			if !c.respReady.Load() {
				return nil
			}
			c.outBuf = c.respBuf
			c.outWritten = 0
			c.respBuf = nil
			c.respReady.Store(false)
			c.state = StateWritingLen

		case StateWritingLen:
			if done, err := c.stepWritingLen(); err != nil {
				return err
			} else if !done {
				return nil
			}

		case StateWritingBody:
			if done, err := c.stepWritingBody(); err != nil {
				return err
			} else if !done {
				return nil
			}
		}
	}
}

func (c *Connection) stepReadingLen() (done bool, err error) {
	n, err := fdutil.Read(c.fd.Borrow(), c.lenBuf[c.lenFilled:])
	if errors.Is(err, fdutil.ErrWouldBlock) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mio: reading length header: %w", err)
	}
	if n == 0 {
		if c.lenFilled == 0 {
			// Clean EOF between frames: not an error, just done for now.
			c.closeWith(ReasonPeerClosed)
			return true, nil
		}
		// EOF with a partial header already buffered: the frame can never
		// be completed.
		c.closeWith(ReasonFramingError)
		return false, fmt.Errorf("mio: reading length header: %w", ErrFramingError)
	}
	c.lenFilled += n
	if c.lenFilled < codec.HeaderLen {
		return false, nil
	}

	length := codec.DecodeHeader(c.lenBuf)
	if err := codec.CheckRequestLen(length); err != nil {
		c.closeWith(ReasonOversizedRequest)
		return true, nil
	}
	c.bodyLen = length
	c.inBuf = make([]byte, length)
	c.inFilled = 0
	c.lenFilled = 0
	c.state = StateReadingBody
	return true, nil
}

func (c *Connection) stepReadingBody() (done bool, err error) {
	if c.bodyLen == 0 {
		c.dispatch()
		return true, nil
	}

	n, err := fdutil.Read(c.fd.Borrow(), c.inBuf[c.inFilled:])
	if errors.Is(err, fdutil.ErrWouldBlock) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mio: reading body: %w", err)
	}
	if n == 0 {
		c.closeWith(ReasonPeerClosed)
		return true, nil
	}
	c.inFilled += n
	if uint64(c.inFilled) < c.bodyLen {
		return false, nil
	}
	c.dispatch()
	return true, nil
}

func (c *Connection) dispatch() {
	c.state = StateDispatched
	req := c.inBuf
	c.inBuf = nil
	c.handler.Handle(req, func(resp []byte) {
		c.respBuf = resp
		c.respReady.Store(true)
	})
}

func (c *Connection) stepWritingLen() (done bool, err error) {
	if c.outWritten == 0 {
		c.lenBuf = codec.EncodeHeader(uint64(len(c.outBuf)))
		c.lenFilled = 0
	}
	n, err := fdutil.Write(c.fd.Borrow(), c.lenBuf[c.lenFilled:])
	if errors.Is(err, fdutil.ErrWouldBlock) {
		return false, c.armWriteInterest()
	}
	if err != nil {
		return false, fmt.Errorf("mio: writing length header: %w", err)
	}
	c.lenFilled += n
	if c.lenFilled < codec.HeaderLen {
		return false, c.armWriteInterest()
	}
	c.state = StateWritingBody
	return true, nil
}

func (c *Connection) stepWritingBody() (done bool, err error) {
	if len(c.outBuf) == 0 {
		return true, c.finishWrite()
	}
	n, err := fdutil.Write(c.fd.Borrow(), c.outBuf[c.outWritten:])
	if errors.Is(err, fdutil.ErrWouldBlock) {
		return false, c.armWriteInterest()
	}
	if err != nil {
		return false, fmt.Errorf("mio: writing body: %w", err)
	}
	c.outWritten += n
	if c.outWritten < len(c.outBuf) {
		return false, c.armWriteInterest()
	}
	return true, c.finishWrite()
}

// armWriteInterest asks the poll loop to also notify on EPOLLOUT, since a
// write just blocked. A no-op if already armed.
func (c *Connection) armWriteInterest() error {
	if c.writeInterestArmed {
		return nil
	}
	if err := c.updateWriteInterest(true); err != nil {
		return fmt.Errorf("mio: arming write interest: %w", err)
	}
	c.writeInterestArmed = true
	return nil
}

// disarmWriteInterest drops EPOLLOUT back out of the interest mask once a
// write has fully drained, so an idle connection in ReadingLen doesn't
// keep epoll_wait returning immediately. A no-op if already disarmed.
func (c *Connection) disarmWriteInterest() error {
	if !c.writeInterestArmed {
		return nil
	}
	if err := c.updateWriteInterest(false); err != nil {
		return fmt.Errorf("mio: disarming write interest: %w", err)
	}
	c.writeInterestArmed = false
	return nil
}

func (c *Connection) finishWrite() error {
	c.outBuf = nil
	c.outWritten = 0
	c.state = StateReadingLen
	return c.disarmWriteInterest()
}
