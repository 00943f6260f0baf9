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

package logger

import (
	"io"
	"sync"
)

// AsyncLogger decouples writers from a potentially slow sink (a rotating
// log file, a piped subprocess) with a bounded channel, so a slow sink does
// not block writers until that channel is full; once it is, Write blocks
// until the sink catches up. Adapted from
// GoogleCloudPlatform-gcsfuse/internal/logger's AsyncLogger (its source is
// not in the retrieval pack, but its behavior is pinned down by
// async_logger_test.go: buffered writes, in-order flush, Close drains and
// closes the underlying writer).
type AsyncLogger struct {
	sink io.WriteCloser
	ch   chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// NewAsyncLogger wraps sink with a channel of the given buffer size.
func NewAsyncLogger(sink io.WriteCloser, bufferSize int) *AsyncLogger {
	a := &AsyncLogger{
		sink: sink,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Write copies p and enqueues it without waiting for the underlying sink's
// write; it blocks only while the channel buffer is full.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	a.ch <- cp
	return len(p), nil
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for msg := range a.ch {
		if _, err := a.sink.Write(msg); err != nil {
			return
		}
	}
}

// Close stops accepting writes, waits for the queue to drain, and closes
// the underlying sink.
func (a *AsyncLogger) Close() error {
	a.closeOnce.Do(func() {
		close(a.ch)
	})
	<-a.done
	return a.sink.Close()
}
