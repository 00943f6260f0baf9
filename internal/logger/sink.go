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
	"log/slog"
	"os"
)

// nopCloser satisfies io.Closer without wrapping an io.Reader, unlike
// io.NopCloser.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenSink builds a logger writing to path if it's non-empty (rotated via
// NewRotatingFile), or to stderr otherwise. The returned io.Closer must be
// closed during shutdown to drain the AsyncLogger before the process exits;
// it is a no-op when path is empty.
func OpenSink(path string, format Format) (*slog.Logger, io.Closer) {
	if path == "" {
		return New(os.Stderr, format), nopCloser{}
	}
	async := NewRotatingFile(path, 100, 3, 28)
	return New(async, format), async
}
