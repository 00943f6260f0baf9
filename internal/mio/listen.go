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
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rosenpass/rosenpass-go/internal/fdutil"
)

// ListenUnix creates a non-blocking, close-on-exec unix-domain stream
// socket bound and listening at path, ready for registration with a
// Server via ConnectionManager.AddListener. Any stale socket file left over
// at path from a prior, uncleanly terminated process is removed first.
func ListenUnix(path string, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("mio: socket: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mio: removing stale socket %s: %w", path, err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mio: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mio: listen %s: %w", path, err)
	}

	owned, err := fdutil.Adopt(fd, fdutil.RetainInPlace)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mio: adopting listener fd: %w", err)
	}
	return NewListener(owned), nil
}
