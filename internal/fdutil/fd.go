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

// Package fdutil implements the file-descriptor discipline the control
// plane relies on as a primitive: safe adoption, masking, and duplication
// of descriptors handed in from parents, socketpair, or fd-passing.
package fdutil

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrInvalidFd is returned by Adopt when the supplied descriptor number is
// negative or above what the OS permits.
var ErrInvalidFd = errors.New("fdutil: invalid file descriptor")

// minCloexecFd is the lowest destination CloneCloexec will duplicate onto,
// so a clone never clobbers stdin/stdout/stderr.
const minCloexecFd = 3

// OwnedFd is a uniquely-owned file descriptor. It closes exactly once.
type OwnedFd struct {
	fd     int32
	closed atomic.Bool
}

// BorrowedFd is a non-owning view of a file descriptor; it never closes it.
type BorrowedFd struct {
	fd int
}

// NewBorrowedFd wraps fd without taking ownership.
func NewBorrowedFd(fd int) BorrowedFd { return BorrowedFd{fd: fd} }

// FD returns the raw descriptor number.
func (b BorrowedFd) FD() int { return b.fd }

// FD returns the raw descriptor number currently owned by o.
func (o *OwnedFd) FD() int { return int(atomic.LoadInt32(&o.fd)) }

// Borrow produces a non-owning view of o.
func (o *OwnedFd) Borrow() BorrowedFd { return BorrowedFd{fd: o.FD()} }

// Close releases the descriptor. Safe to call more than once; only the
// first call does anything.
func (o *OwnedFd) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(int(atomic.LoadInt32(&o.fd)))
}

// MaskMode controls what Adopt does with the caller-supplied descriptor
// number after adoption.
type MaskMode int

const (
	// MaskAfterAdopt overwrites the original number in the kernel's fd
	// table with a null descriptor, so a leaked copy of that number is
	// inert. This is the default, safety-first behavior.
	MaskAfterAdopt MaskMode = iota
	// RetainInPlace keeps the original descriptor number; the caller has
	// opted into the risk of a leaked number being reused.
	RetainInPlace
)

// Adopt takes ownership of a caller-supplied raw descriptor number. On
// MaskAfterAdopt (the default) it duplicates the descriptor onto a fresh
// number and masks the original with a null fd, so a buggy caller that
// still holds the old number cannot do anything harmful with it.
func Adopt(raw int, mode MaskMode) (*OwnedFd, error) {
	if err := validFd(raw); err != nil {
		return nil, err
	}

	if mode == RetainInPlace {
		return &OwnedFd{fd: int32(raw)}, nil
	}

	dup, err := CloneCloexec(NewBorrowedFd(raw))
	if err != nil {
		return nil, fmt.Errorf("fdutil: adopt: clone: %w", err)
	}
	if err := maskFd(raw); err != nil {
		_ = dup.Close()
		return nil, fmt.Errorf("fdutil: adopt: mask original fd %d: %w", raw, err)
	}
	return dup, nil
}

// validFd rejects descriptor numbers the OS could never have issued.
func validFd(raw int) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		// Fall back to a conservative sanity check if the limit can't be read.
		if raw < 0 {
			return ErrInvalidFd
		}
		return nil
	}
	if raw < 0 || uint64(raw) >= rlim.Cur {
		return ErrInvalidFd
	}
	return nil
}

// maskFd closes fd and reopens /dev/null onto the same number, so any
// stale copy of the number is harmless.
func maskFd(fd int) error {
	null, err := OpenNull()
	if err != nil {
		return err
	}
	defer null.Close()
	return unix.Dup3(null.FD(), fd, 0)
}

// OpenNull returns a descriptor whose reads always yield 0 bytes and whose
// writes are accepted and discarded, used as the mask target.
func OpenNull() (*OwnedFd, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("fdutil: open /dev/null: %w", err)
	}
	return &OwnedFd{fd: int32(fd)}, nil
}

// CloneCloexec duplicates fd, setting close-on-exec on the duplicate. The
// duplicate is guaranteed to have a number >= 3, so it never aliases
// stdin/stdout/stderr.
func CloneCloexec(fd BorrowedFd) (*OwnedFd, error) {
	dup, err := unix.FcntlInt(uintptr(fd.FD()), unix.F_DUPFD_CLOEXEC, minCloexecFd)
	if err != nil {
		return nil, fmt.Errorf("fdutil: clone_cloexec: %w", err)
	}
	return &OwnedFd{fd: int32(dup)}, nil
}

// CloneToCloexec atomically duplicates fd onto dest with close-on-exec
// set, closing whatever dest previously named.
func CloneToCloexec(fd BorrowedFd, dest *OwnedFd) error {
	_, _, errno := unix.Syscall(unix.SYS_DUP3, uintptr(fd.FD()), uintptr(dest.FD()), uintptr(unix.O_CLOEXEC))
	if errno != 0 {
		return fmt.Errorf("fdutil: clone_to_cloexec: %w", errno)
	}
	return nil
}

// Read performs one non-blocking read from fd, translating EAGAIN/EINTR
// into the unified error taxonomy. Read has no internal locking of its
// own; callers own serialization of a given fd (matches the single-owner
// discipline in internal/mio).
func Read(fd BorrowedFd, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd.FD(), buf)
		if err == nil {
			return n, nil
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, os.NewSyscallError("read", err)
		}
	}
}

// Write performs one non-blocking write to fd, translating EAGAIN/EINTR
// into the unified error taxonomy. Like Read, Write does no locking of
// its own; callers own serialization of a given fd.
func Write(fd BorrowedFd, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd.FD(), buf)
		if err == nil {
			return n, nil
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		default:
			return 0, os.NewSyscallError("write", err)
		}
	}
}

// ErrWouldBlock signals the non-blocking read/write wrappers returned
// EAGAIN; callers recover locally by yielding to their scheduler.
var ErrWouldBlock = errors.New("fdutil: operation would block")
