// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Status is a reply error code: a negative errno-style integer, with 0
// (OK) meaning success. It is the wire-level representation the
// dispatcher writes back to the device, not a Go error.
type Status int32

// Error taxonomy from the reply-error design: resolution failures,
// not-implemented, resource exhaustion, policy denial, busy, and protocol
// violation each get their own named Status so handlers never have to
// spell out raw errno literals.
var (
	OK             Status = 0
	NotFound       Status = Status(-int32(unix.ENOENT))
	NotImplemented Status = Status(-int32(unix.ENOSYS))
	NoMemory       Status = Status(-int32(unix.ENOMEM))
	Access         Status = Status(-int32(unix.EACCES))
	Busy           Status = Status(-int32(unix.EBUSY))
	ProtoError     Status = Status(-int32(unix.EPROTO))
	RangeError     Status = Status(-int32(unix.ERANGE))
	InvalidArg     Status = Status(-int32(unix.EINVAL))
	CrossDevice    Status = Status(-int32(unix.EXDEV))
)

func (s Status) Ok() bool { return s == OK }

func (s Status) String() string {
	if s == OK {
		return "OK"
	}
	return fmt.Sprintf("%d=%v", int32(s), syscall.Errno(-s))
}

// ToStatus converts a Go error, as returned by an os/unix call made
// inside a callback or by the hidden-rename probe, into a Status.
func ToStatus(err error) Status {
	switch err {
	case nil:
		return OK
	case os.ErrPermission:
		return Status(-int32(unix.EPERM))
	case os.ErrExist:
		return Status(-int32(unix.EEXIST))
	case os.ErrNotExist:
		return NotFound
	case os.ErrInvalid:
		return InvalidArg
	}

	switch t := err.(type) {
	case syscall.Errno:
		return Status(-int32(t))
	case *os.SyscallError:
		if errno, ok := t.Err.(syscall.Errno); ok {
			return Status(-int32(errno))
		}
	case *os.PathError:
		return ToStatus(t.Err)
	case *os.LinkError:
		return ToStatus(t.Err)
	}
	return NotImplemented
}

// clampUserStatus enforces that a user callback may only return a
// legal negative-errno value. Anything else
// (a positive number, or something past the deep negative range any
// real errno occupies) is a bug in the user filesystem, and gets
// replaced by RangeError rather than handed to the kernel verbatim.
func clampUserStatus(s Status) Status {
	if s > 0 || s <= -1000 {
		return RangeError
	}
	return s
}
