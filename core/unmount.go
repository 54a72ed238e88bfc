// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"errors"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// isENODEV reports whether err is, or wraps, ENODEV: the errno the
// kernel gives a read on /dev/fuse once the filesystem has been
// unmounted.
func isENODEV(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.ENODEV
	}
	return false
}

// isENOENT reports whether err is, or wraps, ENOENT: what a write to
// /dev/fuse returns when the kernel has already dropped the request
// the reply was for.
func isENOENT(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.ENOENT
	}
	return false
}

// isStillMounted cross-checks mountPath against the live mount table,
// for transports where unmount doesn't surface as ENODEV on the device
// itself.
func isStillMounted(mountPath string) (bool, error) {
	return mountinfo.Mounted(mountPath)
}
