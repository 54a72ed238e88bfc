// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"context"
	"errors"
	"io"
	"log"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// defaultMaxBackground bounds how many requests may be dispatched to
// worker goroutines concurrently. Forget is exempt: it never takes a
// slot.
const defaultMaxBackground = 12

// Loop reads requests from dev until the filesystem is unmounted or the
// device returns an unrecoverable error, dispatching each one to its
// own goroutine except for Forget, which is cheap enough and frequent
// enough to run inline on the reader goroutine.
type Loop struct {
	dev   Device
	disp  *Dispatcher
	avail *semaphore.Weighted

	// mountPath, if set, lets the loop tell an unmount-by-umount(8)
	// apart from a genuine device error by checking whether the mount
	// still shows up in the mount table.
	mountPath string
}

// NewLoop wires a device and dispatcher into a request loop. maxBackground
// <= 0 selects defaultMaxBackground.
func NewLoop(dev Device, disp *Dispatcher, maxBackground int, mountPath string) *Loop {
	if maxBackground <= 0 {
		maxBackground = defaultMaxBackground
	}
	return &Loop{
		dev:       dev,
		disp:      disp,
		avail:     semaphore.NewWeighted(int64(maxBackground)),
		mountPath: mountPath,
	}
}

// Run is the single reader loop. It blocks until the device is
// unmounted or returns an error other than a transient read
// interruption.
func (l *Loop) Run() {
	for {
		raw, err := ReadRequest(l.dev)
		if err != nil {
			if l.isUnmount(err) {
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, unix.EINTR) || isENOENT(err) {
				continue
			}
			log.Printf("fusecore: read failed: %v", err)
			return
		}

		hdr, arg, decodeErr := decodeHeader(raw)
		if decodeErr != nil {
			log.Printf("fusecore: %v", decodeErr)
			continue
		}

		if hdr.Opcode == OpForget {
			l.handleForget(hdr, arg)
			continue
		}

		if err := l.avail.Acquire(context.Background(), 1); err != nil {
			log.Printf("fusecore: worker semaphore acquire failed: %v", err)
			return
		}

		go l.handle(raw)
	}
}

func (l *Loop) handleForget(hdr InHeader, arg []byte) {
	if len(arg) < 8 {
		return
	}
	nlookup := int64(le64(arg[0:8]))
	l.disp.ForgetNode(hdr.NodeID, nlookup)
}

// handle dispatches one non-forget request on its own goroutine, then
// writes the reply. A write rejected with ENOENT means the kernel
// already dropped the request (interrupted, or the node was otherwise
// invalidated); that is not a loop error, but the dispatcher's side
// effects for this request must still be compensated rather than left
// stranded. The worker slot is released as soon as the dispatcher is
// done computing the reply, so a slow write doesn't hold up other
// requests.
func (l *Loop) handle(raw []byte) {
	released := false
	release := func() {
		if !released {
			released = true
			l.avail.Release(1)
		}
	}

	reply := l.disp.Dispatch(raw, release)
	release()

	out := encodeReply(reply.Unique, reply.Status, reply.Body)
	if err := WriteReply(l.dev, out); err != nil {
		if isENOENT(err) {
			l.disp.Compensate(reply)
			return
		}
		if errors.Is(err, io.ErrClosedPipe) {
			return
		}
		log.Printf("fusecore: write reply failed: %v", err)
	}
}

// isUnmount reports whether err signals a clean unmount (umount(8) or
// the kernel tearing the connection down), as opposed to a genuine
// device fault. io.EOF and ENODEV always count as unmount; for any other
// error, when mountPath is set, mountinfo is consulted and a mount that
// no longer shows up in the mount table also counts as unmount.
func (l *Loop) isUnmount(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	if isENODEV(err) {
		return true
	}
	if l.mountPath == "" {
		return false
	}
	mounted, mErr := isStillMounted(l.mountPath)
	if mErr != nil {
		return false
	}
	return !mounted
}
