// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"encoding/binary"
	"sync"
)

// direntAlign is the padding boundary serialized directory entries are
// aligned to, matching the 8-byte record alignment real FUSE dirents
// use so a streaming reader can always find the next record's start.
const direntAlign = 8

// DirHandle is the transient per-opendir structure of: it owns a
// growable byte buffer of serialized entries, a filled flag, the last
// requested window size, and the opaque handle the user's OpenDir
// returned.
type DirHandle struct {
	mu       sync.Mutex
	path     string
	dirID    uint64
	userData interface{}

	buf      []byte
	filled   bool
	lastSize int
	fillErr  Status
}

// NewDirHandle is called from the OpenDir request handler once the
// user callback (if present) has returned its opaque handle.
func NewDirHandle(path string, dirID uint64, userData interface{}) *DirHandle {
	return &DirHandle{path: path, dirID: dirID, userData: userData}
}

// encodeEntry appends one on-wire directory entry to buf and returns the
// extended buffer: a 24-byte record header (ino, next offset, name
// length, mode), then the name bytes, then zero-padding out to the
// alignment boundary. nextOffset is the offset recorded in the entry for
// the kernel to resume readdir from.
func encodeEntry(buf []byte, e DirEntry, nextOffset uint64) []byte {
	nameLen := len(e.Name)
	recLen := 24 + nameLen
	padded := (recLen + direntAlign - 1) &^ (direntAlign - 1)

	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:8], e.Ino)
	binary.LittleEndian.PutUint64(hdr[8:16], nextOffset)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(nameLen))
	binary.LittleEndian.PutUint32(hdr[20:24], e.Mode)

	buf = append(buf, hdr[:]...)
	buf = append(buf, e.Name...)
	if pad := padded - recLen; pad > 0 {
		var zeros [direntAlign]byte
		buf = append(buf, zeros[:pad]...)
	}
	return buf
}

// fill populates the buffer by invoking the user's ReadDir with a fill
// callback. The buffer is always reset and refilled starting at
// offset: in streaming use (a ReadDir that itself honors offset and
// only emits what comes after it) this naturally produces one window
// per call; in all-at-once use (a ReadDir that ignores offset and
// always emits everything) this only matters on the first call, since
// later calls at offset>0 never reach fill once h.filled is true (see
// Read). The callback refuses an entry that would overflow size rather
// than truncating it mid-record, so the kernel never sees a partial
// directory entry.
//
// readdirIno and table are used to backfill inode numbers the user
// callback didn't supply, when the readdir_ino option is set.
func (h *DirHandle) fill(ctx *Context, ops *Ops, offset uint64, size int, readdirIno bool, table *NodeTable) Status {
	h.buf = h.buf[:0]
	h.fillErr = OK
	h.lastSize = size

	if ops.ReadDir == nil {
		return NotImplemented
	}

	nextOff := offset + 1
	full := false

	cb := func(e DirEntry) bool {
		if full {
			return false
		}
		if readdirIno && e.Ino == 0 && table != nil {
			if n, ok := table.Lookup(h.dirID, e.Name); ok {
				e.Ino = n.ID
			}
		}
		recLen := 24 + len(e.Name)
		padded := (recLen + direntAlign - 1) &^ (direntAlign - 1)
		if len(h.buf)+padded > size {
			full = true
			return false
		}
		h.buf = encodeEntry(h.buf, e, nextOff)
		nextOff++
		return true
	}

	status := ops.ReadDir(ctx, h.path, h.userData, offset, cb)
	if !status.Ok() {
		h.fillErr = status
		return status
	}

	// filled means "this buffer holds everything from offset through
	// EOF": true when the callback ran to completion without hitting
	// the size ceiling.
	h.filled = !full
	return OK
}

// Read implements the dispatcher side of a readdir request: refill the
// buffer whenever offset is 0 (first call, or a restart after EOF) or
// the previous fill was invalidated by hitting its size ceiling;
// otherwise slice the existing, already-complete buffer at
// [offset, offset+size).
func (h *DirHandle) Read(ctx *Context, ops *Ops, offset uint64, size int, readdirIno bool, table *NodeTable) ([]byte, Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	refill := offset == 0 || !h.filled
	if refill {
		if status := h.fill(ctx, ops, offset, size, readdirIno, table); !status.Ok() {
			return nil, status
		}
		end := size
		if end > len(h.buf) {
			end = len(h.buf)
		}
		return h.buf[:end], OK
	}

	start := int(offset)
	if start > len(h.buf) {
		start = len(h.buf)
	}
	end := start + size
	if end > len(h.buf) {
		end = len(h.buf)
	}
	return h.buf[start:end], OK
}

// Release invokes the user's ReleaseDir and is a no-op if absent; the
// buffer itself is freed by the caller dropping its reference to h.
func (h *DirHandle) Release(ctx *Context, ops *Ops) Status {
	if ops.ReleaseDir == nil {
		return OK
	}
	return ops.ReleaseDir(ctx, h.path, h.userData)
}
