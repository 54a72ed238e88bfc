// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"testing"
)

// buildRequest assembles one framed request: the fixed 40-byte header
// followed by the opcode-specific argument bytes.
func buildRequest(opcode Opcode, unique, nodeID uint64, uid, gid, pid uint32, arg []byte) []byte {
	buf := make([]byte, headerSize+len(arg))
	total := uint32(len(buf))
	putLE32(buf[0:4], total)
	putLE32(buf[4:8], uint32(opcode))
	putLE64(buf[8:16], unique)
	putLE64(buf[16:24], nodeID)
	putLE32(buf[24:28], uid)
	putLE32(buf[28:32], gid)
	putLE32(buf[32:36], pid)
	copy(buf[headerSize:], arg)
	return buf
}

func initDispatcher(t *testing.T, ops *Ops, opts *Options) *Dispatcher {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	d := NewDispatcher(ops, opts, 0, nil)
	arg := make([]byte, 8)
	putLE32(arg[0:4], CurrentMajor)
	putLE32(arg[4:8], CurrentMinor)
	reply := d.Dispatch(buildRequest(OpInit, 1, RootID, 0, 0, 0, arg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("init: %v", reply.Status)
	}
	return d
}

// memFS is an in-memory filesystem exercising Lookup/Open/Read/Write/
// Release/Unlink against a single backing map, for dispatcher tests.
type memFS struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newMemFS() *memFS {
	return &memFS{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (m *memFS) ops() *Ops {
	return &Ops{
		GetAttr: func(ctx *Context, path string) (*Attr, Status) {
			if m.dirs[path] {
				return &Attr{Mode: 0040755}, OK
			}
			if data, ok := m.files[path]; ok {
				return &Attr{Mode: 0100644, Size: uint64(len(data))}, OK
			}
			return nil, NotFound
		},
		Open: func(ctx *Context, path string, flags uint32) (interface{}, Status) {
			if _, ok := m.files[path]; !ok {
				return nil, NotFound
			}
			return path, OK
		},
		Read: func(ctx *Context, path string, handle interface{}, dest []byte, off int64) (int, Status) {
			data := m.files[path]
			if off >= int64(len(data)) {
				return 0, OK
			}
			return copy(dest, data[off:]), OK
		},
		Write: func(ctx *Context, path string, handle interface{}, data []byte, off int64) (int, Status) {
			buf := m.files[path]
			end := int(off) + len(data)
			if end > len(buf) {
				grown := make([]byte, end)
				copy(grown, buf)
				buf = grown
			}
			copy(buf[off:], data)
			m.files[path] = buf
			return len(data), OK
		},
		Release: func(ctx *Context, path string, handle interface{}) Status {
			return OK
		},
		Rename: func(ctx *Context, oldPath, newPath string) Status {
			data, ok := m.files[oldPath]
			if !ok {
				return NotFound
			}
			delete(m.files, oldPath)
			m.files[newPath] = data
			return OK
		},
		Unlink: func(ctx *Context, path string) Status {
			if _, ok := m.files[path]; !ok {
				return NotFound
			}
			delete(m.files, path)
			return OK
		},
	}
}

func TestDispatcherRejectsRequestsBeforeInit(t *testing.T) {
	d := NewDispatcher(&Ops{}, &Options{}, 0, nil)
	reply := d.Dispatch(buildRequest(OpGetAttr, 1, RootID, 0, 0, 0, nil), nil)
	if reply.Status != ProtoError {
		t.Fatalf("pre-init request status = %v, want ProtoError", reply.Status)
	}
}

func TestDispatcherLookupOpenReadRelease(t *testing.T) {
	fs := newMemFS()
	fs.files["/a.txt"] = []byte("hello")
	d := initDispatcher(t, fs.ops(), nil)

	lookupArg := []byte("a.txt")
	reply := d.Dispatch(buildRequest(OpLookup, 2, RootID, 0, 0, 0, lookupArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("lookup: %v", reply.Status)
	}
	childID := le64(reply.Body[0:8])

	reply = d.Dispatch(buildRequest(OpOpen, 3, childID, 0, 0, 0, make([]byte, 4)), nil)
	if !reply.Status.Ok() {
		t.Fatalf("open: %v", reply.Status)
	}
	fh := le64(reply.Body[0:8])

	readArg := make([]byte, 20)
	putLE64(readArg[0:8], fh)
	putLE32(readArg[16:20], 4096)
	reply = d.Dispatch(buildRequest(OpRead, 4, childID, 0, 0, 0, readArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("read: %v", reply.Status)
	}
	if string(reply.Body) != "hello" {
		t.Fatalf("read body = %q, want %q", reply.Body, "hello")
	}

	releaseArg := make([]byte, 8)
	putLE64(releaseArg, fh)
	reply = d.Dispatch(buildRequest(OpRelease, 5, childID, 0, 0, 0, releaseArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("release: %v", reply.Status)
	}
}

func TestDispatcherUnlinkWhileOpenHidesThenReleaseUnlinks(t *testing.T) {
	fs := newMemFS()
	fs.files["/busy.txt"] = []byte("data")
	d := initDispatcher(t, fs.ops(), nil)

	lookupArg := []byte("busy.txt")
	reply := d.Dispatch(buildRequest(OpLookup, 2, RootID, 0, 0, 0, lookupArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("lookup: %v", reply.Status)
	}
	childID := le64(reply.Body[0:8])

	reply = d.Dispatch(buildRequest(OpOpen, 3, childID, 0, 0, 0, make([]byte, 4)), nil)
	if !reply.Status.Ok() {
		t.Fatalf("open: %v", reply.Status)
	}
	fh := le64(reply.Body[0:8])

	unlinkArg := []byte("busy.txt")
	reply = d.Dispatch(buildRequest(OpUnlink, 4, RootID, 0, 0, 0, unlinkArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("unlink-while-open: %v", reply.Status)
	}
	if len(fs.files) != 1 {
		t.Fatalf("hidden unlink removed the file from storage immediately")
	}

	releaseArg := make([]byte, 8)
	putLE64(releaseArg, fh)
	reply = d.Dispatch(buildRequest(OpRelease, 5, childID, 0, 0, 0, releaseArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("release after hide: %v", reply.Status)
	}
	if len(fs.files) != 0 {
		t.Fatalf("file still present on storage after last-close release: %v", fs.files)
	}
	if d.table.IsOpen(RootID, "busy.txt") {
		t.Fatalf("table still reports the hidden entry as open")
	}
}

func TestDispatcherCompensateOpenReleasesOnRejectedReply(t *testing.T) {
	fs := newMemFS()
	fs.files["/a.txt"] = []byte("x")
	d := initDispatcher(t, fs.ops(), nil)

	lookupArg := []byte("a.txt")
	reply := d.Dispatch(buildRequest(OpLookup, 2, RootID, 0, 0, 0, lookupArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("lookup: %v", reply.Status)
	}
	childID := le64(reply.Body[0:8])

	reply = d.Dispatch(buildRequest(OpOpen, 3, childID, 0, 0, 0, make([]byte, 4)), nil)
	if !reply.Status.Ok() {
		t.Fatalf("open: %v", reply.Status)
	}

	before := d.table.Get(childID).OpenCount
	if before != 1 {
		t.Fatalf("OpenCount = %d after open, want 1", before)
	}

	d.Compensate(reply)

	after := d.table.Get(childID).OpenCount
	if after != 0 {
		t.Fatalf("OpenCount = %d after compensating a rejected open reply, want 0", after)
	}
}

func TestDispatcherCompensateLookupForgetsNode(t *testing.T) {
	fs := newMemFS()
	fs.files["/a.txt"] = []byte("x")
	d := initDispatcher(t, fs.ops(), nil)

	lookupArg := []byte("a.txt")
	reply := d.Dispatch(buildRequest(OpLookup, 2, RootID, 0, 0, 0, lookupArg), nil)
	if !reply.Status.Ok() {
		t.Fatalf("lookup: %v", reply.Status)
	}
	childID := le64(reply.Body[0:8])
	before := d.table.Size()

	d.Compensate(reply)

	if d.table.Size() != before-1 {
		t.Fatalf("Size = %d after compensating a rejected lookup reply, want %d", d.table.Size(), before-1)
	}
	if _, ok := d.table.Lookup(RootID, "a.txt"); ok {
		t.Fatalf("name still resolvable after compensating lookup")
	}
	_ = childID
}
