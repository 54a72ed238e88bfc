// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"testing"
)

func allOpsReadDir(entries []DirEntry) func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status {
	return func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status {
		for _, e := range entries {
			if !fill(e) {
				break
			}
		}
		return OK
	}
}

func streamingReadDir(entries []DirEntry) func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status {
	return func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status {
		for i, e := range entries {
			if uint64(i) < offset {
				continue
			}
			if !fill(e) {
				break
			}
		}
		return OK
	}
}

func TestDirHandleAllAtOnceReadDirServesWindowsFromOneFill(t *testing.T) {
	entries := []DirEntry{{Name: "a", Ino: 2}, {Name: "b", Ino: 3}, {Name: "c", Ino: 4}}
	ops := &Ops{ReadDir: allOpsReadDir(entries)}
	dh := NewDirHandle("/", RootID, nil)

	first, status := dh.Read(&Context{}, ops, 0, 4096, false, nil)
	if !status.Ok() {
		t.Fatalf("first Read: %v", status)
	}
	if len(first) == 0 {
		t.Fatalf("first window is empty")
	}

	second, status := dh.Read(&Context{}, ops, uint64(len(first)), 4096, false, nil)
	if !status.Ok() {
		t.Fatalf("second Read: %v", status)
	}
	if len(second) != 0 {
		t.Fatalf("second Read returned %d bytes past a fully-buffered all-at-once listing, want 0", len(second))
	}
}

func TestDirHandleStreamingReadDirRefillsPerWindow(t *testing.T) {
	entries := []DirEntry{{Name: "a", Ino: 2}, {Name: "b", Ino: 3}}
	calls := 0
	ops := &Ops{ReadDir: func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status {
		calls++
		return streamingReadDir(entries)(ctx, path, handle, offset, fill)
	}}
	dh := NewDirHandle("/", RootID, nil)

	// A size exactly matching one padded record forces a second window.
	oneRecordSize := 32
	first, status := dh.Read(&Context{}, ops, 0, oneRecordSize, false, nil)
	if !status.Ok() || len(first) == 0 {
		t.Fatalf("first Read: %v, %d bytes", status, len(first))
	}

	second, status := dh.Read(&Context{}, ops, 1, 4096, false, nil)
	if !status.Ok() {
		t.Fatalf("second Read: %v", status)
	}
	if len(second) == 0 {
		t.Fatalf("streaming readdir produced no entries for the second window")
	}
	if calls < 2 {
		t.Fatalf("ReadDir callback invoked %d times, want at least 2 for a streaming listing", calls)
	}
}

func TestDirHandleRestartsAtOffsetZero(t *testing.T) {
	entries := []DirEntry{{Name: "a", Ino: 2}}
	calls := 0
	ops := &Ops{ReadDir: func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status {
		calls++
		return allOpsReadDir(entries)(ctx, path, handle, offset, fill)
	}}
	dh := NewDirHandle("/", RootID, nil)

	if _, status := dh.Read(&Context{}, ops, 0, 4096, false, nil); !status.Ok() {
		t.Fatalf("first Read: %v", status)
	}
	if _, status := dh.Read(&Context{}, ops, 0, 4096, false, nil); !status.Ok() {
		t.Fatalf("restart Read: %v", status)
	}
	if calls != 2 {
		t.Fatalf("ReadDir called %d times across two offset-0 reads, want 2", calls)
	}
}

func TestDirHandleReaddirInoBackfillsFromNodeTable(t *testing.T) {
	table := NewNodeTable()
	child := table.LookupOrInsert(RootID, "a", 1)

	entries := []DirEntry{{Name: "a", Ino: 0}}
	ops := &Ops{ReadDir: allOpsReadDir(entries)}
	dh := NewDirHandle("/", RootID, nil)

	buf, status := dh.Read(&Context{}, ops, 0, 4096, true, table)
	if !status.Ok() {
		t.Fatalf("Read: %v", status)
	}
	gotIno := le64(buf[0:8])
	if gotIno != child.ID {
		t.Fatalf("backfilled ino = %d, want %d", gotIno, child.ID)
	}
}
