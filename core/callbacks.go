// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

// Attr is the subset of file attributes the core needs to marshal an
// EntryOut/AttrOut reply.
type Attr struct {
	Ino   uint64
	Size  uint64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// DirEntry is one entry a ReadDir callback hands to the fill function.
type DirEntry struct {
	Name string
	Mode uint32 // type nibble packed into the high bits, per S_IFDIR/S_IFREG etc.
	Ino  uint64 // 0 means "let the core fill this in" when ReaddirIno is set
}

// FillFunc is passed to a ReadDir callback; each call appends one
// directory entry to the buffer. It returns false once the kernel's
// requested window has been filled and the callback should stop.
type FillFunc func(entry DirEntry) bool

// Ops is the capability table of pathname-based user callbacks. Each
// slot is independently optional: the dispatcher replies NotImplemented
// when a slot the kernel needs is nil. A plain struct of function
// fields keeps a filesystem author's options explicit in one place
// without reaching for an interface or a vtable.
type Ops struct {
	GetAttr      func(ctx *Context, path string) (*Attr, Status)
	ReadLink     func(ctx *Context, path string) (string, Status)
	OpenDir      func(ctx *Context, path string) (handle interface{}, status Status)
	ReadDir      func(ctx *Context, path string, handle interface{}, offset uint64, fill FillFunc) Status
	ReleaseDir   func(ctx *Context, path string, handle interface{}) Status
	Mknod        func(ctx *Context, path string, mode uint32, rdev uint32) (*Attr, Status)
	Mkdir        func(ctx *Context, path string, mode uint32) (*Attr, Status)
	Unlink       func(ctx *Context, path string) Status
	Rmdir        func(ctx *Context, path string) Status
	Symlink      func(ctx *Context, target, linkName string) (*Attr, Status)
	Rename       func(ctx *Context, oldPath, newPath string) Status
	Link         func(ctx *Context, oldPath, newPath string) (*Attr, Status)
	Chmod        func(ctx *Context, path string, mode uint32) Status
	Chown        func(ctx *Context, path string, uid, gid uint32) Status
	Truncate     func(ctx *Context, path string, size uint64) Status
	Utime        func(ctx *Context, path string, atime, mtime int64) Status
	Open         func(ctx *Context, path string, flags uint32) (handle interface{}, status Status)
	Read         func(ctx *Context, path string, handle interface{}, dest []byte, off int64) (int, Status)
	Write        func(ctx *Context, path string, handle interface{}, data []byte, off int64) (int, Status)
	Statfs       func(ctx *Context, path string) (*StatfsInfo, Status)
	Flush        func(ctx *Context, path string, handle interface{}) Status
	Release      func(ctx *Context, path string, handle interface{}) Status
	Fsync        func(ctx *Context, path string, handle interface{}, dataOnly bool) Status
	Fsyncdir     func(ctx *Context, path string, handle interface{}, dataOnly bool) Status
	SetXAttr     func(ctx *Context, path, name string, value []byte, flags uint32) Status
	GetXAttr     func(ctx *Context, path, name string) ([]byte, Status)
	ListXAttr    func(ctx *Context, path string) ([]string, Status)
	RemoveXAttr  func(ctx *Context, path, name string) Status
	Init         func(ctx *Context) Status
	Destroy      func(ctx *Context)
}

// StatfsInfo mirrors the fields a statfs reply needs.
type StatfsInfo struct {
	Blocks, Bfree, Bavail uint64
	Files, Ffree          uint64
	Bsize, NameLen, Frsize uint32
}

// probeExists is used by the hidden-rename policy to check whether a
// candidate shadow name collides with something already on backing
// storage that the node table doesn't know about. With no GetAttr
// callback there's no way to probe, so it reports no collision.
func probeExists(ops *Ops, ctx *Context, path string) bool {
	if ops.GetAttr == nil {
		return false
	}
	_, status := ops.GetAttr(ctx, path)
	return status.Ok()
}
