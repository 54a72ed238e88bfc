// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"log"
	"sync"
)

// Dispatcher decodes one framed request, establishes per-request
// context, selects a handler by opcode, synchronizes against the tree,
// invokes the user callback, and marshals the reply.
type Dispatcher struct {
	ops    *Ops
	table  *NodeTable
	hidden *hiddenPolicy
	opts   *Options

	// Tree lock. Ordinary operations take it shared just long enough to
	// resolve a path, then release it before running the (potentially
	// slow) user callback, so readers never block each other. Readdir is
	// the exception: it holds it shared across the whole buffer fill.
	// Namespace-mutating operations (unlink/rmdir/rename) instead hold
	// it exclusively across their whole callback, since a concurrent
	// path resolution must not observe a half-finished rename.
	treeLock sync.RWMutex

	initDone bool
	ownerUid uint32

	// dirHandles maps an opaque directory handle id to its DirHandle;
	// fileNodes records the node id each file handle was opened on;
	// fileHandles maps a file handle id to the opaque handle the user's
	// Open returned.
	handleMu    sync.Mutex
	nextHandle  uint64
	dirHandles  map[uint64]*DirHandle
	fileNodes   map[uint64]uint64
	fileHandles map[uint64]interface{}
	userData    interface{}
}

// NewDispatcher wires a node table, callback table, and options into a
// Dispatcher. ownerUid is the uid the allow_root policy compares
// against.
func NewDispatcher(ops *Ops, opts *Options, ownerUid uint32, userData interface{}) *Dispatcher {
	table := NewNodeTable()
	return &Dispatcher{
		ops:         ops,
		table:       table,
		hidden:      newHiddenPolicy(ops, table),
		opts:        opts,
		ownerUid:    ownerUid,
		userData:    userData,
		dirHandles:  make(map[uint64]*DirHandle),
		fileNodes:   make(map[uint64]uint64),
		fileHandles: make(map[uint64]interface{}),
	}
}

// Table exposes the node table, mainly so tests and callers can
// inspect its size/contents.
func (d *Dispatcher) Table() *NodeTable { return d.table }

// Reply is the marshaled result of dispatching one request.
type Reply struct {
	Unique uint64
	Status Status
	Body   []byte

	// Opcode and NodeID identify what this reply was for, so a caller
	// whose write to the device is rejected as cancelled can decide
	// whether a compensating forget or release is owed.
	Opcode Opcode
	NodeID uint64
	Uid    uint32
	Gid    uint32
	Pid    uint32
}

// Dispatch decodes one framed request, synchronizes against the tree,
// invokes the matching user callback, and returns a marshaled reply.
// release, if non-nil, is called as soon as the reply is computed (it
// was already acquired by the request loop before calling Dispatch) so
// a slow write doesn't hold a worker slot longer than necessary.
func (d *Dispatcher) Dispatch(raw []byte, release func()) Reply {
	hdr, arg, err := decodeHeader(raw)
	if err != nil {
		if release != nil {
			release()
		}
		return Reply{Status: ProtoError}
	}

	if d.opts.Debug {
		log.Printf("fusecore: rx op=%d unique=%d node=%d", hdr.Opcode, hdr.Unique, hdr.NodeID)
	}

	if !d.initDone && hdr.Opcode != OpInit {
		if release != nil {
			release()
		}
		return Reply{Unique: hdr.Unique, Status: ProtoError}
	}

	if d.opts.AllowRoot && !whitelistedOpcodes[hdr.Opcode] {
		if hdr.Uid != d.ownerUid && hdr.Uid != 0 {
			if release != nil {
				release()
			}
			return Reply{Unique: hdr.Unique, Status: Access}
		}
	}

	ctx := &Context{Uid: hdr.Uid, Gid: hdr.Gid, Pid: hdr.Pid, Data: d.userData}

	status, body := d.handle(ctx, hdr, arg)
	status = clampUserStatus(status)

	if release != nil {
		release()
	}

	if d.opts.Debug {
		log.Printf("fusecore: tx unique=%d status=%v", hdr.Unique, status)
	}

	return Reply{
		Unique: hdr.Unique,
		Status: status,
		Body:   body,
		Opcode: hdr.Opcode,
		NodeID: hdr.NodeID,
		Uid:    hdr.Uid,
		Gid:    hdr.Gid,
		Pid:    hdr.Pid,
	}
}

// handle selects a handler by opcode and runs it under the appropriate
// tree-lock mode: unlink/rmdir/rename take the tree lock
// exclusively; every other pathname operation takes it shared.
func (d *Dispatcher) handle(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	switch hdr.Opcode {
	case OpInit:
		return d.doInit(ctx, arg)
	case OpForget:
		return d.doForget(hdr, arg), nil
	case OpLookup:
		return d.doLookup(ctx, hdr, string(arg))
	case OpGetAttr:
		return d.doGetAttr(ctx, hdr)
	case OpSetAttr:
		return d.doSetAttr(ctx, hdr, arg)
	case OpReadLink:
		return d.doReadlink(ctx, hdr)
	case OpMknod:
		return d.doMknod(ctx, hdr, arg)
	case OpMkdir:
		return d.doMkdir(ctx, hdr, arg)
	case OpSymlink:
		return d.doSymlink(ctx, hdr, arg)
	case OpLink:
		return d.doLink(ctx, hdr, arg)
	case OpUnlink:
		return d.doUnlink(ctx, hdr, string(arg)), nil
	case OpRmdir:
		return d.doRmdir(ctx, hdr, string(arg)), nil
	case OpRename:
		return d.doRename(ctx, hdr, arg), nil
	case OpOpen:
		return d.doOpen(ctx, hdr, arg)
	case OpRead:
		return d.doRead(ctx, hdr, arg)
	case OpWrite:
		return d.doWrite(ctx, hdr, arg)
	case OpRelease:
		return d.doRelease(ctx, hdr, arg), nil
	case OpOpendir:
		return d.doOpendir(ctx, hdr)
	case OpReaddir:
		return d.doReaddir(ctx, hdr, arg)
	case OpReleasedir:
		return d.doReleasedir(ctx, hdr, arg), nil
	case OpFsync:
		return d.doFsync(ctx, hdr, arg, false), nil
	case OpFsyncdir:
		return d.doFsync(ctx, hdr, arg, true), nil
	case OpFlush:
		return d.doFlush(ctx, hdr, arg), nil
	case OpStatfs:
		return d.doStatfs(ctx, hdr)
	case OpSetXAttr:
		return d.doSetXAttr(ctx, hdr, arg), nil
	case OpGetXAttr:
		return d.doGetXAttr(ctx, hdr, string(arg))
	case OpListXAttr:
		return d.doListXAttr(ctx, hdr)
	case OpRemoveXAttr:
		return d.doRemoveXAttr(ctx, hdr, string(arg)), nil
	case OpDestroy:
		if d.ops.Destroy != nil {
			d.ops.Destroy(ctx)
		}
		return OK, nil
	default:
		return NotImplemented, nil
	}
}

func (d *Dispatcher) allocHandle() uint64 {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	d.nextHandle++
	return d.nextHandle
}

// --- init / forget --------------------------------------------------

func (d *Dispatcher) doInit(ctx *Context, arg []byte) (Status, []byte) {
	var req InitParams
	if len(arg) >= 8 {
		req.Major = le32(arg[0:4])
		req.Minor = le32(arg[4:8])
	}
	negotiated, status := NegotiateVersion(req)
	if !status.Ok() {
		return status, nil
	}
	d.initDone = true
	if d.ops.Init != nil {
		if st := d.ops.Init(ctx); !st.Ok() {
			return st, nil
		}
	}
	body := make([]byte, 8)
	putLE32(body[0:4], negotiated.Major)
	putLE32(body[4:8], negotiated.Minor)
	return OK, body
}

func (d *Dispatcher) doForget(hdr InHeader, arg []byte) Status {
	if len(arg) < 8 {
		return InvalidArg
	}
	nlookup := int64(le64(arg[0:8]))
	d.table.Forget(hdr.NodeID, nlookup)
	return OK
}

// ForgetNode lets the request loop apply a forget without going
// through Dispatch at all, since forget gets no reply and so doesn't
// need a worker slot.
func (d *Dispatcher) ForgetNode(nodeID uint64, nlookup int64) {
	d.table.Forget(nodeID, nlookup)
}

// --- lookup -----------------------------------------------------------

func (d *Dispatcher) doLookup(ctx *Context, hdr InHeader, name string) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, name)
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.GetAttr == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.GetAttr(ctx, path)
	status = clampUserStatus(status)
	if !status.Ok() {
		return status, nil
	}

	n := d.table.LookupOrInsert(hdr.NodeID, name, hdr.Unique)
	return OK, encodeEntryOut(n, attr)
}

// --- getattr / setattr ------------------------------------------------

func (d *Dispatcher) doGetAttr(ctx *Context, hdr InHeader) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.GetAttr == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.GetAttr(ctx, path)
	status = clampUserStatus(status)
	if !status.Ok() {
		return status, nil
	}
	return OK, encodeAttrOut(attr)
}

// setattrValid bits, matching FATTR_* in the real protocol.
const (
	attrMode = 1 << 0
	attrUid  = 1 << 1
	attrGid  = 1 << 2
	attrSize = 1 << 3
	attrAtime = 1 << 4
	attrMtime = 1 << 5
)

func (d *Dispatcher) doSetAttr(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 40 {
		return InvalidArg, nil
	}
	valid := le32(arg[0:4])
	mode := le32(arg[4:8])
	uid := le32(arg[8:12])
	gid := le32(arg[12:16])
	size := le64(arg[16:24])
	atime := int64(le64(arg[24:32]))
	mtime := int64(le64(arg[32:40]))

	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}

	// Each bit is skipped silently when its callback is absent (only the
	// fields the kernel actually asked for are touched) but stops at the
	// first failure once a present callback returns one.
	var status Status = OK
	if valid&attrMode != 0 && d.ops.Chmod != nil {
		status = d.ops.Chmod(ctx, path, mode)
	}
	if status.Ok() && valid&(attrUid|attrGid) != 0 && d.ops.Chown != nil {
		status = d.ops.Chown(ctx, path, uid, gid)
	}
	if status.Ok() && valid&attrSize != 0 && d.ops.Truncate != nil {
		status = d.ops.Truncate(ctx, path, size)
	}
	if status.Ok() && valid&(attrAtime|attrMtime) == (attrAtime|attrMtime) && d.ops.Utime != nil {
		status = d.ops.Utime(ctx, path, atime, mtime)
	}
	if !status.Ok() {
		return status, nil
	}

	if d.ops.GetAttr == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.GetAttr(ctx, path)
	if !status.Ok() {
		return status, nil
	}
	return OK, encodeAttrOut(attr)
}

// --- readlink / mknod / mkdir / symlink / link -------------------------

func (d *Dispatcher) doReadlink(ctx *Context, hdr InHeader) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.ReadLink == nil {
		return NotImplemented, nil
	}
	target, status := d.ops.ReadLink(ctx, path)
	if !status.Ok() {
		return status, nil
	}
	return OK, []byte(target)
}

func (d *Dispatcher) doMknod(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 8 {
		return InvalidArg, nil
	}
	mode := le32(arg[0:4])
	rdev := le32(arg[4:8])
	name := string(arg[8:])

	d.treeLock.RLock()
	dir, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Mknod == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.Mknod(ctx, joinPath(dir, name), mode, rdev)
	if !status.Ok() {
		return status, nil
	}
	n := d.table.LookupOrInsert(hdr.NodeID, name, hdr.Unique)
	return OK, encodeEntryOut(n, attr)
}

func (d *Dispatcher) doMkdir(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 4 {
		return InvalidArg, nil
	}
	mode := le32(arg[0:4])
	name := string(arg[4:])

	d.treeLock.RLock()
	dir, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Mkdir == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.Mkdir(ctx, joinPath(dir, name), mode)
	if !status.Ok() {
		return status, nil
	}
	n := d.table.LookupOrInsert(hdr.NodeID, name, hdr.Unique)
	return OK, encodeEntryOut(n, attr)
}

func (d *Dispatcher) doSymlink(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	parts := splitNulTerminated(arg, 2)
	if parts == nil {
		return InvalidArg, nil
	}
	linkName, target := parts[0], parts[1]

	d.treeLock.RLock()
	dir, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Symlink == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.Symlink(ctx, target, joinPath(dir, linkName))
	if !status.Ok() {
		return status, nil
	}
	n := d.table.LookupOrInsert(hdr.NodeID, linkName, hdr.Unique)
	return OK, encodeEntryOut(n, attr)
}

func (d *Dispatcher) doLink(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 8 {
		return InvalidArg, nil
	}
	oldNodeID := le64(arg[0:8])
	name := string(arg[8:])

	d.treeLock.RLock()
	oldPath, ok1 := d.table.PathOf(oldNodeID, "")
	newDir, ok2 := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok1 || !ok2 {
		return NotFound, nil
	}
	if d.ops.Link == nil {
		return NotImplemented, nil
	}
	attr, status := d.ops.Link(ctx, oldPath, joinPath(newDir, name))
	if !status.Ok() {
		return status, nil
	}
	n := d.table.LookupOrInsert(hdr.NodeID, name, hdr.Unique)
	return OK, encodeEntryOut(n, attr)
}

// --- unlink / rmdir / rename (exclusive tree lock) ----------------------

func (d *Dispatcher) doUnlink(ctx *Context, hdr InHeader, name string) Status {
	d.treeLock.Lock()
	defer d.treeLock.Unlock()

	dir, ok := d.table.PathOf(hdr.NodeID, "")
	if !ok {
		return NotFound
	}

	if !d.opts.HardRemove && d.table.IsOpen(hdr.NodeID, name) {
		n, _ := d.table.Lookup(hdr.NodeID, name)
		_, status := d.hidden.hide(ctx, hdr.NodeID, n.ID, name)
		return status
	}

	if d.ops.Unlink == nil {
		return NotImplemented
	}
	status := d.ops.Unlink(ctx, joinPath(dir, name))
	if status.Ok() {
		d.table.Remove(hdr.NodeID, name)
	}
	return status
}

func (d *Dispatcher) doRmdir(ctx *Context, hdr InHeader, name string) Status {
	d.treeLock.Lock()
	defer d.treeLock.Unlock()

	dir, ok := d.table.PathOf(hdr.NodeID, "")
	if !ok {
		return NotFound
	}
	if d.ops.Rmdir == nil {
		return NotImplemented
	}
	status := d.ops.Rmdir(ctx, joinPath(dir, name))
	if status.Ok() {
		d.table.Remove(hdr.NodeID, name)
	}
	return status
}

func (d *Dispatcher) doRename(ctx *Context, hdr InHeader, arg []byte) Status {
	if len(arg) < 8 {
		return InvalidArg
	}
	newDirID := le64(arg[0:8])
	parts := splitNulTerminated(arg[8:], 2)
	if parts == nil {
		return InvalidArg
	}
	oldName, newName := parts[0], parts[1]

	d.treeLock.Lock()
	defer d.treeLock.Unlock()

	oldDir, ok1 := d.table.PathOf(hdr.NodeID, "")
	newDir, ok2 := d.table.PathOf(newDirID, "")
	if !ok1 || !ok2 {
		return NotFound
	}

	if !d.opts.HardRemove && d.table.IsOpen(newDirID, newName) {
		n, _ := d.table.Lookup(newDirID, newName)
		if _, status := d.hidden.hide(ctx, newDirID, n.ID, newName); !status.Ok() {
			return status
		}
	}

	if d.ops.Rename == nil {
		return NotImplemented
	}
	status := d.ops.Rename(ctx, joinPath(oldDir, oldName), joinPath(newDir, newName))
	if !status.Ok() {
		return status
	}
	return d.table.Rename(hdr.NodeID, oldName, newDirID, newName, false)
}

// --- open / read / write / release --------------------------------------

func (d *Dispatcher) doOpen(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	flags := uint32(0)
	if len(arg) >= 4 {
		flags = le32(arg[0:4])
	}
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Open == nil {
		return NotImplemented, nil
	}
	userHandle, status := d.ops.Open(ctx, path, flags)
	if !status.Ok() {
		return status, nil
	}

	fh := d.allocHandle()
	d.handleMu.Lock()
	d.fileNodes[fh] = hdr.NodeID
	d.handleMu.Unlock()
	d.openHandles(fh, userHandle)
	d.table.IncOpen(hdr.NodeID)

	body := make([]byte, 8)
	putLE64(body, fh)
	return OK, body
}

// openHandles stores the opaque handle Open returned, keyed by the fh
// handed back to the kernel.
func (d *Dispatcher) openHandles(fh uint64, userHandle interface{}) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()
	d.fileHandles[fh] = userHandle
}

func (d *Dispatcher) doRead(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 16 {
		return InvalidArg, nil
	}
	fh := le64(arg[0:8])
	off := int64(le64(arg[8:16]))
	size := 4096
	if len(arg) >= 20 {
		size = int(le32(arg[16:20]))
	}

	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Read == nil {
		return NotImplemented, nil
	}
	d.handleMu.Lock()
	userHandle := d.fileHandles[fh]
	d.handleMu.Unlock()

	buf := make([]byte, size)
	n, status := d.ops.Read(ctx, path, userHandle, buf, off)
	if !status.Ok() {
		return status, nil
	}
	return OK, buf[:n]
}

func (d *Dispatcher) doWrite(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 16 {
		return InvalidArg, nil
	}
	fh := le64(arg[0:8])
	off := int64(le64(arg[8:16]))
	data := arg[16:]

	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Write == nil {
		return NotImplemented, nil
	}
	d.handleMu.Lock()
	userHandle := d.fileHandles[fh]
	d.handleMu.Unlock()

	n, status := d.ops.Write(ctx, path, userHandle, data, off)
	if !status.Ok() {
		return status, nil
	}
	body := make([]byte, 4)
	putLE32(body, uint32(n))
	return OK, body
}

func (d *Dispatcher) doRelease(ctx *Context, hdr InHeader, arg []byte) Status {
	if len(arg) < 8 {
		return InvalidArg
	}
	fh := le64(arg[0:8])

	d.handleMu.Lock()
	userHandle := d.fileHandles[fh]
	delete(d.fileHandles, fh)
	delete(d.fileNodes, fh)
	d.handleMu.Unlock()

	hidden, lastClose := d.table.DecOpen(hdr.NodeID)

	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()

	var status Status = OK
	if d.ops.Release != nil && ok {
		status = d.ops.Release(ctx, path, userHandle)
	}

	if hidden && lastClose {
		n := d.table.Get(hdr.NodeID)
		parentID, name := parentOrRoot(n), n.Name

		d.treeLock.Lock()
		hiddenStatus := d.hidden.release(ctx, parentID, name)
		if hiddenStatus.Ok() {
			d.table.Remove(parentID, name)
		}
		d.treeLock.Unlock()

		if status.Ok() {
			status = hiddenStatus
		}
	}
	return status
}

func parentOrRoot(n *Node) uint64 {
	if n.ParentID == 0 {
		return RootID
	}
	return n.ParentID
}

// --- opendir / readdir / releasedir / fsyncdir --------------------------

func (d *Dispatcher) doOpendir(ctx *Context, hdr InHeader) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}

	var userHandle interface{}
	var status Status = OK
	if d.ops.OpenDir != nil {
		userHandle, status = d.ops.OpenDir(ctx, path)
		if !status.Ok() {
			return status, nil
		}
	}

	dh := NewDirHandle(path, hdr.NodeID, userHandle)
	fh := d.allocHandle()
	d.handleMu.Lock()
	d.dirHandles[fh] = dh
	d.handleMu.Unlock()

	body := make([]byte, 8)
	putLE64(body, fh)
	return OK, body
}

func (d *Dispatcher) doReaddir(ctx *Context, hdr InHeader, arg []byte) (Status, []byte) {
	if len(arg) < 16 {
		return InvalidArg, nil
	}
	fh := le64(arg[0:8])
	offset := le64(arg[8:16])
	size := 4096
	if len(arg) >= 20 {
		size = int(le32(arg[16:20]))
	}

	d.handleMu.Lock()
	dh := d.dirHandles[fh]
	d.handleMu.Unlock()
	if dh == nil {
		return NotFound, nil
	}

	d.treeLock.RLock()
	defer d.treeLock.RUnlock()
	body, status := dh.Read(ctx, d.ops, offset, size, d.opts.ReaddirIno, d.table)
	return status, body
}

func (d *Dispatcher) doReleasedir(ctx *Context, hdr InHeader, arg []byte) Status {
	if len(arg) < 8 {
		return InvalidArg
	}
	fh := le64(arg[0:8])

	d.handleMu.Lock()
	dh := d.dirHandles[fh]
	delete(d.dirHandles, fh)
	d.handleMu.Unlock()
	if dh == nil {
		return NotFound
	}
	return dh.Release(ctx, d.ops)
}

// --- fsync / flush / statfs / xattrs ------------------------------------

func (d *Dispatcher) doFsync(ctx *Context, hdr InHeader, arg []byte, dir bool) Status {
	if len(arg) < 12 {
		return InvalidArg
	}
	fh := le64(arg[0:8])
	dataOnly := le32(arg[8:12]) != 0

	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound
	}

	if dir {
		d.handleMu.Lock()
		dh := d.dirHandles[fh]
		d.handleMu.Unlock()
		if d.ops.Fsyncdir == nil {
			return NotImplemented
		}
		var userHandle interface{}
		if dh != nil {
			userHandle = dh.userData
		}
		return d.ops.Fsyncdir(ctx, path, userHandle, dataOnly)
	}

	d.handleMu.Lock()
	userHandle := d.fileHandles[fh]
	d.handleMu.Unlock()
	if d.ops.Fsync == nil {
		return NotImplemented
	}
	return d.ops.Fsync(ctx, path, userHandle, dataOnly)
}

func (d *Dispatcher) doFlush(ctx *Context, hdr InHeader, arg []byte) Status {
	if len(arg) < 8 {
		return InvalidArg
	}
	fh := le64(arg[0:8])
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound
	}
	if d.ops.Flush == nil {
		return NotImplemented
	}
	d.handleMu.Lock()
	userHandle := d.fileHandles[fh]
	d.handleMu.Unlock()
	return d.ops.Flush(ctx, path, userHandle)
}

func (d *Dispatcher) doStatfs(ctx *Context, hdr InHeader) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.Statfs == nil {
		return NotImplemented, nil
	}
	info, status := d.ops.Statfs(ctx, path)
	if !status.Ok() {
		return status, nil
	}
	body := make([]byte, 40)
	putLE64(body[0:8], info.Blocks)
	putLE64(body[8:16], info.Bfree)
	putLE64(body[16:24], info.Bavail)
	putLE64(body[24:32], info.Files)
	putLE64(body[32:40], info.Ffree)
	return OK, body
}

func (d *Dispatcher) doSetXAttr(ctx *Context, hdr InHeader, arg []byte) Status {
	parts := splitNulTerminated(arg, 2)
	if parts == nil {
		return InvalidArg
	}
	name, value := parts[0], []byte(parts[1])
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound
	}
	if d.ops.SetXAttr == nil {
		return NotImplemented
	}
	return d.ops.SetXAttr(ctx, path, name, value, 0)
}

func (d *Dispatcher) doGetXAttr(ctx *Context, hdr InHeader, name string) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.GetXAttr == nil {
		return NotImplemented, nil
	}
	value, status := d.ops.GetXAttr(ctx, path, name)
	if !status.Ok() {
		return status, nil
	}
	return OK, value
}

func (d *Dispatcher) doListXAttr(ctx *Context, hdr InHeader) (Status, []byte) {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound, nil
	}
	if d.ops.ListXAttr == nil {
		return NotImplemented, nil
	}
	names, status := d.ops.ListXAttr(ctx, path)
	if !status.Ok() {
		return status, nil
	}
	var body []byte
	for _, n := range names {
		body = append(body, n...)
		body = append(body, 0)
	}
	return OK, body
}

func (d *Dispatcher) doRemoveXAttr(ctx *Context, hdr InHeader, name string) Status {
	d.treeLock.RLock()
	path, ok := d.table.PathOf(hdr.NodeID, "")
	d.treeLock.RUnlock()
	if !ok {
		return NotFound
	}
	if d.ops.RemoveXAttr == nil {
		return NotImplemented
	}
	return d.ops.RemoveXAttr(ctx, path, name)
}

// --- cancellation compensators -------------------------------

// CompensateOpen undoes a successful Open whose reply the kernel
// rejected because it had already cancelled the request in-flight:
// invoke Release on the just-opened handle and drop the OpenCount
// bump, rather than leaving a handle nothing will ever close.
func (d *Dispatcher) CompensateOpen(ctx *Context, nodeID uint64, fh uint64) {
	d.handleMu.Lock()
	userHandle := d.fileHandles[fh]
	delete(d.fileHandles, fh)
	delete(d.fileNodes, fh)
	d.handleMu.Unlock()

	d.table.DecOpen(nodeID)

	d.treeLock.RLock()
	path, ok := d.table.PathOf(nodeID, "")
	d.treeLock.RUnlock()
	if ok && d.ops.Release != nil {
		d.ops.Release(ctx, path, userHandle)
	}
}

// CompensateLookup undoes a successful Lookup/Mknod/Mkdir/Symlink/Link
// whose reply the kernel rejected: issue a compensating forget so the
// node's Nlookup returns to what it was before this lookup.
func (d *Dispatcher) CompensateLookup(nodeID uint64) {
	d.table.Forget(nodeID, 1)
}

// lookupFamily is the set of opcodes whose successful reply body leads
// with a freshly looked-up or created node id, per encodeEntryOut.
var lookupFamily = map[Opcode]bool{
	OpLookup:  true,
	OpMknod:   true,
	OpMkdir:   true,
	OpSymlink: true,
	OpLink:    true,
}

// Compensate is called by the request loop when writing reply back to
// the device fails in a way that signals the kernel already dropped
// the request (a cancelled, in-flight operation). It undoes whatever
// side effect that reply was about to confirm, rather than leaving a
// handle or a lookup-count bump stranded with nothing to ever release
// it.
func (d *Dispatcher) Compensate(reply Reply) {
	if !reply.Status.Ok() || len(reply.Body) < 8 {
		return
	}
	switch {
	case reply.Opcode == OpOpen:
		fh := le64(reply.Body[0:8])
		ctx := &Context{Uid: reply.Uid, Gid: reply.Gid, Pid: reply.Pid, Data: d.userData}
		d.CompensateOpen(ctx, reply.NodeID, fh)
	case lookupFamily[reply.Opcode]:
		childID := le64(reply.Body[0:8])
		d.CompensateLookup(childID)
	}
}

// --- small helpers -------------------------------------------------------

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// splitNulTerminated splits raw into n parts; the first n-1 parts are
// NUL-terminated strings, the last part is the remainder (itself
// possibly NUL-terminated, trimmed). Returns nil if there are fewer
// than n-1 NUL bytes.
func splitNulTerminated(raw []byte, n int) []string {
	out := make([]string, 0, n)
	rest := raw
	for i := 0; i < n-1; i++ {
		idx := -1
		for j, b := range rest {
			if b == 0 {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil
		}
		out = append(out, string(rest[:idx]))
		rest = rest[idx+1:]
	}
	// Trim a single trailing NUL from the last part, if present.
	if len(rest) > 0 && rest[len(rest)-1] == 0 {
		rest = rest[:len(rest)-1]
	}
	out = append(out, string(rest))
	return out
}

func encodeEntryOut(n *Node, attr *Attr) []byte {
	body := make([]byte, 24)
	putLE64(body[0:8], n.ID)
	putLE64(body[8:16], n.Generation)
	if attr != nil {
		putLE64(body[16:24], attr.Ino)
	}
	return append(body, encodeAttrOut(attr)...)
}

func encodeAttrOut(attr *Attr) []byte {
	body := make([]byte, 48)
	if attr == nil {
		return body
	}
	putLE64(body[0:8], attr.Ino)
	putLE64(body[8:16], attr.Size)
	putLE32(body[16:20], attr.Mode)
	putLE32(body[20:24], attr.Uid)
	putLE32(body[24:28], attr.Gid)
	putLE32(body[28:32], attr.Nlink)
	putLE64(body[32:40], uint64(attr.Atime))
	putLE64(body[40:48], uint64(attr.Mtime))
	return body
}
