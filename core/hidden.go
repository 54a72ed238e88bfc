// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"sync/atomic"
)

// hiddenRetryBudget bounds how many candidate shadow names the hidden-
// rename policy will try before giving up with Busy.
const hiddenRetryBudget = 10

// hiddenPolicy implements "hide on busy unlink/rename": a name that is
// currently open gets renamed out of the way instead of removed
// outright, when HardRemove is off.
type hiddenPolicy struct {
	ops     *Ops
	table   *NodeTable
	counter uint64 // process-lifetime counter, so names are not unique across remounts
}

func newHiddenPolicy(ops *Ops, table *NodeTable) *hiddenPolicy {
	return &hiddenPolicy{ops: ops, table: table}
}

// candidateName synthesizes a unique dotted basename of the form
// ".fuse_hidden<hex node id><hex counter>".
func (h *hiddenPolicy) candidateName(nodeID uint64) string {
	n := atomic.AddUint64(&h.counter, 1)
	return fmt.Sprintf(".fuse_hidden%08x%08x", nodeID, n)
}

// hide moves the live name at (parentID, name) — whose node is nodeID
// — to a freshly synthesized hidden name, and marks it IsHidden in the
// node table. It requires both Rename and Unlink to be present in Ops;
// without either, the busy-unlink/rename can never be completed later
// (there would be no way to physically remove the hidden file on last
// close), so the policy refuses with Busy.
func (h *hiddenPolicy) hide(ctx *Context, parentID uint64, nodeID uint64, name string) (hiddenName string, status Status) {
	if h.ops.Rename == nil || h.ops.Unlink == nil {
		return "", Busy
	}

	dirPath, ok := h.table.PathOf(parentID, "")
	if !ok {
		return "", NotFound
	}
	livePath, ok := h.table.PathOf(parentID, name)
	if !ok {
		return "", NotFound
	}

	for attempt := 0; attempt < hiddenRetryBudget; attempt++ {
		candidate := h.candidateName(nodeID)
		candidatePath := joinPath(dirPath, candidate)

		if _, exists := h.table.Lookup(parentID, candidate); exists {
			continue
		}
		if probeExists(h.ops, ctx, candidatePath) {
			continue
		}

		if st := h.ops.Rename(ctx, livePath, candidatePath); !st.Ok() {
			return "", st
		}

		if st := h.table.Rename(parentID, name, parentID, candidate, true); !st.Ok() {
			// Collision discovered only now that we hold the node
			// lock; the on-disk rename already happened, so retry
			// with a fresh candidate rather than leaving storage and
			// table out of sync.
			livePath = candidatePath
			continue
		}
		return candidate, OK
	}
	return "", Busy
}

// release is invoked when a hidden node's OpenCount reaches zero: it
// issues the user's Unlink against the hidden path.
func (h *hiddenPolicy) release(ctx *Context, parentID uint64, hiddenName string) Status {
	if h.ops.Unlink == nil {
		return Busy
	}
	path, ok := h.table.PathOf(parentID, hiddenName)
	if !ok {
		return NotFound
	}
	return h.ops.Unlink(ctx, path)
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
