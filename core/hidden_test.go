// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "testing"

// fakeFS simulates backing storage with a map, and its ops method builds
// an *Ops over it, for tests that exercise the hidden-rename policy
// without a real mount.
type fakeFS struct {
	renamed []struct{ from, to string }
	removed []string
	exists  map[string]bool
}

func newFakeFS(names ...string) *fakeFS {
	f := &fakeFS{exists: map[string]bool{}}
	for _, n := range names {
		f.exists[n] = true
	}
	return f
}

func (f *fakeFS) ops() *Ops {
	return &Ops{
		Rename: func(ctx *Context, oldPath, newPath string) Status {
			if !f.exists[oldPath] {
				return NotFound
			}
			delete(f.exists, oldPath)
			f.exists[newPath] = true
			f.renamed = append(f.renamed, struct{ from, to string }{oldPath, newPath})
			return OK
		},
		Unlink: func(ctx *Context, path string) Status {
			if !f.exists[path] {
				return NotFound
			}
			delete(f.exists, path)
			f.removed = append(f.removed, path)
			return OK
		},
		GetAttr: func(ctx *Context, path string) (*Attr, Status) {
			if !f.exists[path] {
				return nil, NotFound
			}
			return &Attr{}, OK
		},
	}
}

func TestHiddenPolicyHideThenReleaseUnlinksExactlyOnce(t *testing.T) {
	fs := newFakeFS("/busy.txt")
	table := NewNodeTable()
	n := table.LookupOrInsert(RootID, "busy.txt", 1)
	policy := newHiddenPolicy(fs.ops(), table)
	ctx := &Context{}

	hiddenName, status := policy.hide(ctx, RootID, n.ID, "busy.txt")
	if !status.Ok() {
		t.Fatalf("hide: %v", status)
	}
	if len(fs.renamed) != 1 || fs.renamed[0].from != "/busy.txt" {
		t.Fatalf("unexpected rename trail: %+v", fs.renamed)
	}
	if fs.exists["/busy.txt"] {
		t.Fatalf("live name still exists on backing storage after hide")
	}

	status = policy.release(ctx, RootID, hiddenName)
	if !status.Ok() {
		t.Fatalf("release: %v", status)
	}
	if len(fs.removed) != 1 {
		t.Fatalf("unlink was not issued exactly once: %+v", fs.removed)
	}

	// A second release attempt (as if called twice by mistake) must not
	// silently succeed against storage that no longer has the file.
	if status := policy.release(ctx, RootID, hiddenName); status.Ok() {
		t.Fatalf("release of an already-removed hidden name reported OK")
	}
}

func TestHiddenPolicyRefusesWithoutRenameOrUnlink(t *testing.T) {
	table := NewNodeTable()
	n := table.LookupOrInsert(RootID, "busy.txt", 1)

	noUnlink := &Ops{Rename: func(*Context, string, string) Status { return OK }}
	policy := newHiddenPolicy(noUnlink, table)
	if _, status := policy.hide(&Context{}, RootID, n.ID, "busy.txt"); status != Busy {
		t.Fatalf("hide without Unlink = %v, want Busy", status)
	}

	noRename := &Ops{Unlink: func(*Context, string) Status { return OK }}
	policy = newHiddenPolicy(noRename, table)
	if _, status := policy.hide(&Context{}, RootID, n.ID, "busy.txt"); status != Busy {
		t.Fatalf("hide without Rename = %v, want Busy", status)
	}
}

func TestHiddenPolicyCandidateNamesAreUnique(t *testing.T) {
	table := NewNodeTable()
	policy := newHiddenPolicy(&Ops{}, table)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := policy.candidateName(7)
		if seen[name] {
			t.Fatalf("candidateName produced a repeat: %s", name)
		}
		seen[name] = true
	}
}
