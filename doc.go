// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fusecore implements the pathname-translation layer of a FUSE
// filesystem: a node table mapping kernel-assigned ids to reconstructible
// paths, a protocol dispatcher and request loop built on top of it, and the
// supporting policies (hidden-rename-on-busy-unlink, directory buffering,
// version negotiation) a pathname-based filesystem needs.
//
// See the core subpackage for the implementation, and cmd/hello for a
// minimal filesystem built on it.
package fusecore
