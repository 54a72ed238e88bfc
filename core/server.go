// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package core implements the pathname-translation layer that sits
// between a raw FUSE device and a filesystem author's callbacks: a
// node table that maps kernel-assigned ids to reconstructible paths,
// the request dispatcher and loop that drive it, and the supporting
// policies (hidden-rename-on-busy-unlink, directory buffering,
// version negotiation) a pathname-based filesystem needs.
package core

import (
	"os"
)

// Server owns a device, a dispatcher, and the request loop driving
// them, the way a mount state owns a mount file and its connector.
// Construct one with NewServer, then call Serve.
type Server struct {
	disp *Dispatcher
	loop *Loop
}

// NewServer builds a Server around dev, invoking ops's pathname
// callbacks for every request. mountPath is used only to disambiguate
// a clean unmount from a device fault (see Loop.isUnmount) and may be
// left empty if that distinction doesn't matter to the caller.
func NewServer(dev Device, ops *Ops, opts *Options, mountPath string, userData interface{}) *Server {
	if opts == nil {
		opts = &Options{}
	}
	disp := NewDispatcher(ops, opts, uint32(os.Getuid()), userData)
	loop := NewLoop(dev, disp, defaultMaxBackground, mountPath)
	return &Server{disp: disp, loop: loop}
}

// Table exposes the underlying node table, mainly for tests and for
// callers that want to report liveness/size metrics.
func (s *Server) Table() *NodeTable { return s.disp.Table() }

// Serve runs the request loop until the device is unmounted or
// returns an unrecoverable error. It blocks; callers that want to run
// several mounts, or want to keep control of their main goroutine,
// should invoke it in a goroutine of their own.
func (s *Server) Serve() {
	s.loop.Run()
}
