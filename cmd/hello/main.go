// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hello mounts a filesystem with a single read-only file,
// file.txt, exercising the core package's pathname callback table end
// to end against a real kernel mount.
package main

import (
	"flag"
	"log"

	"github.com/go-fusekit/fusecore/core"
)

const fileContents = "world\n"

func attr(path string) *core.Attr {
	if path == "/" {
		return &core.Attr{Ino: 1, Mode: 0755 | 0040000, Nlink: 2}
	}
	if path == "/file.txt" {
		return &core.Attr{Ino: 2, Mode: 0444 | 0100000, Size: uint64(len(fileContents)), Nlink: 1}
	}
	return nil
}

func main() {
	debug := flag.Bool("debug", false, "print per-request tracing")
	optString := flag.String("o", "", "comma-separated mount options")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatal("usage: hello MOUNTPOINT")
	}
	mountPoint := flag.Arg(0)

	opts, err := core.ParseOptions(*optString)
	if err != nil {
		log.Fatalf("hello: %v", err)
	}
	opts.Debug = *debug

	ops := &core.Ops{
		GetAttr: func(ctx *core.Context, path string) (*core.Attr, core.Status) {
			a := attr(path)
			if a == nil {
				return nil, core.NotFound
			}
			return a, core.OK
		},
		OpenDir: func(ctx *core.Context, path string) (interface{}, core.Status) {
			if path != "/" {
				return nil, core.NotFound
			}
			return nil, core.OK
		},
		ReadDir: func(ctx *core.Context, path string, handle interface{}, offset uint64, fill core.FillFunc) core.Status {
			if offset == 0 {
				fill(core.DirEntry{Name: "file.txt", Mode: 0100000, Ino: 2})
			}
			return core.OK
		},
		Open: func(ctx *core.Context, path string, flags uint32) (interface{}, core.Status) {
			if path != "/file.txt" {
				return nil, core.NotFound
			}
			return nil, core.OK
		},
		Read: func(ctx *core.Context, path string, handle interface{}, dest []byte, off int64) (int, core.Status) {
			if off >= int64(len(fileContents)) {
				return 0, core.OK
			}
			n := copy(dest, fileContents[off:])
			return n, core.OK
		},
	}

	dev, err := core.Mount(mountPoint, *optString)
	if err != nil {
		log.Fatalf("hello: mount failed: %v", err)
	}
	defer dev.Close()

	server := core.NewServer(dev, ops, opts, mountPoint, nil)
	log.Printf("hello: mounted on %s", mountPoint)
	server.Serve()
}
