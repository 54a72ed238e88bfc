// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"
)

// Mount invokes fusermount(1) to obtain a connected /dev/fuse file
// descriptor for mountPoint, the way a privileged mount(2) call would
// for a kernel filesystem. options is a comma-separated mount(8)-style
// option string, passed through verbatim via fusermount's -o flag.
func Mount(mountPoint string, options string) (*os.File, error) {
	fusermount, err := exec.LookPath("fusermount")
	if err != nil {
		return nil, fmt.Errorf("fusecore: fusermount not found: %w", err)
	}

	local, remote, err := unixgramSocketpair()
	if err != nil {
		return nil, err
	}
	defer local.Close()
	defer remote.Close()

	cmd := []string{fusermount, mountPoint}
	if options != "" {
		cmd = append(cmd, "-o", options)
	}
	proc, err := os.StartProcess(fusermount, cmd, &os.ProcAttr{
		Env:   []string{"_FUSE_COMMFD=3"},
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, remote},
	})
	if err != nil {
		return nil, err
	}
	w, err := proc.Wait()
	if err != nil {
		return nil, err
	}
	if !w.Success() {
		return nil, fmt.Errorf("fusecore: fusermount exited with code %v", w.Sys())
	}

	fd, err := recvDeviceFD(local)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "/dev/fuse"), nil
}

// Unmount tears a mount down: a privileged umount(2) if the caller is
// root, otherwise fusermount -u, matching how the filesystem was
// originally brought up.
func Unmount(mountPoint string) error {
	if os.Geteuid() == 0 {
		return syscall.Unmount(mountPoint, 0)
	}
	fusermount, err := exec.LookPath("fusermount")
	if err != nil {
		return fmt.Errorf("fusecore: fusermount not found: %w", err)
	}
	errBuf := bytes.Buffer{}
	cmd := exec.Command(fusermount, "-u", mountPoint)
	cmd.Stderr = &errBuf
	err = cmd.Run()
	if errBuf.Len() > 0 {
		return fmt.Errorf("fusecore: %s (code %v)", errBuf.String(), err)
	}
	return err
}

func unixgramSocketpair() (l, r *os.File, err error) {
	fd, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err.(syscall.Errno))
	}
	l = os.NewFile(uintptr(fd[0]), "fusermount-comm-half1")
	r = os.NewFile(uintptr(fd[1]), "fusermount-comm-half2")
	return l, r, nil
}

// recvDeviceFD reads the SCM_RIGHTS control message fusermount sends
// over local, carrying the already-opened /dev/fuse descriptor.
func recvDeviceFD(local *os.File) (int, error) {
	var data [4]byte
	control := make([]byte, 4*256)

	_, oobn, _, _, err := syscall.Recvmsg(int(local.Fd()), data[:], control[:], 0)
	if err != nil {
		return 0, err
	}
	if oobn <= syscall.SizeofCmsghdr {
		return 0, fmt.Errorf("fusecore: short control message (%d bytes)", oobn)
	}

	hdr := *(*syscall.Cmsghdr)(unsafe.Pointer(&control[0]))
	fd := *(*int32)(unsafe.Pointer(uintptr(unsafe.Pointer(&control[0])) + syscall.SizeofCmsghdr))
	if hdr.Type != syscall.SCM_RIGHTS {
		return 0, fmt.Errorf("fusecore: unexpected control message type %d", hdr.Type)
	}
	if fd < 0 {
		return 0, fmt.Errorf("fusecore: received negative fd %d", fd)
	}
	return int(fd), nil
}
