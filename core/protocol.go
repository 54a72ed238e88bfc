// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"encoding/binary"
	"errors"
	"io"
)

// Opcode numbers the dispatcher switches on, matching the standard
// FUSE kernel protocol's opcode numbering. The device protocol itself
// (argument layout beyond these fixed headers) is an external contract
// this package doesn't attempt to fully reproduce.
type Opcode int32

const (
	OpLookup      Opcode = 1
	OpForget      Opcode = 2
	OpGetAttr     Opcode = 3
	OpSetAttr     Opcode = 4
	OpReadLink    Opcode = 5
	OpSymlink     Opcode = 6
	OpMknod       Opcode = 8
	OpMkdir       Opcode = 9
	OpUnlink      Opcode = 10
	OpRmdir       Opcode = 11
	OpRename      Opcode = 12
	OpLink        Opcode = 13
	OpOpen        Opcode = 14
	OpRead        Opcode = 15
	OpWrite       Opcode = 16
	OpStatfs      Opcode = 17
	OpRelease     Opcode = 18
	OpFsync       Opcode = 20
	OpSetXAttr    Opcode = 21
	OpGetXAttr    Opcode = 22
	OpListXAttr   Opcode = 23
	OpRemoveXAttr Opcode = 24
	OpFlush       Opcode = 25
	OpInit        Opcode = 26
	OpOpendir     Opcode = 27
	OpReaddir     Opcode = 28
	OpReleasedir  Opcode = 29
	OpFsyncdir    Opcode = 30
	OpDestroy     Opcode = 38
)

// whitelisted opcodes are exempt from the allow-root uid gate because they only ever reference an already-opened handle,
// not a path, so there is nothing new to authorize.
var whitelistedOpcodes = map[Opcode]bool{
	OpRead:        true,
	OpWrite:       true,
	OpFsync:       true,
	OpRelease:     true,
	OpReaddir:     true,
	OpFsyncdir:    true,
	OpReleasedir:  true,
	OpInit:        true,
}

// headerSize is the fixed request header: length, opcode, unique,
// node_id, uid, gid, pid, padding, each a little-endian field.
const headerSize = 40

// InHeader is the fixed portion of every request.
type InHeader struct {
	Length  uint32
	Opcode  Opcode
	Unique  uint64
	NodeID  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
}

// decodeHeader parses the fixed header from the front of a raw request
// buffer, returning the remaining opcode-specific argument bytes.
func decodeHeader(raw []byte) (InHeader, []byte, error) {
	if len(raw) < headerSize {
		return InHeader{}, nil, errors.New("fusecore: short request header")
	}
	var h InHeader
	h.Length = binary.LittleEndian.Uint32(raw[0:4])
	h.Opcode = Opcode(binary.LittleEndian.Uint32(raw[4:8]))
	h.Unique = binary.LittleEndian.Uint64(raw[8:16])
	h.NodeID = binary.LittleEndian.Uint64(raw[16:24])
	h.Uid = binary.LittleEndian.Uint32(raw[24:28])
	h.Gid = binary.LittleEndian.Uint32(raw[28:32])
	h.Pid = binary.LittleEndian.Uint32(raw[32:36])
	return h, raw[headerSize:], nil
}

// outHeaderSize is the fixed reply header: length, error, unique.
const outHeaderSize = 16

// encodeReply serializes the fixed reply header followed by body, for
// a single vector write to the device.
func encodeReply(unique uint64, status Status, body []byte) []byte {
	out := make([]byte, outHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(outHeaderSize+len(body)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(int32(status)))
	binary.LittleEndian.PutUint64(out[8:16], unique)
	copy(out[outHeaderSize:], body)
	return out
}

// Supported protocol majors. CurrentMajor is the only one this core
// fully implements; legacyMajors are recognized during negotiation but
// negotiation simply downgrades the minor to what that major supports
// rather than reproducing its field-layout quirks.
const (
	CurrentMajor = 7
	CurrentMinor = 31
)

var legacyMajors = map[uint32]uint32{
	5: 0,
	6: 0,
}

// InitParams is what the Init opcode's argument carries.
type InitParams struct {
	Major uint32
	Minor uint32
}

// NegotiateVersion implements the init handler's version negotiation:
// accept the current major as-is, clamping the minor down to the
// highest one supported; accept a legacy major by reporting back a
// minor of 0; reject anything else with ProtoError.
func NegotiateVersion(req InitParams) (InitParams, Status) {
	if req.Major == CurrentMajor {
		minor := req.Minor
		if minor > CurrentMinor {
			minor = CurrentMinor
		}
		return InitParams{Major: CurrentMajor, Minor: minor}, OK
	}
	if _, ok := legacyMajors[req.Major]; ok {
		return InitParams{Major: req.Major, Minor: 0}, OK
	}
	return InitParams{}, ProtoError
}

// Device is the transport the request loop reads from and writes to.
// Obtaining and mounting the underlying file descriptor is the
// caller's responsibility; this core only needs framed read/write.
type Device interface {
	io.Reader
	io.Writer
}

// ReadRequest reads exactly one framed request. The first 4 bytes are
// a little-endian total-length field (the same value the decoded
// InHeader.Length carries), covering the whole message including those
// 4 bytes.
func ReadRequest(dev io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(dev, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n < 4 {
		return nil, errors.New("fusecore: request length field too small")
	}
	msg := make([]byte, n)
	copy(msg, lenBuf[:])
	if _, err := io.ReadFull(dev, msg[4:]); err != nil {
		return nil, err
	}
	return msg, nil
}

// WriteReply writes one framed reply as a single Write call, so the
// kernel sees it arrive atomically.
func WriteReply(dev io.Writer, reply []byte) error {
	_, err := dev.Write(reply)
	return err
}
