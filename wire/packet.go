// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the fixed-size request/reply record exchanged
// between lfsclient and lfsserver. The record's byte layout is part of
// the protocol: every field has a fixed width and position, encoded in
// little-endian order, so that client and server need not agree on
// anything beyond this package.
package wire

import (
	"encoding/binary"

	"github.com/grailbio/lfs/errors"
)

// Block size and name length are fixed by the on-disk format; see
// package fsengine for their use in the log.
const (
	BlockSize  = 4096
	NameSize   = 28
	MaxNameLen = NameSize - 1 // excluding the trailing NUL
)

// Tag identifies the kind of request carried by a Packet.
type Tag int32

const (
	Init Tag = iota
	Lookup
	Stat
	Write
	Read
	Creat
	Unlink
	Shutdown
)

func (t Tag) String() string {
	switch t {
	case Init:
		return "INIT"
	case Lookup:
		return "LOOKUP"
	case Stat:
		return "STAT"
	case Write:
		return "WRITE"
	case Read:
		return "READ"
	case Creat:
		return "CREAT"
	case Unlink:
		return "UNLINK"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// StatInfo carries the reply-side fields of a STAT request.
type StatInfo struct {
	Type int32
	Size int32
}

// Node types, carried on the wire in Packet.Type.
const (
	TypeDir  int32 = 0
	TypeFile int32 = 1
)

// Packet is the fixed-size request/reply record. The zero value is a
// usable, empty packet.
type Packet struct {
	Request   Tag
	Inum      int32
	Name      [NameSize]byte
	Stat      StatInfo
	Buffer    [BlockSize]byte
	Block     int32
	Type      int32
	ReturnVal int32
}

// Size is the wire size of a Packet, in bytes.
const Size = 4 /*Request*/ + 4 /*Inum*/ + NameSize + 4 + 4 /*Stat*/ + BlockSize /*Buffer*/ + 4 /*Block*/ + 4 /*Type*/ + 4 /*ReturnVal*/

// PutName copies s into Name as a NUL-terminated, fixed-capacity byte
// string. It returns an Invalid error if s (excluding the NUL) would not
// fit.
func (p *Packet) PutName(s string) error {
	if len(s) > MaxNameLen {
		return errors.E(errors.Invalid, "name too long: "+s)
	}
	var buf [NameSize]byte
	copy(buf[:], s)
	p.Name = buf
	return nil
}

// NameString returns Name as a Go string, truncated at the first NUL.
func (p *Packet) NameString() string {
	n := 0
	for n < len(p.Name) && p.Name[n] != 0 {
		n++
	}
	return string(p.Name[:n])
}

// Marshal encodes p into a freshly allocated Size-byte buffer.
func Marshal(p *Packet) []byte {
	buf := make([]byte, Size)
	off := 0
	off = putInt32(buf, off, int32(p.Request))
	off = putInt32(buf, off, p.Inum)
	off += copy(buf[off:], p.Name[:])
	off = putInt32(buf, off, p.Stat.Type)
	off = putInt32(buf, off, p.Stat.Size)
	off += copy(buf[off:], p.Buffer[:])
	off = putInt32(buf, off, p.Block)
	off = putInt32(buf, off, p.Type)
	off = putInt32(buf, off, p.ReturnVal)
	return buf
}

// Unmarshal decodes a Size-byte wire record into p.
func Unmarshal(buf []byte, p *Packet) error {
	if len(buf) != Size {
		return errors.E(errors.Invalid, "malformed packet")
	}
	off := 0
	var tag int32
	tag, off = getInt32(buf, off)
	p.Request = Tag(tag)
	p.Inum, off = getInt32(buf, off)
	off += copy(p.Name[:], buf[off:off+NameSize])
	p.Stat.Type, off = getInt32(buf, off)
	p.Stat.Size, off = getInt32(buf, off)
	off += copy(p.Buffer[:], buf[off:off+BlockSize])
	p.Block, off = getInt32(buf, off)
	p.Type, off = getInt32(buf, off)
	p.ReturnVal, off = getInt32(buf, off)
	return nil
}

func putInt32(buf []byte, off int, v int32) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	return off + 4
}

func getInt32(buf []byte, off int) (int32, int) {
	return int32(binary.LittleEndian.Uint32(buf[off:])), off + 4
}
