// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fsengine

import (
	"encoding/binary"

	"github.com/grailbio/lfs/wire"
)

// Fixed layout constants from the spec's data model.
const (
	BlockSize     = wire.BlockSize // B
	MaxInodes     = 4096           // N
	DirectBlocks  = 14             // D
	ShardInodes   = 16             // S
	ShardCount    = MaxInodes / ShardInodes
	EntriesPerDir = 128 // E
	NameSize      = wire.NameSize
)

// Node types.
const (
	TypeDir  = wire.TypeDir
	TypeFile = wire.TypeFile
)

// unassigned is the sentinel for an unset offset or inum slot.
const unassigned = -1

// inode is the on-disk inode record.
type inode struct {
	Size int32
	Type int32
	Data [DirectBlocks]int32
}

const inodeSize = 4 + 4 + DirectBlocks*4

func newInode(typ int32) *inode {
	in := &inode{Type: typ}
	for i := range in.Data {
		in.Data[i] = unassigned
	}
	return in
}

func (in *inode) encode() []byte {
	buf := make([]byte, inodeSize)
	off := putI32(buf, 0, in.Size)
	off = putI32(buf, off, in.Type)
	for _, v := range in.Data {
		off = putI32(buf, off, v)
	}
	return buf
}

func decodeInode(buf []byte) *inode {
	in := &inode{}
	in.Size, _ = getI32(buf, 0)
	in.Type, _ = getI32(buf, 4)
	off := 8
	for i := range in.Data {
		in.Data[i], off = getI32(buf, off)
	}
	return in
}

// imapShard is the on-disk inode-map shard record: the on-disk offset
// (or unassigned) of each of ShardInodes consecutive inodes.
type imapShard struct {
	Inodes [ShardInodes]int32
}

const shardSize = ShardInodes * 4

func newShard() *imapShard {
	s := &imapShard{}
	for i := range s.Inodes {
		s.Inodes[i] = unassigned
	}
	return s
}

func (s *imapShard) encode() []byte {
	buf := make([]byte, shardSize)
	off := 0
	for _, v := range s.Inodes {
		off = putI32(buf, off, v)
	}
	return buf
}

func decodeShard(buf []byte) *imapShard {
	s := &imapShard{}
	off := 0
	for i := range s.Inodes {
		s.Inodes[i], off = getI32(buf, off)
	}
	return s
}

// dirEntry is one (name, inum) slot of a directory block.
type dirEntry struct {
	Name [NameSize]byte
	Inum int32
}

func (e *dirEntry) nameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

func (e *dirEntry) setName(s string) {
	var buf [NameSize]byte
	copy(buf[:], s)
	e.Name = buf
}

// dirBlock is a full BlockSize-byte directory block of EntriesPerDir
// fixed-size entries.
type dirBlock struct {
	Entries [EntriesPerDir]dirEntry
}

const dirEntrySize = NameSize + 4

func newDirBlock() *dirBlock {
	b := &dirBlock{}
	for i := range b.Entries {
		b.Entries[i].Inum = unassigned
	}
	return b
}

func (b *dirBlock) encode() []byte {
	buf := make([]byte, BlockSize)
	off := 0
	for _, e := range b.Entries {
		off += copy(buf[off:], e.Name[:])
		off = putI32(buf, off, e.Inum)
	}
	return buf
}

func decodeDirBlock(buf []byte) *dirBlock {
	b := &dirBlock{}
	off := 0
	for i := range b.Entries {
		off += copy(b.Entries[i].Name[:], buf[off:off+NameSize])
		b.Entries[i].Inum, off = getI32(buf, off)
	}
	return b
}

func putI32(buf []byte, off int, v int32) int {
	binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	return off + 4
}

func getI32(buf []byte, off int) (int32, int) {
	return int32(binary.LittleEndian.Uint32(buf[off:])), off + 4
}
