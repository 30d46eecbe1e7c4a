// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package fsengine implements the log-structured file server's
// operational semantics: the checkpoint region, the sharded inode map,
// inode and directory-block formats, and the lookup/stat/read/write/
// creat/unlink/shutdown operations described by the on-disk layout.
//
// All persistence goes through a single image file (imagestore.Store).
// Mutating operations append new data blocks, directory blocks, inodes,
// and inode-map shards to the tail of the log, and rewrite existing
// inode, shard, and directory-block records in place at their current
// offsets; the checkpoint region at offset 0 is rewritten at the end of
// every mutation to publish visibility of those updates.
package fsengine

import (
	"github.com/grailbio/lfs/checkpoint"
	"github.com/grailbio/lfs/errors"
	"github.com/grailbio/lfs/imagestore"
	"github.com/grailbio/lfs/log"
	"github.com/grailbio/lfs/logalloc"
	"github.com/grailbio/lfs/wire"
)

// RootInum is the inode number of the root directory, always inode 0.
const RootInum = 0

// Engine implements the filesystem operations against a single image.
// It owns the checkpoint region and the log allocator; it is not safe
// for concurrent use, matching the single-threaded dispatcher model.
type Engine struct {
	store *imagestore.Store
	cr    *checkpoint.Manager
	alloc *logalloc.Allocator
}

// Open opens (or creates and bootstraps) the file server image at path.
func Open(path string) (*Engine, error) {
	store, created, err := imagestore.Open(path)
	if err != nil {
		return nil, err
	}
	cr, err := checkpoint.Open(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	e := &Engine{
		store: store,
		cr:    cr,
		alloc: logalloc.New(store, cr),
	}
	if created {
		if err := e.bootstrap(); err != nil {
			store.Close()
			return nil, err
		}
		log.Printf("fsengine: initialized new image at %s", path)
	} else {
		if err := cr.Recover(); err != nil {
			store.Close()
			return nil, err
		}
		log.Printf("fsengine: recovered image at %s", path)
	}
	return e, nil
}

// Close releases the underlying image file without syncing. Shutdown
// should be used to end a session durably.
func (e *Engine) Close() error {
	return e.store.Close()
}

// bootstrap creates the checkpoint region, the root directory block, the
// root inode, and shard 0, in that order, each appended before the final
// CR rewrite, per the spec's first-time-init procedure.
func (e *Engine) bootstrap() error {
	if err := e.cr.Bootstrap(); err != nil {
		return err
	}

	root := newDirBlock()
	root.Entries[0].setName(".")
	root.Entries[0].Inum = RootInum
	root.Entries[1].setName("..")
	root.Entries[1].Inum = RootInum
	dirOff, err := e.alloc.Append(root.encode())
	if err != nil {
		return err
	}

	rootInode := newInode(TypeDir)
	rootInode.Size = BlockSize
	rootInode.Data[0] = dirOff
	inodeOff, err := e.alloc.Append(rootInode.encode())
	if err != nil {
		return err
	}

	shard := newShard()
	shard.Inodes[0] = inodeOff
	shardOff, err := e.alloc.Append(shard.encode())
	if err != nil {
		return err
	}
	e.cr.SetShardOffset(0, shardOff)

	return e.cr.Rewrite()
}

// resolve returns the on-disk offset of inum's inode, per the shard-then-
// slot lookup described by the spec.
func (e *Engine) resolve(inum int32) (int32, error) {
	if inum < 0 || int(inum) >= MaxInodes {
		return 0, errors.E(errors.Invalid, "inum out of range")
	}
	shard, slot := int(inum)/ShardInodes, int(inum)%ShardInodes
	shardOff := e.cr.ShardOffset(shard)
	if shardOff == unassigned {
		return 0, errors.E(errors.NotExist, "no such inode")
	}
	rec, err := e.readShard(shardOff)
	if err != nil {
		return 0, err
	}
	inodeOff := rec.Inodes[slot]
	if inodeOff == unassigned {
		return 0, errors.E(errors.NotExist, "no such inode")
	}
	return inodeOff, nil
}

func (e *Engine) readInode(offset int32) (*inode, error) {
	buf := make([]byte, inodeSize)
	if err := e.store.ReadAt(int64(offset), buf); err != nil {
		return nil, err
	}
	return decodeInode(buf), nil
}

func (e *Engine) writeInodeAt(offset int32, in *inode) error {
	return e.store.WriteAt(int64(offset), in.encode())
}

func (e *Engine) readShard(offset int32) (*imapShard, error) {
	buf := make([]byte, shardSize)
	if err := e.store.ReadAt(int64(offset), buf); err != nil {
		return nil, err
	}
	return decodeShard(buf), nil
}

func (e *Engine) writeShardAt(offset int32, s *imapShard) error {
	return e.store.WriteAt(int64(offset), s.encode())
}

func (e *Engine) readDirBlock(offset int32) (*dirBlock, error) {
	buf := make([]byte, BlockSize)
	if err := e.store.ReadAt(int64(offset), buf); err != nil {
		return nil, err
	}
	return decodeDirBlock(buf), nil
}

func (e *Engine) writeDirBlockAt(offset int32, b *dirBlock) error {
	return e.store.WriteAt(int64(offset), b.encode())
}

// Lookup resolves name within directory pinum. It returns an error of
// kind errors.NotExist if name is not found, following the original's
// literal scan: it stops at the first unused direct slot rather than
// continuing to look for used slots beyond a hole.
func (e *Engine) Lookup(pinum int32, name string) (int32, error) {
	parentOff, err := e.resolve(pinum)
	if err != nil {
		return 0, err
	}
	parent, err := e.readInode(parentOff)
	if err != nil {
		return 0, err
	}
	if parent.Type != TypeDir {
		return 0, errors.E(errors.Precondition, "lookup: parent is not a directory")
	}
	for _, off := range parent.Data {
		if off == unassigned {
			break
		}
		block, err := e.readDirBlock(off)
		if err != nil {
			return 0, err
		}
		for _, ent := range block.Entries {
			if ent.Inum == unassigned {
				continue
			}
			if ent.nameString() == name {
				return ent.Inum, nil
			}
		}
	}
	return 0, errors.E(errors.NotExist, "lookup: no such entry")
}

// Stat returns the size and type of inum's inode.
func (e *Engine) Stat(inum int32) (wire.StatInfo, error) {
	off, err := e.resolve(inum)
	if err != nil {
		return wire.StatInfo{}, err
	}
	in, err := e.readInode(off)
	if err != nil {
		return wire.StatInfo{}, err
	}
	return wire.StatInfo{Type: in.Type, Size: in.Size}, nil
}

// Read returns the contents of direct block blockIdx of inum. Inode type
// is not checked, matching the original: directory blocks are readable
// via Read. An unwritten slot (-1) returns a zero-filled buffer rather
// than undefined bytes; the spec permits this as a harmless hardening of
// "implementation-defined" behavior.
func (e *Engine) Read(inum int32, blockIdx int32) ([]byte, error) {
	off, err := e.resolve(inum)
	if err != nil {
		return nil, err
	}
	if blockIdx < 0 || int(blockIdx) >= DirectBlocks {
		return nil, errors.E(errors.Invalid, "read: block index out of range")
	}
	in, err := e.readInode(off)
	if err != nil {
		return nil, err
	}
	blockOff := in.Data[blockIdx]
	if blockOff == unassigned {
		return make([]byte, BlockSize), nil
	}
	buf := make([]byte, BlockSize)
	if err := e.store.ReadAt(int64(blockOff), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write appends a new BlockSize-byte version of direct block blockIdx to
// the log and rewrites inum's inode in place to point at it. This
// updates the inode's existing on-disk record rather than allocating a
// new version, a deliberate departure from pure log-structured discipline
// that the spec formalizes as the actual behavior.
func (e *Engine) Write(inum int32, blockIdx int32, data []byte) error {
	if len(data) != BlockSize {
		return errors.E(errors.Invalid, "write: buffer must be exactly one block")
	}
	off, err := e.resolve(inum)
	if err != nil {
		return err
	}
	if blockIdx < 0 || int(blockIdx) >= DirectBlocks {
		return errors.E(errors.Invalid, "write: block index out of range")
	}
	in, err := e.readInode(off)
	if err != nil {
		return err
	}
	if in.Type != TypeFile {
		return errors.E(errors.Precondition, "write: inode is not a regular file")
	}

	blockOff, err := e.alloc.Append(data)
	if err != nil {
		return err
	}
	in.Data[blockIdx] = blockOff
	in.Size = (blockIdx + 1) * BlockSize
	if err := e.writeInodeAt(off, in); err != nil {
		return err
	}
	log.Debug.Printf("fsengine: write inum=%d block=%d at=%d", inum, blockIdx, blockOff)
	return e.cr.Rewrite()
}

// dirFull reports whether in (a directory inode) has no room for a new
// entry: every used direct slot must point at a block whose entries are
// all occupied, and all DirectBlocks slots must be in use.
func (e *Engine) dirFull(in *inode) (bool, error) {
	for _, off := range in.Data {
		if off == unassigned {
			return false, nil
		}
		block, err := e.readDirBlock(off)
		if err != nil {
			return false, err
		}
		for _, ent := range block.Entries {
			if ent.Inum == unassigned {
				return false, nil
			}
		}
	}
	return true, nil
}

// Creat creates name in directory pinum as a new inode of type typ,
// returning its inum. If name already exists, Creat is a no-op that
// returns the existing inum (idempotent under client retransmission).
func (e *Engine) Creat(pinum int32, typ int32, name string) (int32, error) {
	if pinum < 0 || int(pinum) >= MaxInodes {
		return 0, errors.E(errors.Invalid, "creat: pinum out of range")
	}
	if len(name) > wire.MaxNameLen {
		return 0, errors.E(errors.Invalid, "creat: name too long")
	}
	if existing, err := e.Lookup(pinum, name); err == nil {
		return existing, nil
	}

	parentOff, err := e.resolve(pinum)
	if err != nil {
		return 0, err
	}
	parent, err := e.readInode(parentOff)
	if err != nil {
		return 0, err
	}
	if parent.Type != TypeDir {
		return 0, errors.E(errors.Precondition, "creat: parent is not a directory")
	}
	full, err := e.dirFull(parent)
	if err != nil {
		return 0, err
	}
	if full {
		return 0, errors.E(errors.ResourcesExhausted, "creat: parent directory is full")
	}

	// 1. Allocate and append the new inode.
	newIn := newInode(typ)
	inodeOff, err := e.alloc.Append(newIn.encode())
	if err != nil {
		return 0, err
	}

	// 2. Assign an inum: the first shard/slot, in ascending order, that
	// is unassigned or has a free slot.
	newInum, err := e.assignInum(inodeOff)
	if err != nil {
		return 0, err
	}

	// 3. If a directory, append its "." / ".." block and rewrite the new
	// inode with a pointer to it.
	if typ == TypeDir {
		block := newDirBlock()
		block.Entries[0].setName(".")
		block.Entries[0].Inum = newInum
		block.Entries[1].setName("..")
		block.Entries[1].Inum = pinum
		blockOff, err := e.alloc.Append(block.encode())
		if err != nil {
			return 0, err
		}
		newIn.Data[0] = blockOff
		newIn.Size = BlockSize
		if err := e.writeInodeAt(inodeOff, newIn); err != nil {
			return 0, err
		}
	}

	// 4. Insert (name, newInum) into the parent directory.
	if err := e.insertEntry(parentOff, parent, name, newInum); err != nil {
		return 0, err
	}

	// 5. Publish.
	log.Debug.Printf("fsengine: creat pinum=%d name=%q inum=%d", pinum, name, newInum)
	if err := e.cr.Rewrite(); err != nil {
		return 0, err
	}
	return newInum, nil
}

// assignInum walks the checkpoint region's shard table in ascending
// (shard, slot) order to find the first free slot, allocating a fresh
// shard if none has room, and records inodeOff there.
func (e *Engine) assignInum(inodeOff int32) (int32, error) {
	for i := 0; i < ShardCount; i++ {
		shardOff := e.cr.ShardOffset(i)
		if shardOff == unassigned {
			shard := newShard()
			shard.Inodes[0] = inodeOff
			newShardOff, err := e.alloc.Append(shard.encode())
			if err != nil {
				return 0, err
			}
			e.cr.SetShardOffset(i, newShardOff)
			return int32(i * ShardInodes), nil
		}
		shard, err := e.readShard(shardOff)
		if err != nil {
			return 0, err
		}
		for j, v := range shard.Inodes {
			if v != unassigned {
				continue
			}
			shard.Inodes[j] = inodeOff
			if err := e.writeShardAt(shardOff, shard); err != nil {
				return 0, err
			}
			return int32(i*ShardInodes + j), nil
		}
	}
	return 0, errors.E(errors.ResourcesExhausted, "creat: no free inode number")
}

// insertEntry writes (name, inum) into the first available slot of
// parent's direct blocks, appending a new block if every existing one is
// full, per the spec's insertion order.
func (e *Engine) insertEntry(parentOff int32, parent *inode, name string, inum int32) error {
	for k, off := range parent.Data {
		if off != unassigned {
			block, err := e.readDirBlock(off)
			if err != nil {
				return err
			}
			inserted := false
			for j := range block.Entries {
				if block.Entries[j].Inum != unassigned {
					continue
				}
				block.Entries[j].Inum = inum
				block.Entries[j].setName(name)
				inserted = true
				break
			}
			if inserted {
				return e.writeDirBlockAt(off, block)
			}
			continue
		}
		block := newDirBlock()
		block.Entries[0].Inum = inum
		block.Entries[0].setName(name)
		blockOff, err := e.alloc.Append(block.encode())
		if err != nil {
			return err
		}
		parent.Data[k] = blockOff
		parent.Size += BlockSize
		return e.writeInodeAt(parentOff, parent)
	}
	return errors.E(errors.ResourcesExhausted, "creat: parent directory is full")
}

// Unlink removes name from directory pinum. If name does not exist,
// Unlink is a no-op that returns success, tolerating retransmission of
// an already-applied unlink. Unlinking a non-empty directory fails.
func (e *Engine) Unlink(pinum int32, name string) error {
	if pinum < 0 || int(pinum) >= MaxInodes {
		return errors.E(errors.Invalid, "unlink: pinum out of range")
	}
	inum, err := e.Lookup(pinum, name)
	if err != nil {
		return nil // idempotent: nothing to unlink
	}

	targetOff, err := e.resolve(inum)
	if err != nil {
		return err
	}
	target, err := e.readInode(targetOff)
	if err != nil {
		return err
	}
	if target.Type == TypeDir {
		empty, err := e.dirEmpty(target)
		if err != nil {
			return err
		}
		if !empty {
			return errors.E(errors.Precondition, "unlink: directory not empty")
		}
	}

	parentOff, err := e.resolve(pinum)
	if err != nil {
		return err
	}
	parent, err := e.readInode(parentOff)
	if err != nil {
		return err
	}
	if err := e.removeEntry(parent, name); err != nil {
		return err
	}

	if err := e.clearShardSlot(inum); err != nil {
		return err
	}

	log.Debug.Printf("fsengine: unlink pinum=%d name=%q inum=%d", pinum, name, inum)
	return e.cr.Rewrite()
}

// dirEmpty reports whether a directory inode has no entries beyond the
// "." and ".." pair in its first block.
func (e *Engine) dirEmpty(in *inode) (bool, error) {
	for i, off := range in.Data {
		if off == unassigned {
			continue
		}
		block, err := e.readDirBlock(off)
		if err != nil {
			return false, err
		}
		start := 0
		if i == 0 {
			start = 2
		}
		for _, ent := range block.Entries[start:] {
			if ent.Inum != unassigned {
				return false, nil
			}
		}
	}
	return true, nil
}

// removeEntry clears the first directory-block entry named name.
func (e *Engine) removeEntry(parent *inode, name string) error {
	for _, off := range parent.Data {
		if off == unassigned {
			continue
		}
		block, err := e.readDirBlock(off)
		if err != nil {
			return err
		}
		for j := range block.Entries {
			ent := &block.Entries[j]
			if ent.Inum == unassigned || ent.nameString() != name {
				continue
			}
			ent.Inum = unassigned
			ent.setName("")
			return e.writeDirBlockAt(off, block)
		}
	}
	return nil
}

// clearShardSlot marks inum's shard slot free, and frees the shard
// itself if that was its last live inode.
func (e *Engine) clearShardSlot(inum int32) error {
	shard, slot := int(inum)/ShardInodes, int(inum)%ShardInodes
	shardOff := e.cr.ShardOffset(shard)
	rec, err := e.readShard(shardOff)
	if err != nil {
		return err
	}
	rec.Inodes[slot] = unassigned
	if err := e.writeShardAt(shardOff, rec); err != nil {
		return err
	}
	for _, v := range rec.Inodes {
		if v != unassigned {
			return nil
		}
	}
	e.cr.SetShardOffset(shard, unassigned)
	return nil
}

// Shutdown syncs the image to durable storage. The caller (lfsserver) is
// responsible for sending the reply before terminating the process, and
// for terminating it afterward.
func (e *Engine) Shutdown() error {
	return e.store.Sync()
}
