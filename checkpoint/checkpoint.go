// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint owns the in-memory mirror of the checkpoint region
// (CR): the fixed-size record at image offset 0 that names, for every
// inode-map shard, the current on-disk offset of that shard, plus the
// current log tail. It is the single source of truth for what is
// reachable in the image; no log replay is ever required to recover it.
package checkpoint

import (
	"encoding/binary"

	"github.com/grailbio/lfs/errors"
	"github.com/grailbio/lfs/imagestore"
)

// ShardCount is the number of inode-map shards (P = N/S in spec terms).
const ShardCount = 256

// Unassigned is the sentinel value for an unallocated shard, inode, or
// direct-block slot.
const Unassigned = -1

// CR is the checkpoint region: a shard-offset table plus the log tail.
// All offsets are 32-bit, matching the fixed on-disk record size.
type CR struct {
	Imap     [ShardCount]int32
	EndOfLog int32
}

// Size is the on-disk byte size of a CR record: ShardCount*4 + 4.
const Size = ShardCount*4 + 4

// Manager owns the process-wide CR and the image it is read from and
// rewritten to. It is not safe for concurrent use; lfsserver's dispatcher
// serializes all access.
type Manager struct {
	store *imagestore.Store
	cr    CR
}

// Open returns a Manager for store holding a fresh in-memory CR (all
// shards unassigned, log tail just past the CR). It does not touch the
// image: the caller follows it with Bootstrap for a newly created image
// or with Recover for an existing one.
func Open(store *imagestore.Store) (*Manager, error) {
	m := &Manager{store: store}
	m.cr = CR{EndOfLog: Size}
	for i := range m.cr.Imap {
		m.cr.Imap[i] = Unassigned
	}
	return m, nil
}

// Bootstrap writes a freshly initialized CR (all shards unassigned, log
// tail just past the CR) at offset 0. Callers finish bootstrapping by
// populating shard 0 with the root directory's inode before calling
// Rewrite.
func (m *Manager) Bootstrap() error {
	m.store.SetTail(Size)
	return m.store.WriteAt(0, m.encode())
}

// Recover reads the CR from offset 0 of an existing image into memory.
func (m *Manager) Recover() error {
	buf := make([]byte, Size)
	if err := m.store.ReadAt(0, buf); err != nil {
		return errors.E(errors.Unavailable, "checkpoint: recover", err)
	}
	m.decode(buf)
	m.store.SetTail(int64(m.cr.EndOfLog))
	return nil
}

// CR returns a copy of the in-memory checkpoint region.
func (m *Manager) CR() CR {
	return m.cr
}

// ShardOffset returns the on-disk offset of shard i, or Unassigned.
func (m *Manager) ShardOffset(i int) int32 {
	return m.cr.Imap[i]
}

// SetShardOffset records a new on-disk offset for shard i. It does not
// rewrite the CR; call Rewrite to publish the change.
func (m *Manager) SetShardOffset(i int, offset int32) {
	m.cr.Imap[i] = offset
}

// EndOfLog returns the current log tail.
func (m *Manager) EndOfLog() int32 {
	return m.cr.EndOfLog
}

// Advance grows the log tail by n bytes, matching an Append of n bytes to
// the image.
func (m *Manager) Advance(n int) {
	m.cr.EndOfLog += int32(n)
}

// Rewrite publishes the in-memory CR to offset 0 and syncs the image.
// Every mutating fsengine operation ends by calling Rewrite.
func (m *Manager) Rewrite() error {
	if err := m.store.WriteAt(0, m.encode()); err != nil {
		return err
	}
	return m.store.Sync()
}

func (m *Manager) encode() []byte {
	buf := make([]byte, Size)
	off := 0
	for _, v := range m.cr.Imap {
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.cr.EndOfLog))
	return buf
}

func (m *Manager) decode(buf []byte) {
	off := 0
	for i := range m.cr.Imap {
		m.cr.Imap[i] = int32(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	m.cr.EndOfLog = int32(binary.LittleEndian.Uint32(buf[off:]))
}
