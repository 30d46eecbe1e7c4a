// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package logalloc advances the log tail on every append. It is a thin
// adapter over imagestore.Store.Append that keeps the checkpoint
// region's end_of_log in lockstep with what has actually been written,
// per the append-only discipline spec'd for the image: every write of a
// new shard, inode, data block, or directory block goes to the tail,
// and the tail is advanced by exactly the byte count written.
package logalloc

import (
	"github.com/grailbio/lfs/checkpoint"
	"github.com/grailbio/lfs/imagestore"
)

// Allocator appends records to the log and keeps a checkpoint.Manager's
// end_of_log current.
type Allocator struct {
	store *imagestore.Store
	cr    *checkpoint.Manager
}

// New returns an Allocator that appends to store and advances cr.
func New(store *imagestore.Store, cr *checkpoint.Manager) *Allocator {
	return &Allocator{store: store, cr: cr}
}

// Append writes b to the tail of the log and advances the checkpoint
// region's end_of_log by len(b). It returns the offset at which b was
// written.
func (a *Allocator) Append(b []byte) (int32, error) {
	offset, err := a.store.Append(b)
	if err != nil {
		return 0, err
	}
	a.cr.Advance(len(b))
	return int32(offset), nil
}
