// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package imagestore provides positioned, durable access to the single
// on-disk image file backing a log-structured file server. It is a thin
// wrapper over *os.File; it does not interpret the bytes it stores.
package imagestore

import (
	"io"
	"os"
	"sync"

	"github.com/grailbio/lfs/errors"
)

// Store is a byte-addressable image file opened for read/write. A Store
// is safe for concurrent use, though lfsserver's dispatcher never calls
// it concurrently: requests are serviced one at a time.
type Store struct {
	mu     sync.Mutex
	f      *os.File
	tail   int64 // cached result of the last Append; advanced by Append only
	inited bool
}

// Open opens path, creating it (and reporting so via created) if it does
// not already exist or is empty.
func Open(path string) (s *Store, created bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	switch {
	case os.IsNotExist(err):
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, false, errors.E(errors.Unavailable, "imagestore: create", err)
		}
		return &Store{f: f}, true, nil
	case err != nil:
		return nil, false, errors.E(errors.Unavailable, "imagestore: open", err)
	}
	info, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, false, errors.E(errors.Unavailable, "imagestore: stat", statErr)
	}
	if info.Size() == 0 {
		return &Store{f: f}, true, nil
	}
	return &Store{f: f, tail: info.Size(), inited: true}, false, nil
}

// ReadAt fills buf exactly from offset, failing if fewer bytes are
// available.
func (s *Store) ReadAt(offset int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return errors.E(errors.Unavailable, "imagestore: read_at", err)
	}
	return nil
}

// WriteAt writes b at offset, used only for the checkpoint region and
// for in-place rewrites of inodes and imap shards at their existing log
// offsets.
func (s *Store) WriteAt(offset int64, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(b, offset); err != nil {
		return errors.E(errors.Unavailable, "imagestore: write_at", err)
	}
	return nil
}

// Append writes b starting at the current log tail and returns the
// offset at which it was written. The caller (package logalloc) is
// responsible for tracking the new tail in the checkpoint region; Store
// itself only remembers the tail so that successive Append calls are
// contiguous.
func (s *Store) Append(b []byte) (offset int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(b, s.tail); err != nil {
		return 0, errors.E(errors.Unavailable, "imagestore: append", err)
	}
	offset = s.tail
	s.tail += int64(len(b))
	return offset, nil
}

// SetTail sets the position at which the next Append will write. It is
// called once, during checkpoint recovery or bootstrap, to align the
// store's tail with the checkpoint region's end_of_log.
func (s *Store) SetTail(tail int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail = tail
}

// Size returns the current length of the image file, including any bytes
// appended but not yet synced.
func (s *Store) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.f.Stat()
	if err != nil {
		return 0, errors.E(errors.Unavailable, "imagestore: stat", err)
	}
	return info.Size(), nil
}

// Sync flushes the image file to durable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return errors.E(errors.Unavailable, "imagestore: sync", err)
	}
	return nil
}

// Close releases the underlying file descriptor.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

var _ io.Closer = (*Store)(nil)
