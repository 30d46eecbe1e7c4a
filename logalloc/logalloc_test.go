// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package logalloc

import (
	"os"
	"testing"

	"github.com/grailbio/lfs/checkpoint"
	"github.com/grailbio/lfs/imagestore"
)

func TestAppendAdvancesCheckpointTail(t *testing.T) {
	f, err := os.CreateTemp("", "lfs-logalloc-*.img")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	store, _, err := imagestore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cr, err := checkpoint.Open(store)
	if err != nil {
		t.Fatal(err)
	}
	if err := cr.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	alloc := New(store, cr)
	before := cr.EndOfLog()
	off, err := alloc.Append([]byte("record"))
	if err != nil {
		t.Fatal(err)
	}
	if off != before {
		t.Errorf("got offset %d, want %d", off, before)
	}
	if got, want := cr.EndOfLog(), before+int32(len("record")); got != want {
		t.Errorf("got EndOfLog %d, want %d", got, want)
	}
}
