// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package fsengine

import (
	"os"
	"testing"

	"github.com/grailbio/lfs/errors"
)

func openTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "lfs-engine-*.img")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	e, err := Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatal(err)
	}
	return e, func() {
		e.Close()
		os.Remove(path)
	}
}

func TestBootstrapRoot(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	st, err := e.Stat(RootInum)
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TypeDir {
		t.Errorf("got type %d, want TypeDir", st.Type)
	}

	dot, err := e.Lookup(RootInum, ".")
	if err != nil {
		t.Fatal(err)
	}
	if dot != RootInum {
		t.Errorf(". resolved to %d, want %d", dot, RootInum)
	}
	dotdot, err := e.Lookup(RootInum, "..")
	if err != nil {
		t.Fatal(err)
	}
	if dotdot != RootInum {
		t.Errorf(".. resolved to %d, want %d", dotdot, RootInum)
	}
}

func TestLookupMissingEntry(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	if _, err := e.Lookup(RootInum, "nope"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestLookupParentNotDirectory(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	fileInum, err := e.Creat(RootInum, TypeFile, "f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Lookup(fileInum, "anything"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
}

func TestCreatFileAndDirectory(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	fileInum, err := e.Creat(RootInum, TypeFile, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	st, err := e.Stat(fileInum)
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TypeFile || st.Size != 0 {
		t.Errorf("got %+v, want Type=TypeFile Size=0", st)
	}

	dirInum, err := e.Creat(RootInum, TypeDir, "sub")
	if err != nil {
		t.Fatal(err)
	}
	st, err = e.Stat(dirInum)
	if err != nil {
		t.Fatal(err)
	}
	if st.Type != TypeDir || st.Size != BlockSize {
		t.Errorf("got %+v, want Type=TypeDir Size=BlockSize", st)
	}

	if got, err := e.Lookup(dirInum, "."); err != nil || got != dirInum {
		t.Errorf("sub/. got (%d, %v), want (%d, nil)", got, err, dirInum)
	}
	if got, err := e.Lookup(dirInum, ".."); err != nil || got != RootInum {
		t.Errorf("sub/.. got (%d, %v), want (%d, nil)", got, err, RootInum)
	}
}

func TestCreatIsIdempotent(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	first, err := e.Creat(RootInum, TypeFile, "dup")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Creat(RootInum, TypeFile, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("retransmitted creat returned different inum: %d vs %d", first, second)
	}
}

func TestCreatParentNotDirectory(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	fileInum, err := e.Creat(RootInum, TypeFile, "f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Creat(fileInum, TypeFile, "child"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
}

func TestCreatDirectoryFull(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	// Fill the root directory's entire capacity: DirectBlocks blocks of
	// EntriesPerDir entries each, minus the "." and ".." pair already
	// occupying the first block.
	capacity := DirectBlocks*EntriesPerDir - 2
	for i := 0; i < capacity; i++ {
		name := "f" + itoa(i)
		if _, err := e.Creat(RootInum, TypeFile, name); err != nil {
			t.Fatalf("creat %d: %v", i, err)
		}
	}
	if _, err := e.Creat(RootInum, TypeFile, "overflow"); !errors.Is(errors.ResourcesExhausted, err) {
		t.Errorf("got %v, want ResourcesExhausted", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestWriteReadRoundTrip(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	inum, err := e.Creat(RootInum, TypeFile, "data.bin")
	if err != nil {
		t.Fatal(err)
	}
	block := make([]byte, BlockSize)
	for i := range block {
		block[i] = byte(i)
	}
	if err := e.Write(inum, 5, block); err != nil {
		t.Fatal(err)
	}
	got, err := e.Read(inum, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := range block {
		if got[i] != block[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], block[i])
			break
		}
	}

	st, err := e.Stat(inum)
	if err != nil {
		t.Fatal(err)
	}
	if want := int32(6 * BlockSize); st.Size != want {
		t.Errorf("got Size %d, want %d", st.Size, want)
	}
}

func TestReadUnassignedBlockReturnsZeroes(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	inum, err := e.Creat(RootInum, TypeFile, "sparse")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := e.Read(inum, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d: got %d, want 0", i, b)
		}
	}
}

func TestWriteWrongSizeRejected(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	inum, err := e.Creat(RootInum, TypeFile, "f")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Write(inum, 0, make([]byte, BlockSize-1)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestWriteOnDirectoryRejected(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	dirInum, err := e.Creat(RootInum, TypeDir, "sub")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Write(dirInum, 0, make([]byte, BlockSize)); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
}

func TestWriteBlockIndexOutOfRange(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	inum, err := e.Creat(RootInum, TypeFile, "f")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Write(inum, DirectBlocks, make([]byte, BlockSize)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	if _, err := e.Creat(RootInum, TypeFile, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := e.Unlink(RootInum, "gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Lookup(RootInum, "gone"); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist after unlink", err)
	}
}

func TestUnlinkIsIdempotent(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	if err := e.Unlink(RootInum, "never-existed"); err != nil {
		t.Errorf("got %v, want nil for unlink of missing name", err)
	}
}

func TestUnlinkNonEmptyDirectoryFails(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	dirInum, err := e.Creat(RootInum, TypeDir, "sub")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Creat(dirInum, TypeFile, "child"); err != nil {
		t.Fatal(err)
	}
	if err := e.Unlink(RootInum, "sub"); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want Precondition", err)
	}
}

func TestUnlinkEmptyDirectorySucceeds(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	if _, err := e.Creat(RootInum, TypeDir, "sub"); err != nil {
		t.Fatal(err)
	}
	if err := e.Unlink(RootInum, "sub"); err != nil {
		t.Fatal(err)
	}
}

func TestUnlinkThenRecreateReusesInum(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	first, err := e.Creat(RootInum, TypeFile, "a")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Unlink(RootInum, "a"); err != nil {
		t.Fatal(err)
	}
	second, err := e.Creat(RootInum, TypeFile, "b")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Errorf("got inum %d after free, want reused %d", second, first)
	}
}

func TestResolveOutOfRangeInum(t *testing.T) {
	e, cleanup := openTestEngine(t)
	defer cleanup()

	if _, err := e.Stat(MaxInodes); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if _, err := e.Stat(-1); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestRecoverAfterReopen(t *testing.T) {
	f, err := os.CreateTemp("", "lfs-engine-reopen-*.img")
	if err != nil {
		t.Fatal(err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	e1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	inum, err := e1.Creat(RootInum, TypeFile, "persisted")
	if err != nil {
		t.Fatal(err)
	}
	block := make([]byte, BlockSize)
	block[0] = 7
	if err := e1.Write(inum, 0, block); err != nil {
		t.Fatal(err)
	}
	if err := e1.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := e1.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()
	got, err := e2.Lookup(RootInum, "persisted")
	if err != nil {
		t.Fatal(err)
	}
	if got != inum {
		t.Errorf("got inum %d after reopen, want %d", got, inum)
	}
	buf, err := e2.Read(got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != 7 {
		t.Errorf("got byte 0 = %d after reopen, want 7", buf[0])
	}
}
