// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"testing"
	"time"

	"github.com/grailbio/lfs/errors"
	"github.com/grailbio/lfs/wire"
)

func TestRoundTrip(t *testing.T) {
	srv, err := Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, addr, err := srv.Recv()
		if err != nil {
			t.Error(err)
			return
		}
		if req.Request != wire.Stat || req.Inum != 7 {
			t.Errorf("got %+v, want Stat/7", req)
		}
		if err := srv.Reply(addr, &wire.Packet{Request: wire.Stat, ReturnVal: 0, Stat: wire.StatInfo{Type: wire.TypeFile, Size: 4096}}); err != nil {
			t.Error(err)
		}
	}()

	conn, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	reply, err := conn.RoundTrip(&wire.Packet{Request: wire.Stat, Inum: 7}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Stat.Type != wire.TypeFile || reply.Stat.Size != 4096 {
		t.Errorf("got %+v, want Type=TypeFile Size=4096", reply.Stat)
	}
	<-done
}

func TestRoundTripTimeout(t *testing.T) {
	srv, err := Listen(0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	conn, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The server never replies, so the round trip must time out rather
	// than block forever.
	_, err = conn.RoundTrip(&wire.Packet{Request: wire.Stat}, 50*time.Millisecond)
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want Timeout", err)
	}
}
