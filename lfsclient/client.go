// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lfsclient is the client library for the log-structured file
// server: it marshals POSIX-like operations into fixed-size requests,
// sends them to a single server, and retransmits on timeout. Every call
// is synchronous and atomic from the caller's point of view; a fresh
// ephemeral transport endpoint is used per call so that replies to
// abandoned retransmissions are simply dropped once the endpoint closes.
package lfsclient

import (
	"context"
	"time"

	"github.com/grailbio/lfs/errors"
	"github.com/grailbio/lfs/log"
	"github.com/grailbio/lfs/retry"
	"github.com/grailbio/lfs/transport"
	"github.com/grailbio/lfs/wire"
)

// replyTimeout is the per-attempt deadline before a request is
// retransmitted, per the spec's "≈1 second" client timeout.
const replyTimeout = 1 * time.Second

// retryPolicy waits a constant replyTimeout between attempts and never
// gives up, matching the spec's unbounded-retransmission requirement. A
// constant backoff (factor 1.0) is used rather than an exponential one:
// the client has no way to distinguish a slow server from a dropped
// datagram, so growing the wait would only delay a healthy retry.
var retryPolicy = retry.Backoff(replyTimeout, replyTimeout, 1.0)

// Client is a handle to a single log-structured file server.
type Client struct {
	hostport string
}

// Init returns a Client bound to the server at hostport (e.g.
// "127.0.0.1:6000"). No connection is established until the first call;
// each call dials its own ephemeral endpoint.
func Init(hostport string) (*Client, error) {
	if hostport == "" {
		return nil, errors.E(errors.Invalid, "lfsclient: empty address")
	}
	return &Client{hostport: hostport}, nil
}

// call sends req and retransmits it, unbounded, until a reply arrives.
func (c *Client) call(req *wire.Packet) (*wire.Packet, error) {
	for attempt := 0; ; attempt++ {
		reply, err := c.attempt(req)
		if err == nil {
			return reply, nil
		}
		log.Debug.Printf("lfsclient: retransmitting %s after %v (attempt %d)", req.Request, err, attempt+1)
		if werr := retry.Wait(context.Background(), retryPolicy, attempt); werr != nil {
			return nil, werr
		}
	}
}

func (c *Client) attempt(req *wire.Packet) (*wire.Packet, error) {
	conn, err := transport.Dial(c.hostport)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.RoundTrip(req, replyTimeout)
}

// Lookup resolves name within directory pinum, returning its inum or an
// error if not found.
func (c *Client) Lookup(pinum int32, name string) (int32, error) {
	req := &wire.Packet{Request: wire.Lookup, Inum: pinum}
	if err := req.PutName(name); err != nil {
		return 0, err
	}
	reply, err := c.call(req)
	if err != nil {
		return 0, err
	}
	if reply.ReturnVal < 0 {
		return 0, errors.E(errors.NotExist, "lookup: no such entry")
	}
	return reply.ReturnVal, nil
}

// Stat fetches the type and size of inum.
func (c *Client) Stat(inum int32) (wire.StatInfo, error) {
	req := &wire.Packet{Request: wire.Stat, Inum: inum}
	reply, err := c.call(req)
	if err != nil {
		return wire.StatInfo{}, err
	}
	if reply.ReturnVal < 0 {
		return wire.StatInfo{}, errors.E(errors.NotExist, "stat: no such inode")
	}
	return reply.Stat, nil
}

// Write writes exactly one BlockSize-byte block to direct block index
// of inum.
func (c *Client) Write(inum int32, block int32, data []byte) error {
	if len(data) != wire.BlockSize {
		return errors.E(errors.Invalid, "write: buffer must be exactly one block")
	}
	req := &wire.Packet{Request: wire.Write, Inum: inum, Block: block}
	copy(req.Buffer[:], data)
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	if reply.ReturnVal < 0 {
		return errors.E(errors.Invalid, "write: rejected by server")
	}
	return nil
}

// Read fetches direct block index of inum.
func (c *Client) Read(inum int32, block int32) ([]byte, error) {
	req := &wire.Packet{Request: wire.Read, Inum: inum, Block: block}
	reply, err := c.call(req)
	if err != nil {
		return nil, err
	}
	if reply.ReturnVal < 0 {
		return nil, errors.E(errors.Invalid, "read: rejected by server")
	}
	buf := make([]byte, wire.BlockSize)
	copy(buf, reply.Buffer[:])
	return buf, nil
}

// Creat creates name in directory pinum as a new inode of the given
// type. Creating an existing name succeeds without changing state.
func (c *Client) Creat(pinum int32, typ int32, name string) error {
	req := &wire.Packet{Request: wire.Creat, Inum: pinum, Type: typ}
	if err := req.PutName(name); err != nil {
		return err
	}
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	if reply.ReturnVal < 0 {
		return errors.E(errors.Invalid, "creat: rejected by server")
	}
	return nil
}

// Unlink removes name from directory pinum. Unlinking a name that does
// not exist succeeds without changing state.
func (c *Client) Unlink(pinum int32, name string) error {
	req := &wire.Packet{Request: wire.Unlink, Inum: pinum}
	if err := req.PutName(name); err != nil {
		return err
	}
	reply, err := c.call(req)
	if err != nil {
		return err
	}
	if reply.ReturnVal < 0 {
		return errors.E(errors.Invalid, "unlink: rejected by server")
	}
	return nil
}

// Shutdown asks the server to sync and terminate. The server sends its
// acknowledgement before exiting, so a successful return here guarantees
// the server observed the request.
func (c *Client) Shutdown() error {
	req := &wire.Packet{Request: wire.Shutdown}
	_, err := c.call(req)
	return err
}
