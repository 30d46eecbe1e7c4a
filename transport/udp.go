// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport implements the unreliable datagram transport that
// carries wire.Packet records between lfsclient and lfsserver. It is the
// "external collaborator" the on-disk/protocol spec treats as given: an
// unreliable socket with a per-call timeout on the client side and a
// single receive loop on the server side.
package transport

import (
	"net"
	"time"

	"github.com/grailbio/lfs/errors"
	"github.com/grailbio/lfs/wire"
)

// Server listens for wire.Packet requests on a UDP port and replies to
// the exact source address of each one.
type Server struct {
	conn *net.UDPConn
}

// Listen opens a UDP listener on the given port (0 picks an ephemeral
// one, useful for tests).
func Listen(port int) (*Server, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.E(errors.Net, "transport: listen", err)
	}
	return &Server{conn: conn}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Recv blocks for the next request and decodes it. It returns the
// originating address so Reply can be sent back to it.
func (s *Server) Recv() (*wire.Packet, *net.UDPAddr, error) {
	buf := make([]byte, wire.Size)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, errors.E(errors.Net, "transport: recv", err)
	}
	if n != wire.Size {
		return nil, nil, errors.E(errors.Invalid, "transport: malformed datagram")
	}
	var p wire.Packet
	if err := wire.Unmarshal(buf, &p); err != nil {
		return nil, nil, err
	}
	return &p, addr, nil
}

// Reply sends p to addr.
func (s *Server) Reply(addr *net.UDPAddr, p *wire.Packet) error {
	_, err := s.conn.WriteToUDP(wire.Marshal(p), addr)
	if err != nil {
		return errors.E(errors.Net, "transport: reply", err)
	}
	return nil
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.conn.Close()
}

// ClientConn is a single ephemeral endpoint used for one client call. Per
// the concurrency model, each call opens a fresh endpoint, sends exactly
// one request, and is closed once a reply is accepted; this is what
// causes replies to dropped/duplicated retransmissions to be discarded
// by the OS rather than delivered to a stale caller.
type ClientConn struct {
	conn *net.UDPConn
}

// Dial opens a fresh UDP endpoint connected to hostport.
func Dial(hostport string) (*ClientConn, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, errors.E(errors.Invalid, "transport: resolve", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, errors.E(errors.Net, "transport: dial", err)
	}
	return &ClientConn{conn: conn}, nil
}

// RoundTrip sends req and waits up to timeout for a reply. It returns an
// errors.Timeout error if no reply arrives in time; the caller
// (lfsclient) is responsible for retransmission.
func (c *ClientConn) RoundTrip(req *wire.Packet, timeout time.Duration) (*wire.Packet, error) {
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.E(errors.Net, "transport: set deadline", err)
	}
	if _, err := c.conn.Write(wire.Marshal(req)); err != nil {
		return nil, errors.E(errors.Net, "transport: send", err)
	}
	buf := make([]byte, wire.Size)
	n, err := c.conn.Read(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, errors.E(errors.Timeout, "transport: round trip timed out")
		}
		return nil, errors.E(errors.Net, "transport: recv", err)
	}
	if n != wire.Size {
		return nil, errors.E(errors.Invalid, "transport: malformed reply")
	}
	var reply wire.Packet
	if err := wire.Unmarshal(buf, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Close releases the endpoint.
func (c *ClientConn) Close() error {
	return c.conn.Close()
}
