// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lfsserver implements the request dispatcher: a single-threaded
// loop that blocks on the transport, decodes a fixed-size request
// record, invokes the matching fsengine operation, and replies to the
// originating sender. One request is serviced end to end, including its
// durability sync, before the next is read.
package lfsserver

import (
	"net"

	"github.com/grailbio/lfs/errors"
	"github.com/grailbio/lfs/fsengine"
	"github.com/grailbio/lfs/log"
	"github.com/grailbio/lfs/transport"
	"github.com/grailbio/lfs/wire"
)

// Server owns the engine and the transport it dispatches requests over.
type Server struct {
	engine    *fsengine.Engine
	transport *transport.Server
}

// New opens imagePath (creating and bootstrapping it if needed) and
// binds a UDP listener on port.
func New(port int, imagePath string) (*Server, error) {
	engine, err := fsengine.Open(imagePath)
	if err != nil {
		return nil, err
	}
	t, err := transport.Listen(port)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return &Server{engine: engine, transport: t}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// Serve runs the dispatcher loop until Shutdown is requested or a fatal
// error occurs. An unrecognized request tag is fatal, per spec.
func (s *Server) Serve() error {
	for {
		req, addr, err := s.transport.Recv()
		if err != nil {
			log.Error.Printf("lfsserver: fatal transport error: %v", err)
			return err
		}
		if req.Request == wire.Shutdown {
			if err := s.transport.Reply(addr, &wire.Packet{Request: wire.Shutdown, ReturnVal: 0}); err != nil {
				log.Error.Printf("lfsserver: failed replying to shutdown: %v", err)
			}
			if err := s.engine.Shutdown(); err != nil {
				log.Error.Printf("lfsserver: shutdown sync failed: %v", err)
			}
			return nil
		}

		reply, err := s.dispatch(req)
		if err != nil {
			log.Error.Printf("lfsserver: fatal dispatch error: %v", err)
			return err
		}
		if err := s.transport.Reply(addr, reply); err != nil {
			log.Error.Printf("lfsserver: reply failed: %v", err)
		}
	}
}

// dispatch invokes the engine operation named by req.Request, returning
// the reply packet. Every recognized operation collapses its error (if
// any) to ReturnVal = -1; only a failure to even recognize the tag is
// reported back to Serve as fatal.
func (s *Server) dispatch(req *wire.Packet) (*wire.Packet, error) {
	reply := &wire.Packet{}
	switch req.Request {
	case wire.Lookup:
		inum, err := s.engine.Lookup(req.Inum, req.NameString())
		reply.ReturnVal = resultOrFail(int32(inum), err)
	case wire.Stat:
		st, err := s.engine.Stat(req.Inum)
		if err == nil {
			reply.Stat = st
		}
		reply.ReturnVal = resultOrFail(0, err)
	case wire.Write:
		err := s.engine.Write(req.Inum, req.Block, req.Buffer[:])
		reply.ReturnVal = resultOrFail(0, err)
	case wire.Read:
		buf, err := s.engine.Read(req.Inum, req.Block)
		if err == nil {
			copy(reply.Buffer[:], buf)
		}
		reply.ReturnVal = resultOrFail(0, err)
	case wire.Creat:
		_, err := s.engine.Creat(req.Inum, req.Type, req.NameString())
		reply.ReturnVal = resultOrFail(0, err)
	case wire.Unlink:
		err := s.engine.Unlink(req.Inum, req.NameString())
		reply.ReturnVal = resultOrFail(0, err)
	default:
		return nil, errors.E(errors.Invalid, "lfsserver: unrecognized request tag")
	}
	return reply, nil
}

// resultOrFail collapses an engine result to the wire's return_val
// convention: 0 (or, for LOOKUP, the non-negative inum) on success, -1 on any
// error. The specific error kind is never carried on the wire.
func resultOrFail(val int32, err error) int32 {
	if err != nil {
		return -1
	}
	return val
}

// Close releases the server's resources without a durable shutdown.
func (s *Server) Close() error {
	s.transport.Close()
	return s.engine.Close()
}
