// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command lfs-server runs the log-structured file server daemon against
// a single on-disk image file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/lfs/lfsserver"
	"github.com/grailbio/lfs/log"
	"github.com/grailbio/lfs/must"
)

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("lfs-server: ")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lfs-server <port> <image-path>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
	}

	port, err := parsePort(flag.Arg(0))
	must.Nil(err, "bad port")
	imagePath := flag.Arg(1)

	srv, err := lfsserver.New(port, imagePath)
	must.Nil(err, "failed to start server")
	defer srv.Close()

	log.Printf("listening on %s, image %s", srv.Addr(), imagePath)
	if err := srv.Serve(); err != nil {
		log.Fatal(err)
	}
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, err
	}
	return port, nil
}
