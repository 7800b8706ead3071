// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Htmap-run executes one map component on a worker. It is the
// executable named in a map's submission template: the scheduler
// starts it in a sandbox containing the func artifact and the
// component's input bundle, and it writes the component's result
// artifact before exiting.
//
// Mapped functions are resolved by name from the run package's
// registry, so a deployment links its function packages into this
// binary through side-effect imports:
//
//	import _ "example.com/myjobs"
//
// where package myjobs calls run.Register from init.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/selroc/htmap/run"
)

func main() {
	log.AddFlags()
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: htmap-run <input-hash>")
		os.Exit(2)
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("htmap-run: %v", err)
	}
	if err := run.Run(context.Background(), wd, flag.Arg(0)); err != nil {
		log.Fatalf("htmap-run: %v", err)
	}
}
