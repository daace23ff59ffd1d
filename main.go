// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pitchtoy/cmd"
	"pitchtoy/internal/log"
	"pitchtoy/pkg/build"
)

// main applies the link-time build metadata, then hands the command line to
// cobra. SIGINT and SIGTERM cancel the context every long-running command
// runs under, which shuts the pipeline down in order.
func main() {
	if err := build.Initialize(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		log.Fatalf("%v", err)
	}
}
