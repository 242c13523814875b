// Kestrel - Money-laundering ring detection over transfer ledgers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command kestrelctl analyses ledgers offline, benchmarks detection
// against labelled data and submits ledgers to a running service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
