package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/questlog/internal/cli"
	"github.com/roach88/questlog/internal/observability"
)

func main() {
	// Cancel on SIGINT/SIGTERM so the daemon shuts down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()
	observability.Sync()
	os.Exit(code)
}
