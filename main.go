package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/ec2-rescue/internal/cli"
	"github.com/chainguard-dev/ec2-rescue/internal/o11y"
)

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		clog.WarnContext(ctx, "tracing disabled", "error", err)
		shutdown = func(context.Context) error { return nil }
	}

	exportLogs, shutdownLogs, err := o11y.SetupLogExport(ctx)
	if err != nil {
		clog.WarnContext(ctx, "log export disabled", "error", err)
	}

	err = cli.Execute(ctx, version, exportLogs)
	if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
		clog.WarnContext(ctx, "failed to flush traces", "error", serr)
	}
	if serr := shutdownLogs(context.WithoutCancel(ctx)); serr != nil {
		clog.WarnContext(ctx, "failed to flush logs", "error", serr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
