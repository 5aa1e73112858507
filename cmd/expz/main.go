// Command expz runs the expz evaluation server and the tooling around it:
// schema migrations, deployment keys, flag config uploads, offline
// evaluation and SDK queries against a running server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("expz failed", "error", err)
		os.Exit(1)
	}
}
