// Command cci resolves project dependencies and moves data between an org and
// a local database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cci/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
