package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/birdnet-pipeline/cmd"
	"github.com/tphakala/birdnet-pipeline/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := cmd.NewApp(&buildinfo.Context{Version: version, BuildDate: buildDate})
	err := cmd.RootCommand(app).ExecuteContext(ctx)
	stop()
	app.Close()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
