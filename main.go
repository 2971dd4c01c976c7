// The main package for the sensorarchive executable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/sensor-archive-downloader/cmd"
)

// main defers all execution to the Cobra CLI. SIGINT and SIGTERM cancel the
// running command.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
