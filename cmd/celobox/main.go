// File: cmd/celobox/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/celobox/cmd"
)

// osExit is swapped out in tests.
var osExit = os.Exit

func main() {
	// Interrupts cancel the flow; the orchestrator still closes the browser.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.ExitCode(cmd.Execute(ctx))
	stop()
	osExit(code)
}
