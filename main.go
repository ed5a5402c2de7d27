// ./main.go
package main

import (
	"context"
	"os"

	"github.com/xkilldash9x/celobox/cmd"
)

// main is the entry point when the module root is built directly; the
// signal-aware binary lives in cmd/celobox.
func main() {
	os.Exit(cmd.ExitCode(cmd.Execute(context.Background())))
}
