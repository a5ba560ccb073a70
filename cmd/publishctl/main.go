// publishctl - operator CLI for the event publishing service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/eventcast/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		code := cli.GetExitCode(err)
		// Command errors were already reported by the formatter or cobra.
		if code != cli.ExitCommandError {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(code)
	}
}
