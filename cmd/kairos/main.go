// cmd/kairos/main.go
//
// Entry point for the kairos CLI. Every subcommand runs against the project
// in the working directory (or --project), whose .kairos/ folder holds the
// config, task and workflow definitions, and persisted job state.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		stop()
		os.Exit(1)
	}
}
