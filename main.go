// gopipe - a pooled TCP pipe server with optional SSH gateway dialing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopipe/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gopipe: %v\n", err)
		os.Exit(1)
	}
}
