// ajpd - an AJP13 container with native SSH gateway publishing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ajpd/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ajpd: %v\n", err)
		os.Exit(1)
	}
}
