// Command fit-freewater fits the FreeWater model to one subject and writes its maps.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mrimicrofit/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Main(ctx, "freewater", os.Args[1:])
	stop()
	os.Exit(code)
}
