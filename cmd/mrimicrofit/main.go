// Command mrimicrofit runs any microstructure model by key and manages the
// configuration file.
//
//	mrimicrofit <model> [options] subjectDirectory dwiFile bvalFile bvecFile maskFile
//	mrimicrofit init-config <path>
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
	code := cli.NewApp().Dispatch(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
