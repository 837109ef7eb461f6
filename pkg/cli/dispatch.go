package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"mrimicrofit/pkg/config"
	"mrimicrofit/pkg/microstructure"
)

// Dispatch runs the umbrella command: "mrimicrofit <model> ..." or
// "mrimicrofit init-config <path>".
func (a *App) Dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		a.umbrellaUsage(a.Stderr)
		return ExitUsage
	}

	switch args[0] {
	case "-v", "-version", "--version":
		fmt.Fprintln(a.Stdout, Version)
		return ExitOK
	case "-h", "-help", "--help", "help":
		a.umbrellaUsage(a.Stdout)
		return ExitOK
	case "init-config":
		if len(args) != 2 {
			fmt.Fprintln(a.Stderr, "usage: mrimicrofit init-config <path>")
			return ExitUsage
		}
		if err := config.CreateDefaultConfigFile(args[1]); err != nil {
			fmt.Fprintf(a.Stderr, "init-config: %v\n", err)
			return ExitFailure
		}
		fmt.Fprintf(a.Stdout, "Default configuration written to %s\n", args[1])
		return ExitOK
	}

	if _, ok := microstructure.Lookup(args[0]); !ok {
		fmt.Fprintf(a.Stderr, "mrimicrofit: unknown command %q\n\n", args[0])
		a.umbrellaUsage(a.Stderr)
		return ExitUsage
	}
	return a.Main(ctx, args[0], args[1:])
}

func (a *App) umbrellaUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: mrimicrofit <model> [options] subjectDirectory dwiFile bvalFile bvecFile maskFile")
	fmt.Fprintln(w, "       mrimicrofit init-config <path>")
	fmt.Fprintf(w, "\nmodels: %s\n", strings.Join(microstructure.Keys(), ", "))
	fmt.Fprintln(w, "\nRun \"mrimicrofit <model> -h\" for the options of one model.")
}
