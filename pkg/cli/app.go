// Package cli implements the fit-* command lines: argument parsing, wiring of
// configuration, logging, metrics, the engine and the output mirror, and exit
// codes.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"mrimicrofit/pkg/config"
	"mrimicrofit/pkg/engine"
	"mrimicrofit/pkg/engine/bridge"
	"mrimicrofit/pkg/logger"
	"mrimicrofit/pkg/metrics"
	"mrimicrofit/pkg/microstructure"
	"mrimicrofit/pkg/objectstore"
	"mrimicrofit/pkg/runner"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Engine fits direct models and sets up AMICO sessions.
type Engine interface {
	engine.Fitter
	engine.AMICO
}

// App holds the process-level dependencies of a command.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	// NewEngine builds the fitting engine from the loaded configuration
	NewEngine func(cfg *config.Config, log logger.Logger) Engine

	// NewPublisher returns the output mirror, or nil when mirroring is off
	NewPublisher func(ctx context.Context, cfg *config.Config) (runner.Publisher, error)

	// session is the AMICO session shared by every run of this process
	session engine.Session
}

// NewApp returns an App wired to the real engine bridge and object store.
func NewApp() *App {
	return &App{
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		NewEngine:    newBridge,
		NewPublisher: newMirror,
	}
}

func newBridge(cfg *config.Config, log logger.Logger) Engine {
	return bridge.New(cfg.Engine.Command,
		bridge.WithArgs(cfg.Engine.Args...),
		bridge.WithWorkDir(cfg.Engine.WorkDir),
		bridge.WithKeepWorkDir(cfg.Engine.KeepWorkDir),
		bridge.WithLogger(log.Named("engine")),
	)
}

func newMirror(ctx context.Context, cfg *config.Config) (runner.Publisher, error) {
	if !cfg.Mirror.Enabled {
		return nil, nil
	}
	m, err := objectstore.NewMirror(ctx, objectstore.Config{
		Endpoint:  cfg.Mirror.Endpoint,
		AccessKey: cfg.Mirror.AccessKey,
		SecretKey: cfg.Mirror.SecretKey,
		Region:    cfg.Mirror.Region,
		UseSSL:    cfg.Mirror.UseSSL,
		Bucket:    cfg.Mirror.Bucket,
		Prefix:    cfg.Mirror.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Main runs the fit-<model> command and returns the process exit code.
func Main(ctx context.Context, model string, args []string) int {
	return NewApp().Main(ctx, model, args)
}

// Main runs one model command with args (program name excluded).
func (a *App) Main(ctx context.Context, model string, args []string) int {
	d, ok := microstructure.Lookup(model)
	if !ok {
		fmt.Fprintf(a.Stderr, "unknown model %q, expected one of: %s\n", model, strings.Join(microstructure.Keys(), ", "))
		return ExitUsage
	}
	cmd := newCommand("fit-"+d.Key, d)

	inv, err := cmd.parse(args)
	switch {
	case errors.Is(err, errVersion):
		fmt.Fprintln(a.Stdout, Version)
		return ExitOK
	case errors.Is(err, flag.ErrHelp):
		cmd.usage(a.Stdout)
		return ExitOK
	case err != nil:
		fmt.Fprintf(a.Stderr, "%s: %v\n\n", cmd.name, err)
		cmd.usage(a.Stderr)
		return ExitUsage
	}

	if inv.logLevel != "" {
		if _, err := logger.ParseLevel(inv.logLevel); err != nil {
			fmt.Fprintf(a.Stderr, "%s: -log_level: %v\n\n", cmd.name, err)
			cmd.usage(a.Stderr)
			return ExitUsage
		}
	}

	// Everything the request alone decides is checked before any file is read.
	req := inv.request(d)
	plan, err := microstructure.Resolve(req)
	if err != nil {
		return a.fail(cmd.name, err)
	}

	cfg, err := config.Load(ctx, inv.configPath)
	if err != nil {
		return a.fail(cmd.name, err)
	}
	if inv.logLevel != "" {
		cfg.LogLevel = inv.logLevel
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return a.fail(cmd.name, err)
	}
	log, err := logger.New(a.Stderr, cfg.LogFormat)
	if err != nil {
		return a.fail(cmd.name, err)
	}

	recorder := metrics.NewRecorder(metrics.WithNamespace(cfg.Metrics.Namespace))
	opts := []runner.Option{
		runner.WithLogger(log),
		runner.WithMetrics(recorder),
		runner.WithPreview(inv.qc || cfg.QC.Enabled, cfg.QC.Cores),
	}

	eng := a.NewEngine(cfg, log)
	if plan.Descriptor.Engine == microstructure.EngineAMICO {
		session, err := a.amicoSession(ctx, eng)
		if err != nil {
			return a.fail(cmd.name, fmt.Errorf("amico setup: %w", err))
		}
		opts = append(opts, runner.WithAMICOSession(session))
	} else {
		opts = append(opts, runner.WithFitter(eng))
	}

	pub, err := a.NewPublisher(ctx, cfg)
	if err != nil {
		return a.fail(cmd.name, fmt.Errorf("output mirror: %w", err))
	}
	if pub != nil {
		opts = append(opts, runner.WithPublisher(pub))
	}

	_, runErr := runner.New(opts...).Run(ctx, req, plan)

	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Warn(ctx, "metrics export failed", logger.Error(err))
	}
	if runErr != nil {
		return a.fail(cmd.name, runErr)
	}
	return ExitOK
}

// amicoSession runs the one-time AMICO setup on first use.
func (a *App) amicoSession(ctx context.Context, eng engine.AMICO) (engine.Session, error) {
	if a.session != nil {
		return a.session, nil
	}
	s, err := eng.Setup(ctx)
	if err != nil {
		return nil, err
	}
	a.session = s
	return s, nil
}

func (a *App) fail(name string, err error) int {
	fmt.Fprintf(a.Stderr, "%s: %v\n", name, err)
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var usage *UsageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	return ExitFailure
}
