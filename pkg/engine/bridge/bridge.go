// Package bridge drives an external model fitting engine process.
//
// Each call writes a JSON job to a scratch directory and runs
//
//	<command> [args...] <verb> <job.json> <result.json>
//
// The engine answers with {"fields": {name: path}, "error": {kind, message}}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/engine"
	"mrimicrofit/pkg/logger"
	"mrimicrofit/pkg/nifti"
)

// stderrTail bounds how much engine stderr is kept in an error message.
const stderrTail = 4096

// waitDelay bounds the wait for engine output pipes after a cancelled run.
const waitDelay = 5 * time.Second

// Bridge implements engine.Fitter and engine.AMICO over a subprocess.
type Bridge struct {
	command     string
	args        []string
	workDir     string
	keepWorkDir bool
	log         logger.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithArgs sets arguments placed before the verb.
func WithArgs(args ...string) Option {
	return func(b *Bridge) {
		b.args = append([]string(nil), args...)
	}
}

// WithWorkDir sets the parent of the per-job scratch directories.
func WithWorkDir(dir string) Option {
	return func(b *Bridge) {
		b.workDir = dir
	}
}

// WithKeepWorkDir keeps scratch directories after the call returns.
func WithKeepWorkDir(keep bool) Option {
	return func(b *Bridge) {
		b.keepWorkDir = keep
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// New returns a bridge running command.
func New(command string, opts ...Option) *Bridge {
	b := &Bridge{command: command, log: logger.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fit implements engine.Fitter. The engine writes one NIfTI file per field
// into the job's output directory; they are loaded before the scratch
// directory is removed.
func (b *Bridge) Fit(ctx context.Context, req *engine.FitRequest) (*engine.FitResult, error) {
	dir, err := b.scratch(VerbFit)
	if err != nil {
		return nil, err
	}
	defer b.cleanup(dir)

	outDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("engine scratch: %w", err)
	}
	job, err := newFitJob(req, outDir)
	if err != nil {
		return nil, err
	}

	res, err := b.invoke(ctx, dir, VerbFit, req.Model, job)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]*models.Volume, len(res.Fields))
	for name, path := range res.Fields {
		if !filepath.IsAbs(path) {
			path = filepath.Join(outDir, path)
		}
		vol, err := nifti.Load(path)
		if err != nil {
			return nil, &engine.FittingError{Model: req.Model, Message: "reading field " + name, Err: err}
		}
		fields[name] = vol
	}
	return engine.NewFitResult(fields), nil
}

// Setup implements engine.AMICO.
func (b *Bridge) Setup(ctx context.Context) (engine.Session, error) {
	dir, err := b.scratch(VerbAMICOSetup)
	if err != nil {
		return nil, err
	}
	defer b.cleanup(dir)

	if _, err := b.invoke(ctx, dir, VerbAMICOSetup, "amico", struct{}{}); err != nil {
		return nil, err
	}
	return &session{bridge: b}, nil
}

type session struct {
	bridge *Bridge
}

// Evaluate runs one AMICO evaluation; the engine saves its own results.
func (s *session) Evaluate(ctx context.Context, job *engine.AMICOJob) error {
	dir, err := s.bridge.scratch(VerbAMICOEvaluate)
	if err != nil {
		return err
	}
	defer s.bridge.cleanup(dir)

	_, err = s.bridge.invoke(ctx, dir, VerbAMICOEvaluate, job.Model, newAMICOJob(job))
	return err
}

func (b *Bridge) scratch(verb string) (string, error) {
	dir, err := os.MkdirTemp(b.workDir, "mrimicrofit-"+verb+"-")
	if err != nil {
		return "", fmt.Errorf("engine scratch: %w", err)
	}
	return dir, nil
}

func (b *Bridge) cleanup(dir string) {
	if b.keepWorkDir {
		b.log.Debug(context.Background(), "keeping engine scratch", logger.String("dir", dir))
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		b.log.Warn(context.Background(), "removing engine scratch", logger.String("dir", dir), logger.Error(err))
	}
}

// invoke writes the job, runs the engine and decodes its result.
func (b *Bridge) invoke(ctx context.Context, dir, verb, model string, job any) (*result, error) {
	jobPath := filepath.Join(dir, "job.json")
	resultPath := filepath.Join(dir, "result.json")

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s job: %w", verb, err)
	}
	if err := os.WriteFile(jobPath, data, 0644); err != nil {
		return nil, fmt.Errorf("writing %s job: %w", verb, err)
	}

	args := append(append([]string(nil), b.args...), verb, jobPath, resultPath)
	cmd := exec.CommandContext(ctx, b.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	b.log.Debug(ctx, "engine started", logger.String("verb", verb), logger.String("model", model),
		logger.String("command", b.command), logger.String("job", jobPath))
	runErr := cmd.Run()
	b.log.Debug(ctx, "engine finished", logger.String("verb", verb), logger.Duration("elapsed", time.Since(start)))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("engine %s interrupted: %w", verb, ctxErr)
	}

	res, readErr := readResult(resultPath)
	if readErr == nil && res.Error != nil {
		return nil, res.Error.asError(model)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &engine.FittingError{
				Model:   model,
				Message: fmt.Sprintf("starting engine %q", b.command),
				Err:     fmt.Errorf("%w: %w", engine.ErrEngineUnavailable, runErr),
			}
		}
		return nil, &engine.FittingError{Model: model, Message: tail(stderr.String()), Err: runErr}
	}
	if readErr != nil {
		return nil, &engine.FittingError{Model: model, Message: tail(stderr.String()), Err: readErr}
	}
	return res, nil
}

func readResult(path string) (*result, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoResult
	}
	if err != nil {
		return nil, err
	}
	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding engine result: %w", err)
	}
	return &res, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
