// Package runner drives one model run from parsed request to written maps.
//
// A run moves through a fixed sequence of stages:
//
//	parsed -> acquisition_built -> loaded -> configured -> fitted -> extracted -> persisted
//
// Any failure stops the run with a StageError naming the stage that was not
// reached. Maps already written stay on disk.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/acquisition"
	"mrimicrofit/pkg/engine"
	"mrimicrofit/pkg/logger"
	"mrimicrofit/pkg/metrics"
	"mrimicrofit/pkg/microstructure"
	"mrimicrofit/pkg/nifti"
	"mrimicrofit/pkg/visualization"
)

// Stage names a point in the run life cycle.
type Stage string

const (
	StageParsed           Stage = "parsed"
	StageAcquisitionBuilt Stage = "acquisition_built"
	StageLoaded           Stage = "loaded"
	StageConfigured       Stage = "configured"
	StageFitted           Stage = "fitted"
	StageExtracted        Stage = "extracted"
	StagePersisted        Stage = "persisted"
)

// OutputExt is the extension of every written map.
const OutputExt = ".nii.gz"

// qcDir holds previews inside the model output directory.
const qcDir = "qc"

// Publisher receives every written file. rel is the path inside the subject
// directory.
type Publisher interface {
	Publish(ctx context.Context, subjectDir, rel, localPath string) error
}

// Report describes a finished run.
type Report struct {
	RunID string
	// OutputDir is the absolute model output directory; empty for AMICO models
	OutputDir string
	// Written lists the written map files in order
	Written []string
	// Scheme is the AMICO scheme file written for the engine
	Scheme string
	// Stages lists the stages reached
	Stages []Stage
}

// Runner executes model runs.
type Runner struct {
	fitter    engine.Fitter
	amico     engine.Session
	log       logger.Logger
	metrics   *metrics.Recorder
	publisher Publisher
	preview   bool
	cores     int
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithFitter sets the engine used by direct models.
func WithFitter(f engine.Fitter) Option {
	return func(r *Runner) { r.fitter = f }
}

// WithAMICOSession sets the initialised AMICO session used by NODDI and SANDI.
func WithAMICOSession(s engine.Session) Option {
	return func(r *Runner) { r.amico = s }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPublisher mirrors every written map.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithPreview writes mid-slice PNG previews of every map, rendered on cores
// goroutines (0 uses every CPU).
func WithPreview(enabled bool, cores int) Option {
	return func(r *Runner) {
		r.preview = enabled
		r.cores = cores
	}
}

// New creates a runner.
func New(opts ...Option) *Runner {
	r := &Runner{log: logger.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run carries per-run state through the stages.
type run struct {
	*Runner
	ctx    context.Context
	req    models.RunRequest
	plan   *microstructure.Plan
	log    logger.Logger
	report *Report
	mark   time.Time
}

// Run executes plan for req.
func (r *Runner) Run(ctx context.Context, req models.RunRequest, plan *microstructure.Plan) (*Report, error) {
	id := uuid.NewString()
	st := &run{
		Runner: r,
		ctx:    ctx,
		req:    req,
		plan:   plan,
		log: r.log.Named("runner").With(
			logger.String("run_id", id),
			logger.String("model", plan.Descriptor.Name),
			logger.String("subject", req.SubjectDir),
		),
		report: &Report{RunID: id},
		mark:   r.now(),
	}
	st.reach(StageParsed)

	var err error
	if plan.Descriptor.Engine == microstructure.EngineAMICO {
		err = st.amicoRun()
	} else {
		err = st.directRun()
	}

	if r.metrics != nil {
		r.metrics.RunFinished(req.Model, err, r.now())
	}
	if err != nil {
		st.log.Error(ctx, "run failed", logger.Error(err))
		return st.report, err
	}
	st.log.Info(ctx, "run finished",
		logger.String("output_dir", st.report.OutputDir),
		logger.Int("maps", len(st.report.Written)))
	return st.report, nil
}

func (st *run) reach(stage Stage, fields ...logger.Field) {
	now := st.now()
	elapsed := now.Sub(st.mark)
	st.mark = now
	st.report.Stages = append(st.report.Stages, stage)
	if st.metrics != nil {
		st.metrics.ObserveStage(st.req.Model, string(stage), elapsed)
	}
	st.log.Debug(st.ctx, "stage reached",
		append(fields, logger.String("stage", string(stage)), logger.Duration("elapsed", elapsed))...)
}

func fail(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

func (st *run) buildAcquisition() (*models.Acquisition, error) {
	if st.req.RawScheme() {
		acq, err := acquisition.ReadScheme(st.req.Scheme)
		if err != nil {
			return nil, &IOError{Op: "read scheme", Path: st.req.Scheme, Err: err}
		}
		return acq, nil
	}
	acq, err := acquisition.FromFSL(st.req.Bval, st.req.Bvec)
	if err != nil {
		return nil, &IOError{Op: "read bval/bvec", Path: st.req.Bval, Err: err}
	}
	if t := st.plan.Timing; t != nil {
		acq = acquisition.WithTiming(acq, t.BigDelta, t.SmallDelta)
	}
	return acq, nil
}

func (st *run) directRun() error {
	if st.fitter == nil {
		return fail(StageFitted, errors.New("no fitting engine configured"))
	}

	acq, err := st.buildAcquisition()
	if err != nil {
		return fail(StageAcquisitionBuilt, err)
	}
	st.reach(StageAcquisitionBuilt, logger.Int("measurements", acq.Len()))

	dwi, err := nifti.Load(st.req.DWI)
	if err != nil {
		return fail(StageLoaded, &IOError{Op: "load dwi", Path: st.req.DWI, Err: err})
	}
	mask, err := nifti.Load(st.req.Mask)
	if err != nil {
		return fail(StageLoaded, &IOError{Op: "load mask", Path: st.req.Mask, Err: err})
	}
	st.reach(StageLoaded, logger.Any("dwi_shape", dwi.Shape))

	cfg := st.plan.Configuration
	st.reach(StageConfigured,
		logger.String("engine_model", cfg.Engine()),
		logger.String("variant", cfg.Variant()),
		logger.Strings("options", cfg.OptionNames()))

	res, err := st.fitter.Fit(st.ctx, &engine.FitRequest{
		Model:         st.req.Model,
		Configuration: cfg,
		Acquisition:   acq,
		DWI:           dwi,
		Mask:          mask,
		DWIPath:       st.req.DWI,
		MaskPath:      st.req.Mask,
	})
	if err != nil {
		return fail(StageFitted, err)
	}
	st.reach(StageFitted, logger.Strings("fields", res.Fields()))

	maps, err := Extract(st.req.Model, res, st.plan.Outputs, mask)
	if err != nil {
		return fail(StageExtracted, err)
	}
	st.reach(StageExtracted, logger.Int("maps", len(maps)))

	if err := st.persist(maps, dwi); err != nil {
		return fail(StagePersisted, err)
	}
	st.reach(StagePersisted)
	return nil
}

// persist writes every map with the DWI's affine.
func (st *run) persist(maps []OutputMap, dwi *models.Volume) error {
	dir := filepath.Join(st.req.SubjectDir, st.plan.OutputDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IOError{Op: "create output directory", Path: dir, Err: err}
	}
	st.report.OutputDir = dir

	items := make([]visualization.Item, 0, len(maps))
	for _, m := range maps {
		name := m.Name + OutputExt
		path := filepath.Join(dir, name)
		if err := nifti.Save(path, m.Volume.WithAffine(dwi.Affine)); err != nil {
			return &IOError{Op: "write map", Path: path, Err: err}
		}
		st.report.Written = append(st.report.Written, path)
		if st.metrics != nil {
			st.metrics.MapWritten(st.req.Model)
		}
		st.log.Debug(st.ctx, "map written", logger.String("path", path))

		if st.publisher != nil {
			rel := filepath.Join(st.plan.OutputDir, name)
			if err := st.publisher.Publish(st.ctx, st.req.SubjectDir, rel, path); err != nil {
				return fmt.Errorf("mirror %s: %w", rel, err)
			}
		}

		items = append(items, visualization.Item{Stem: m.Name, Volume: m.Volume})
	}

	if st.preview {
		for _, res := range visualization.PreviewAll(items, filepath.Join(dir, qcDir), st.cores) {
			if res.Err != nil {
				st.log.Warn(st.ctx, "preview failed", logger.String("map", res.Stem), logger.Error(res.Err))
			}
		}
	}
	return nil
}

// amicoRun writes the scheme file and hands the inputs to the AMICO session,
// which saves its own results under the subject directory.
func (st *run) amicoRun() error {
	settings := st.plan.AMICO
	if st.amico == nil {
		return fail(StageFitted, errors.New("no AMICO session configured"))
	}

	acq, err := st.buildAcquisition()
	if err != nil {
		return fail(StageAcquisitionBuilt, err)
	}
	st.reach(StageAcquisitionBuilt, logger.Int("measurements", acq.Len()))

	for _, p := range []string{st.req.DWI, st.req.Mask} {
		if _, err := os.Stat(p); err != nil {
			return fail(StageLoaded, &IOError{Op: "stat input", Path: p, Err: err})
		}
	}
	st.reach(StageLoaded)

	scheme := filepath.Join(st.req.SubjectDir, st.plan.SchemeFile())
	switch settings.Format {
	case microstructure.SchemeStejskalTanner:
		err = acquisition.WriteStejskalTannerScheme(scheme, acq, settings.Timing, settings.BStep)
	default:
		err = acquisition.WriteBVectorScheme(scheme, acq, settings.BStep)
	}
	if err != nil {
		return fail(StageConfigured, &IOError{Op: "write scheme", Path: scheme, Err: err})
	}
	st.report.Scheme = scheme
	st.reach(StageConfigured, logger.String("scheme", scheme), logger.String("engine_model", settings.Model))

	err = st.amico.Evaluate(st.ctx, &engine.AMICOJob{
		StudyDir:    st.req.SubjectDir,
		Subject:     ".",
		DWI:         st.req.DWI,
		Scheme:      scheme,
		Mask:        st.req.Mask,
		B0Threshold: settings.B0Threshold,
		Model:       settings.Model,
		Flags:       settings.Flags,
		Grid:        settings.Grid,
		KernelDirs:  settings.KernelDirs,
		Regenerate:  true,
		SaveDirAvg:  settings.SaveDirAvg,
	})
	if err != nil {
		return fail(StageFitted, err)
	}
	st.reach(StageFitted)
	st.reach(StageExtracted)
	st.reach(StagePersisted)
	return nil
}
