package bridge

import (
	"errors"
	"fmt"

	"mrimicrofit/pkg/engine"
)

// Verbs understood by the engine process.
const (
	VerbFit           = "fit"
	VerbAMICOSetup    = "amico-setup"
	VerbAMICOEvaluate = "amico-evaluate"
)

// KindDimensionMismatch is the result error kind for an acquisition that
// does not match the DWI.
const KindDimensionMismatch = "dimension_mismatch"

type acquisitionJSON struct {
	Bvals             []float64    `json:"bvals"`
	Bvecs             [][3]float64 `json:"bvecs"`
	GradientStrengths []float64    `json:"gradient_strengths,omitempty"`
	BigDelta          []float64    `json:"big_delta,omitempty"`
	SmallDelta        []float64    `json:"small_delta,omitempty"`
}

type fitJob struct {
	Model       string          `json:"model"`
	EngineModel string          `json:"engine_model"`
	Variant     string          `json:"variant,omitempty"`
	Options     map[string]any  `json:"options"`
	Acquisition acquisitionJSON `json:"acquisition"`
	DWI         string          `json:"dwi"`
	Mask        string          `json:"mask"`
	OutputDir   string          `json:"output_dir"`
}

type gridJSON struct {
	IntraSomaDiffusivity        float64   `json:"d_is"`
	SomaRadii                   []float64 `json:"Rs"`
	IntraNeuriteDiffusivities   []float64 `json:"d_in"`
	ExtraIsotropicDiffusivities []float64 `json:"d_isos"`
	Lambda1                     float64   `json:"lambda1"`
	Lambda2                     float64   `json:"lambda2"`
}

type amicoJob struct {
	StudyDir    string         `json:"study_dir"`
	Subject     string         `json:"subject"`
	DWI         string         `json:"dwi"`
	Scheme      string         `json:"scheme"`
	Mask        string         `json:"mask"`
	B0Threshold float64        `json:"b0_thr"`
	Model       string         `json:"model"`
	Flags       map[string]any `json:"flags,omitempty"`
	Grid        *gridJSON      `json:"grid,omitempty"`
	KernelDirs  int            `json:"ndirs,omitempty"`
	Regenerate  bool           `json:"regenerate"`
	SaveDirAvg  bool           `json:"save_dir_avg"`
}

type resultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type result struct {
	Fields map[string]string `json:"fields"`
	Error  *resultError      `json:"error"`
}

// asError maps an engine-reported failure onto the engine error taxonomy.
func (r *resultError) asError(model string) error {
	fe := &engine.FittingError{Model: model, Message: r.Message}
	if r.Kind == KindDimensionMismatch {
		fe.Err = engine.ErrDimensionMismatch
	}
	return fe
}

var errNoResult = errors.New("engine produced no result")

func newAMICOJob(job *engine.AMICOJob) amicoJob {
	out := amicoJob{
		StudyDir:    job.StudyDir,
		Subject:     job.Subject,
		DWI:         job.DWI,
		Scheme:      job.Scheme,
		Mask:        job.Mask,
		B0Threshold: job.B0Threshold,
		Model:       job.Model,
		Flags:       job.Flags,
		KernelDirs:  job.KernelDirs,
		Regenerate:  job.Regenerate,
		SaveDirAvg:  job.SaveDirAvg,
	}
	if g := job.Grid; g != nil {
		out.Grid = &gridJSON{
			IntraSomaDiffusivity:        g.IntraSomaDiffusivity,
			SomaRadii:                   g.SomaRadii,
			IntraNeuriteDiffusivities:   g.IntraNeuriteDiffusivities,
			ExtraIsotropicDiffusivities: g.ExtraIsotropicDiffusivities,
			Lambda1:                     g.Lambda1,
			Lambda2:                     g.Lambda2,
		}
	}
	return out
}

func newFitJob(req *engine.FitRequest, outputDir string) (fitJob, error) {
	if req.Acquisition == nil {
		return fitJob{}, fmt.Errorf("fit %s: no acquisition", req.Model)
	}
	acq := req.Acquisition
	return fitJob{
		Model:       req.Model,
		EngineModel: req.Configuration.Engine(),
		Variant:     req.Configuration.Variant(),
		Options:     req.Configuration.Options(),
		Acquisition: acquisitionJSON{
			Bvals:             acq.Bvals,
			Bvecs:             acq.Bvecs,
			GradientStrengths: acq.GradientStrengths,
			BigDelta:          acq.BigDelta,
			SmallDelta:        acq.SmallDelta,
		},
		DWI:       req.DWIPath,
		Mask:      req.MaskPath,
		OutputDir: outputDir,
	}, nil
}
