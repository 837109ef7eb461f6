// Package microstructure describes every supported diffusion microstructure
// model: its command-line knobs, how those knobs become an engine
// configuration, and which maps are written where.
package microstructure

import (
	"fmt"
	"sort"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/acquisition"
)

// EngineKind selects how a model is fitted.
type EngineKind int

const (
	// EngineDirect fits through engine.Fitter and the runner writes the maps.
	EngineDirect EngineKind = iota
	// EngineAMICO hands a scheme file to an AMICO session which saves its own results.
	EngineAMICO
)

// Output is one map projected out of a fit result.
type Output struct {
	// Name is the output file stem
	Name string
	// Field is the fit result field the map is read from
	Field string
	// Normalize divides the field by its mean over the mask
	Normalize bool
}

// ParamSpec declares one numeric hyperparameter flag.
type ParamSpec struct {
	Name    string
	Default float64
	Usage   string
	// Optional flags have no default and are only recorded when given
	Optional bool
}

// StringSpec declares one string option flag.
type StringSpec struct {
	Name  string
	Usage string
}

// Descriptor is the static description of one model runner.
type Descriptor struct {
	// Key is the runner key used on the command line, e.g. "mapmri"
	Key string
	// Name is the display name, e.g. "MAP-MRI"
	Name string
	// Dir is the output directory name; MAP-MRI keeps anisoMAPL for every variant
	Dir string
	// Engine selects the fitting path
	Engine EngineKind
	// Outputs are the maps written in order
	Outputs []Output
	// Params are the model-specific numeric flags
	Params []ParamSpec
	// Strings are the model-specific string flags
	Strings []StringSpec
	// Variants is set for models selected by a -model token
	Variants bool
	// RawScheme is set when the model also accepts a scheme table instead of bval/bvec
	RawScheme bool
}

// Parameter and option names shared with the CLI.
const (
	ParamBigDelta       = "big_delta"
	ParamSmallDelta     = "small_delta"
	ParamB0Threshold    = "b0thr"
	ParamB0Step         = "b0step"
	ParamEchoTime       = "TE"
	ParamPulseSeparated = "Delta"
	ParamPulseDuration  = "delta"
	ParamODFSharpening  = "odf_s"
	OptionODFSphere     = "odf_sphere"
)

var cortexNorm = []Output{
	{Name: "RTOP_cortex_norm", Field: "rtop", Normalize: true},
	{Name: "RTAP_cortex_norm", Field: "rtap", Normalize: true},
	{Name: "RTPP_cortex_norm", Field: "rtpp", Normalize: true},
}

var amicoParams = []ParamSpec{
	{Name: ParamB0Threshold, Default: 10, Usage: "Threshold for select non-dwi image."},
	{Name: ParamB0Step, Default: 100, Usage: "Threshold for normalize b-value."},
}

var catalogue = map[string]Descriptor{
	"freewater": {
		Key: "freewater", Name: "FreeWater", Dir: "FWDTI",
		Outputs: []Output{
			{Name: "FA", Field: "fa"},
			{Name: "MD", Field: "md"},
			{Name: "FW", Field: "f"},
			{Name: "RD", Field: "rd"},
			{Name: "AD", Field: "ad"},
			{Name: "ADC", Field: "adc"},
		},
	},
	"ivim": {
		Key: "ivim", Name: "IVIM", Dir: "IVIM",
		Outputs: []Output{
			{Name: "Perfusion", Field: "perfusion_fraction"},
			{Name: "D_star", Field: "D_star"},
			{Name: "D", Field: "D"},
		},
	},
	"mapmri": {
		Key: "mapmri", Name: "MAP-MRI", Dir: DefaultMAPMRIVariant, Variants: true,
		Outputs: []Output{
			{Name: "MSD", Field: "msd"},
			{Name: "QIV", Field: "qiv"},
			{Name: "RTOP", Field: "rtop"},
			{Name: "RTAP", Field: "rtap"},
			{Name: "RTPP", Field: "rtpp"},
			{Name: "NG", Field: "ng"},
			{Name: "NGper", Field: "ng_perpendicular"},
			{Name: "NGpar", Field: "ng_parallel"},
			{Name: "ODF", Field: "odf"},
			cortexNorm[0], cortexNorm[1], cortexNorm[2],
			{Name: "PDF", Field: "pdf"},
			{Name: "NOLS", Field: "norm_of_laplacian_signal"},
			{Name: "ISF", Field: "isotropic_scale_factor"},
			{Name: "SH", Field: "odf_sh"},
			{Name: "COEF", Field: "mapmri_coeffs"},
		},
		Params: []ParamSpec{
			{Name: ParamBigDelta, Default: 0.0218, Usage: "time between pulses [s]."},
			{Name: ParamSmallDelta, Default: 0.0129, Usage: "pulses duration in [s]."},
		},
	},
	"msdki": {
		Key: "msdki", Name: "MSDKI", Dir: "MSDKI",
		Outputs: []Output{
			{Name: "MSD", Field: "msd"},
			{Name: "MSK", Field: "msk"},
			{Name: "F", Field: "smt2f"},
			{Name: "DI", Field: "smt2di"},
			{Name: "uFA", Field: "smt2uFA"},
		},
	},
	"noddi": {
		Key: "noddi", Name: "NODDI", Dir: "NODDI", Engine: EngineAMICO,
		Params: amicoParams,
	},
	"qtdmri": {
		Key: "qtdmri", Name: "QTDMRI", Dir: "QTDMRI", RawScheme: true,
		Outputs: append([]Output{
			{Name: "RTOP", Field: "rtop"},
			{Name: "RTAP", Field: "rtap"},
			{Name: "RTPP", Field: "rtpp"},
			{Name: "QIV", Field: "qiv"},
			{Name: "MSD", Field: "msd"},
		}, cortexNorm...),
		Params: []ParamSpec{
			{Name: ParamODFSharpening, Usage: "ODF sharpening factor (scheme table form only).", Optional: true},
		},
		Strings: []StringSpec{
			{Name: OptionODFSphere, Usage: "sphere used to sample the ODF (scheme table form only)."},
		},
	},
	"sandi": {
		Key: "sandi", Name: "SANDI", Dir: "SANDI", Engine: EngineAMICO,
		Params: append(append([]ParamSpec(nil), amicoParams...),
			ParamSpec{Name: ParamEchoTime, Default: 0.030, Usage: "echo time if different from delta+small_delta [s] (optional)."},
			ParamSpec{Name: ParamPulseSeparated, Default: 0.020, Usage: "time between pulses [s]."},
			ParamSpec{Name: ParamPulseDuration, Default: 0.0055, Usage: "pulses duration in [s]."},
		),
	},
	"wmti": {
		Key: "wmti", Name: "WMTI", Dir: "WMTI",
		Outputs: []Output{
			{Name: "AWF", Field: "awf"},
			{Name: "Tortuosity", Field: "tortuosity"},
			{Name: "Restricted", Field: "restricted_evals"},
			{Name: "Hindered", Field: "hindered_evals"},
			{Name: "Axonal", Field: "axonal_diffusivity"},
			{Name: "Hindered_AD", Field: "hindered_ad"},
			{Name: "Hindered_RD", Field: "hindered_rd"},
		},
	},
}

// Lookup returns the descriptor registered under key.
func Lookup(key string) (Descriptor, bool) {
	d, ok := catalogue[key]
	return d, ok
}

// Keys lists the registered runner keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(catalogue))
	for k := range catalogue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SchemeFormat selects the AMICO scheme layout.
type SchemeFormat int

const (
	SchemeBVector SchemeFormat = iota
	SchemeStejskalTanner
)

// AMICOSettings is everything an AMICO evaluation needs beyond the input paths.
type AMICOSettings struct {
	// Model is the AMICO model name, "NODDI" or "SANDI"
	Model string
	// Format and Timing drive the scheme writer
	Format SchemeFormat
	Timing acquisition.PulseTiming
	// BStep rounds b-values in the scheme; B0Threshold selects b0 volumes
	BStep       float64
	B0Threshold float64
	// Flags are passed to set_config before loading data
	Flags map[string]any
	// Grid is set for SANDI only
	Grid *SANDIGrid
	// KernelDirs is the kernel direction count; 0 leaves the engine default
	KernelDirs int
	// SaveDirAvg saves the directional average signal with the results
	SaveDirAvg bool
}

// Plan is the resolved, immutable recipe for one run.
type Plan struct {
	Descriptor    Descriptor
	Configuration Configuration
	// OutputDir is the directory name created under the subject directory
	OutputDir string
	// Outputs are the maps to extract, in write order
	Outputs []Output
	// Timing is the pulse timing attached to an FSL acquisition; nil leaves engine defaults
	Timing *acquisition.PulseTiming
	// AMICO is set for EngineAMICO models
	AMICO *AMICOSettings
}

// SchemeFile is the AMICO scheme path for this plan, e.g. <subject>/SANDI.scheme.
func (p *Plan) SchemeFile() string {
	if p.AMICO == nil {
		return ""
	}
	return p.AMICO.Model + ".scheme"
}

// Resolve builds the plan for a request. It only looks at the request, so it
// can run before any file is touched.
func Resolve(req models.RunRequest) (*Plan, error) {
	d, ok := catalogue[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, req.Model)
	}
	if req.RawScheme() && !d.RawScheme {
		return nil, &ConfigurationError{Model: d.Name, Reason: "a scheme table is not accepted by this model"}
	}

	plan := &Plan{
		Descriptor: d,
		OutputDir:  d.Dir,
		Outputs:    append([]Output(nil), d.Outputs...),
	}

	switch d.Key {
	case "freewater":
		plan.Configuration = newConfiguration("dipy.reconst.fwdti.FreeWaterTensorModel", "", nil)
	case "ivim":
		plan.Configuration = newConfiguration("dipy.reconst.ivim.IvimModel", "", map[string]any{"fit_method": "VarPro"})
	case "msdki":
		plan.Configuration = newConfiguration("dipy.reconst.msdki.MeanDiffusionKurtosisModel", "", nil)
	case "wmti":
		plan.Configuration = newConfiguration("dipy.reconst.dki_micro.KurtosisMicrostructureModel", "", nil)
	case "mapmri":
		if err := resolveMAPMRI(req, plan); err != nil {
			return nil, err
		}
	case "qtdmri":
		if err := resolveQTDMRI(req, plan); err != nil {
			return nil, err
		}
	case "noddi":
		plan.Configuration = newConfiguration("amico.NODDI", "", nil)
		plan.AMICO = &AMICOSettings{
			Model:       "NODDI",
			Format:      SchemeBVector,
			BStep:       req.Param(ParamB0Step, 100),
			B0Threshold: req.Param(ParamB0Threshold, 10),
		}
	case "sandi":
		grid := DefaultSANDIGrid()
		plan.Configuration = newConfiguration("amico.SANDI", "", nil)
		plan.AMICO = &AMICOSettings{
			Model:  "SANDI",
			Format: SchemeStejskalTanner,
			Timing: acquisition.PulseTiming{
				BigDelta:   req.Param(ParamPulseSeparated, 0.020),
				SmallDelta: req.Param(ParamPulseDuration, 0.0055),
				EchoTime:   req.Param(ParamEchoTime, 0.030),
			},
			BStep:       req.Param(ParamB0Step, 100),
			B0Threshold: req.Param(ParamB0Threshold, 10),
			Flags: map[string]any{
				"doDebiasSignal":       false,
				"doDirectionalAverage": true,
			},
			Grid:       &grid,
			KernelDirs: 1,
			SaveDirAvg: true,
		}
	}
	return plan, nil
}

func resolveMAPMRI(req models.RunRequest, plan *Plan) error {
	token := req.Variant
	if token == "" {
		token = DefaultMAPMRIVariant
	}
	variant, err := LookupMAPMRI(token)
	if err != nil {
		return err
	}
	plan.Configuration = variant.Configuration(token)
	plan.Timing = &acquisition.PulseTiming{
		BigDelta:   req.Param(ParamBigDelta, 0.0218),
		SmallDelta: req.Param(ParamSmallDelta, 0.0129),
	}
	return nil
}

func resolveQTDMRI(req models.RunRequest, plan *Plan) error {
	opts := map[string]any{
		"radial_order":             6,
		"time_order":               2,
		"laplacian_regularization": true,
		"laplacian_weighting":      "GCV",
		"l1_regularization":        true,
		"l1_weighting":             "CV",
	}

	sphere, hasSphere := req.Option(OptionODFSphere)
	hasSharpening := req.HasParam(ParamODFSharpening)
	if hasSphere || hasSharpening {
		if !req.RawScheme() {
			return &ConfigurationError{Model: "QTDMRI", Reason: "ODF output is only available with a scheme table"}
		}
		if !hasSphere || !hasSharpening || sphere == "" {
			return &ConfigurationError{Model: "QTDMRI", Reason: "ODF output needs both -odf_sphere and -odf_s"}
		}
		opts["odf_sphere"] = sphere
		opts["odf_sharpening"] = req.Param(ParamODFSharpening, 0)
		plan.Outputs = append(plan.Outputs, Output{Name: "ODF", Field: "odf"})
	}

	variant := ""
	if req.RawScheme() {
		variant = "scheme"
	}
	plan.Configuration = newConfiguration("dipy.reconst.qtdmri.QtdmriModel", variant, opts)
	return nil
}
