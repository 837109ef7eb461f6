// Package engine defines the contract between the runners and the external
// model fitting engine.
package engine

import (
	"context"
	"sort"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/microstructure"
)

// FitRequest is one direct model fit.
type FitRequest struct {
	// Model is the runner key, e.g. "freewater"
	Model         string
	Configuration microstructure.Configuration
	Acquisition   *models.Acquisition

	// DWI and Mask are the loaded inputs; the paths they were read from
	// travel alongside for engines that work from files
	DWI      *models.Volume
	Mask     *models.Volume
	DWIPath  string
	MaskPath string
}

// FitResult holds the named per-voxel maps returned by a fit. It is read-only.
type FitResult struct {
	fields map[string]*models.Volume
}

// NewFitResult wraps engine output.
func NewFitResult(fields map[string]*models.Volume) *FitResult {
	r := &FitResult{fields: make(map[string]*models.Volume, len(fields))}
	for k, v := range fields {
		r.fields[k] = v
	}
	return r
}

// Field returns the named map.
func (r *FitResult) Field(name string) (*models.Volume, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields lists the available map names in sorted order.
func (r *FitResult) Fields() []string {
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Fitter fits a model to a DWI volume restricted to a mask.
type Fitter interface {
	Fit(ctx context.Context, req *FitRequest) (*FitResult, error)
}

// AMICOJob is one AMICO evaluation. The engine saves its own results under
// the subject directory.
type AMICOJob struct {
	StudyDir    string
	Subject     string
	DWI         string
	Scheme      string
	Mask        string
	B0Threshold float64
	Model       string
	Flags       map[string]any
	Grid        *microstructure.SANDIGrid
	KernelDirs  int
	Regenerate  bool
	SaveDirAvg  bool
}

// AMICO performs the one-time engine setup.
type AMICO interface {
	Setup(ctx context.Context) (Session, error)
}

// Session is an initialised AMICO engine. Obtain one per process and share
// it between runs.
type Session interface {
	Evaluate(ctx context.Context, job *AMICOJob) error
}
