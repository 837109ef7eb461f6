// Package enginetest provides in-memory engines for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/engine"
	"mrimicrofit/pkg/microstructure"
)

// Fitter fabricates fit results shaped like the DWI's spatial grid.
// Result volumes carry an identity affine on purpose: callers must not rely
// on the engine for the output transform.
type Fitter struct {
	// Frames maps each produced field to its 4th-axis length (1 for 3D)
	Frames map[string]int
	// Value fills every voxel; nil fills with 1
	Value func(field string, x, y, z, t int) float64
	// Err is returned instead of a result when set
	Err error

	mu    sync.Mutex
	calls []*engine.FitRequest
}

// NewFitter returns a fitter producing 3D maps for every field the outputs read.
func NewFitter(outputs []microstructure.Output) *Fitter {
	frames := make(map[string]int)
	for _, o := range outputs {
		frames[o.Field] = 1
	}
	return &Fitter{Frames: frames}
}

// Fit implements engine.Fitter.
func (f *Fitter) Fit(ctx context.Context, req *engine.FitRequest) (*engine.FitResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if req.Acquisition.Len() != req.DWI.Frames() {
		return nil, &engine.FittingError{
			Model:   req.Model,
			Message: fmt.Sprintf("%d measurements for %d volumes", req.Acquisition.Len(), req.DWI.Frames()),
			Err:     engine.ErrDimensionMismatch,
		}
	}

	s := req.DWI.SpatialShape()
	fields := make(map[string]*models.Volume, len(f.Frames))
	for name, frames := range f.Frames {
		shape := []int{s[0], s[1], s[2]}
		if frames > 1 {
			shape = append(shape, frames)
		}
		vol := models.NewVolume(shape, nil)
		for t := 0; t < frames; t++ {
			for z := 0; z < s[2]; z++ {
				for y := 0; y < s[1]; y++ {
					for x := 0; x < s[0]; x++ {
						v := 1.0
						if f.Value != nil {
							v = f.Value(name, x, y, z, t)
						}
						vol.Data[vol.Index(x, y, z, t)] = v
					}
				}
			}
		}
		fields[name] = vol
	}
	return engine.NewFitResult(fields), nil
}

// Calls returns the requests seen so far.
func (f *Fitter) Calls() []*engine.FitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*engine.FitRequest(nil), f.calls...)
}

// AMICO records setup and evaluation calls.
type AMICO struct {
	SetupErr    error
	EvaluateErr error

	mu         sync.Mutex
	setupCalls int
	jobs       []*engine.AMICOJob
}

// Setup implements engine.AMICO.
func (a *AMICO) Setup(ctx context.Context) (engine.Session, error) {
	a.mu.Lock()
	a.setupCalls++
	a.mu.Unlock()
	if a.SetupErr != nil {
		return nil, a.SetupErr
	}
	return &session{parent: a}, nil
}

// SetupCalls reports how many times Setup ran.
func (a *AMICO) SetupCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setupCalls
}

// Jobs returns the evaluated jobs.
func (a *AMICO) Jobs() []*engine.AMICOJob {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*engine.AMICOJob(nil), a.jobs...)
}

type session struct {
	parent *AMICO
}

func (s *session) Evaluate(ctx context.Context, job *engine.AMICOJob) error {
	s.parent.mu.Lock()
	s.parent.jobs = append(s.parent.jobs, job)
	s.parent.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.parent.EvaluateErr
}
