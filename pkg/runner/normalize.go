package runner

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"mrimicrofit/internal/models"
	"mrimicrofit/pkg/engine"
	"mrimicrofit/pkg/microstructure"
)

// OutputMap is one extracted map ready to be written.
type OutputMap struct {
	Name   string
	Volume *models.Volume
}

// Normalize divides raw by its mean over the voxels where mask > 0. For 4D
// maps every frame of a selected voxel contributes to the mean.
func Normalize(raw, mask *models.Volume) (*models.Volume, error) {
	if raw.SpatialShape() != mask.SpatialShape() {
		return nil, fmt.Errorf("map shape %v does not match mask shape %v", raw.Shape, mask.Shape)
	}

	n := raw.SpatialLen()
	selected := make([]float64, 0, n)
	for t := 0; t < raw.Frames(); t++ {
		for i := 0; i < n; i++ {
			if mask.Data[i] > 0 {
				selected = append(selected, raw.Data[t*n+i])
			}
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: mask selects no voxels", ErrDivisionByZero)
	}
	mean := stat.Mean(selected, nil)
	if mean == 0 {
		return nil, fmt.Errorf("%w: mean over mask is zero", ErrDivisionByZero)
	}

	out := models.NewVolume(raw.Shape, raw.Affine)
	for i, v := range raw.Data {
		out.Data[i] = v / mean
	}
	return out, nil
}

// Extract projects outputs out of a fit result in order. Normalised maps are
// computed here so nothing is written until every map is ready.
func Extract(model string, res *engine.FitResult, outputs []microstructure.Output, mask *models.Volume) ([]OutputMap, error) {
	maps := make([]OutputMap, 0, len(outputs))
	for _, o := range outputs {
		vol, ok := res.Field(o.Field)
		if !ok {
			return nil, &engine.FittingError{Model: model, Message: fmt.Sprintf("fit result has no field %q for %s", o.Field, o.Name)}
		}
		if o.Normalize {
			norm, err := Normalize(vol, mask)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", o.Name, err)
			}
			vol = norm
		}
		maps = append(maps, OutputMap{Name: o.Name, Volume: vol})
	}
	return maps, nil
}
