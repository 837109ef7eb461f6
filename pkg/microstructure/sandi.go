package microstructure

import "gonum.org/v1/gonum/floats"

// SANDIGrid holds the compartment dictionary and solver weights for SANDI.
type SANDIGrid struct {
	// IntraSomaDiffusivity in mm^2/s
	IntraSomaDiffusivity float64

	// SomaRadii in metres
	SomaRadii []float64

	// IntraNeuriteDiffusivities in mm^2/s
	IntraNeuriteDiffusivities []float64

	// ExtraIsotropicDiffusivities in mm^2/s
	ExtraIsotropicDiffusivities []float64

	// Lambda1, Lambda2 are the solver regularisation weights
	Lambda1 float64
	Lambda2 float64
}

const gridPoints = 5

// DefaultSANDIGrid returns the fixed dictionary used by the SANDI runner.
func DefaultSANDIGrid() SANDIGrid {
	radii := floats.Span(make([]float64, gridPoints), 1.0, 12.0)
	floats.Scale(1e-6, radii)

	dIn := floats.Span(make([]float64, gridPoints), 0.25, 3.0)
	floats.Scale(1e-3, dIn)

	dIsos := floats.Span(make([]float64, gridPoints), 0.25, 3.0)
	floats.Scale(1e-3, dIsos)

	return SANDIGrid{
		IntraSomaDiffusivity:        3.0e-3,
		SomaRadii:                   radii,
		IntraNeuriteDiffusivities:   dIn,
		ExtraIsotropicDiffusivities: dIsos,
		Lambda1:                     0,
		Lambda2:                     5.0e-3,
	}
}
