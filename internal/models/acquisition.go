package models

// Acquisition describes the diffusion encoding of every DWI measurement
type Acquisition struct {
	// Bvals are the diffusion weightings in s/mm^2, one per measurement
	Bvals []float64

	// Bvecs are the gradient directions, one per measurement
	Bvecs [][3]float64

	// GradientStrengths are the gradient amplitudes in T/m.
	// Only set when the acquisition was read from a raw scheme table.
	GradientStrengths []float64

	// BigDelta is the pulse separation in seconds, per measurement.
	// Nil means the engine applies its own default.
	BigDelta []float64

	// SmallDelta is the pulse duration in seconds, per measurement.
	// Nil means the engine applies its own default.
	SmallDelta []float64
}

// Len returns the number of encoded measurements
func (a *Acquisition) Len() int {
	return len(a.Bvals)
}

// Timed reports whether pulse timing travels with the acquisition
func (a *Acquisition) Timed() bool {
	return len(a.BigDelta) > 0 && len(a.SmallDelta) > 0
}
